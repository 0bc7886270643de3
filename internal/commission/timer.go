package commission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer periodically promotes matured hold records to ready.
type Timer struct {
	service  *Service
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	once     sync.Once
	running  atomic.Bool
}

// NewTimer creates a hold-release timer.
func NewTimer(service *Service, interval time.Duration, batch int, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 500
	}
	return &Timer{
		service:  service,
		interval: interval,
		batch:    batch,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the release loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRelease(ctx)
		}
	}
}

// Stop signals the timer to stop. A release in progress finishes first;
// Start returns right after it.
func (t *Timer) Stop() {
	t.once.Do(func() { close(t.stop) })
}

func (t *Timer) safeRelease(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in hold release timer", "panic", fmt.Sprint(r))
		}
	}()
	t.release(ctx)
}

func (t *Timer) release(ctx context.Context) {
	released, err := t.service.ReleaseMatured(ctx, t.service.now(), t.batch)
	if err != nil {
		t.logger.Warn("failed to release matured holds", "error", err)
		return
	}
	if len(released) > 0 {
		t.logger.Info("released matured holds", "count", len(released), "full", len(released) == t.batch)
	}
}
