package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/affiliate/internal/retry"
	"github.com/mbd888/affiliate/internal/snapshot"
)

var (
	ErrQueueFull   = errors.New("calculation queue full")
	ErrQueueClosed = errors.New("calculation queue stopped")
)

// Worker consumes calculation tasks from a bounded queue with a fixed pool
// of goroutines. Each task is retried under the configured policy; a task
// that exhausts its attempts leaves the order without records and is raised
// for operator attention.
type Worker struct {
	service *Service
	tasks   chan Order
	workers int
	policy  retry.Policy
	logger  *slog.Logger
	stop    chan struct{}
	once    sync.Once
	running atomic.Bool
}

// NewWorker creates a worker pool. Call Start to begin consuming.
func NewWorker(service *Service, queueSize, workers int, policy retry.Policy, logger *slog.Logger) *Worker {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		service: service,
		tasks:   make(chan Order, queueSize),
		workers: workers,
		policy:  policy,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Running reports whether the worker pool is consuming.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Depth returns the number of queued tasks.
func (w *Worker) Depth() int { return len(w.tasks) }

// Capacity returns the queue bound.
func (w *Worker) Capacity() int { return cap(w.tasks) }

// Enqueue adds a task without blocking.
func (w *Worker) Enqueue(order Order) error {
	select {
	case <-w.stop:
		return ErrQueueClosed
	default:
	}
	select {
	case w.tasks <- order:
		queueDepth.Inc()
		return nil
	default:
		calculationTasks.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
}

// Start runs the pool until ctx is cancelled or Stop is called. Call in a
// goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}

	select {
	case <-ctx.Done():
	case <-w.stop:
	}
	cancel()
	wg.Wait()

	if pending := len(w.tasks); pending > 0 {
		w.logger.Warn("calculation worker stopped with pending tasks", "pending", pending)
	}
}

// Stop signals the pool to stop.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case order := <-w.tasks:
			queueDepth.Dec()
			w.safeProcess(ctx, order)
		}
	}
}

func (w *Worker) safeProcess(ctx context.Context, order Order) {
	defer func() {
		if r := recover(); r != nil {
			calculationTasks.WithLabelValues("panicked").Inc()
			w.logger.Error("panic in calculation worker", "orderId", order.ID, "panic", fmt.Sprint(r))
		}
	}()
	w.process(ctx, order)
}

// process runs one task to completion or exhaustion. A missing snapshot or an
// invalid order cannot improve with retries.
func (w *Worker) process(ctx context.Context, order Order) {
	policy := w.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		calculationTasks.WithLabelValues("retried").Inc()
		w.logger.Warn("commission calculation failed, retrying",
			"orderId", order.ID, "attempt", attempt, "wait", wait, "error", err)
	}

	attempts := 0
	err := policy.Run(ctx, func(attempt int) error {
		attempts = attempt
		_, err := w.service.Calculate(ctx, order)
		if errors.Is(err, snapshot.ErrSnapshotNotFound) || errors.Is(err, ErrInvalidOrder) || errors.Is(err, snapshot.ErrInvalidMode) {
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil {
		calculationTasks.WithLabelValues("succeeded").Inc()
		return
	}
	if ctx.Err() != nil {
		w.logger.Warn("commission calculation interrupted by shutdown", "orderId", order.ID, "error", err)
		return
	}

	calculationTasks.WithLabelValues("exhausted").Inc()
	w.logger.Error("commission calculation abandoned, operator attention required",
		"orderId", order.ID,
		"siteId", order.SiteID,
		"attempts", attempts,
		"error", err,
	)
	w.service.events.EmitCalculationFailed(order.ID, attempts, err.Error())
}
