package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/affiliate/internal/database"
	"github.com/mbd888/affiliate/internal/events"
	"github.com/mbd888/affiliate/internal/idgen"
	"github.com/mbd888/affiliate/internal/referral"
	"github.com/mbd888/affiliate/internal/snapshot"
	"github.com/mbd888/affiliate/internal/traces"
)

// SnapshotSource freezes and reads per-order policy snapshots.
type SnapshotSource interface {
	CreateSnapshot(ctx context.Context, orderID, siteID string) (*snapshot.Snapshot, error)
	Get(ctx context.Context, orderID string) (*snapshot.Snapshot, error)
}

// ChainResolver resolves the referral chain for an order.
type ChainResolver interface {
	ResolveChain(ctx context.Context, start string, maxLevels int) ([]referral.Link, error)
}

// Enqueuer accepts calculation tasks.
type Enqueuer interface {
	Enqueue(order Order) error
}

// Service coordinates snapshotting, calculation and record lifecycle.
type Service struct {
	snapshots SnapshotSource
	resolver  ChainResolver
	calc      *Calculator
	store     Store
	tx        database.TxRunner
	events    *events.Emitter
	logger    *slog.Logger
	maxDepth  int
	queue     Enqueuer
	now       func() time.Time
}

// Config holds Service dependencies.
type Config struct {
	Snapshots SnapshotSource
	Resolver  ChainResolver
	Calc      *Calculator
	Store     Store
	Tx        database.TxRunner
	Events    *events.Emitter
	Logger    *slog.Logger
	MaxDepth  int
}

// NewService creates a commission service.
func NewService(cfg Config) *Service {
	if cfg.Tx == nil {
		cfg.Tx = database.NoTx{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	return &Service{
		snapshots: cfg.Snapshots,
		resolver:  cfg.Resolver,
		calc:      cfg.Calc,
		store:     cfg.Store,
		tx:        cfg.Tx,
		events:    cfg.Events,
		logger:    cfg.Logger,
		maxDepth:  cfg.MaxDepth,
		now:       time.Now,
	}
}

// WithQueue routes OnOrderPlaced calculations through q.
func (s *Service) WithQueue(q Enqueuer) *Service {
	s.queue = q
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store returns the underlying record store.
func (s *Service) Store() Store { return s.store }

// OnOrderPlaced freezes the plan for the order and schedules calculation.
// It returns false, without error, when the site has no active plan. Without
// a queue the calculation runs inline.
func (s *Service) OnOrderPlaced(ctx context.Context, order Order) (bool, error) {
	if err := order.validate(); err != nil {
		return false, err
	}
	if _, err := s.snapshots.CreateSnapshot(ctx, order.ID, order.SiteID); err != nil {
		if errors.Is(err, snapshot.ErrNoActivePlan) {
			return false, nil
		}
		return false, err
	}

	if s.queue == nil {
		_, err := s.Calculate(ctx, order)
		return err == nil, err
	}
	if err := s.queue.Enqueue(order); err != nil {
		return false, err
	}
	return true, nil
}

// Calculate computes and persists the order's commission records from its
// snapshot. It is safe to repeat: records that already exist are skipped by
// the (order, agent, level) uniqueness guard. Returns the newly created
// records.
func (s *Service) Calculate(ctx context.Context, order Order) ([]*Record, error) {
	ctx, span := traces.StartSpan(ctx, "commission.Calculate",
		traces.OrderID(order.ID), traces.SiteID(order.SiteID))
	defer span.End()
	start := time.Now()
	defer func() { calculationDuration.Observe(time.Since(start).Seconds()) }()

	if err := order.validate(); err != nil {
		return nil, err
	}
	snap, err := s.snapshots.Get(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	span.SetAttributes(traces.Mode(string(snap.Mode)))

	maxLevels := min(s.maxDepth, snap.MaxLevel())
	chain, err := s.resolver.ResolveChain(ctx, order.StartAccount(), maxLevels)
	if err != nil && !errors.Is(err, referral.ErrCycleDetected) {
		return nil, fmt.Errorf("resolve chain: %w", err)
	}

	result, err := s.calc.Compute(ctx, snap, order, chain)
	if err != nil {
		return nil, fmt.Errorf("compute commissions: %w", err)
	}

	now := s.now()
	var created []*Record
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		created = created[:0]
		for _, e := range result.Entries {
			rec := &Record{
				ID:          idgen.WithPrefix("com_"),
				OrderID:     order.ID,
				SiteID:      order.SiteID,
				AgentID:     e.AgentID,
				Level:       e.Level,
				RatePercent: e.RatePercent,
				Amount:      e.Amount,
				Status:      StatusHold,
				HoldUntil:   now.Add(time.Duration(e.HoldDays) * 24 * time.Hour),
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.store.Create(ctx, rec); err != nil {
				if errors.Is(err, ErrDuplicateRecord) {
					continue
				}
				return fmt.Errorf("create level %d record: %w", e.Level, err)
			}
			created = append(created, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	q := s.calc.Quantizer()
	for _, rec := range created {
		recordsCreated.WithLabelValues(string(snap.Mode), strconv.Itoa(rec.Level)).Inc()
		s.events.EmitCommissionTransition(rec.ID, rec.OrderID, rec.AgentID, rec.Level, "", string(StatusHold), q.Format(rec.Amount))
	}
	s.logger.InfoContext(ctx, "commissions calculated",
		"orderId", order.ID,
		"mode", snap.Mode,
		"chainLength", len(chain),
		"created", len(created),
		"skipped", len(result.Skips),
	)
	return created, nil
}

// ListByOrder returns an order's records in level order.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]*Record, error) {
	return s.store.ListByOrder(ctx, orderID)
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// Cancel moves a hold or ready record to cancelled.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(rec.Status, StatusCancelled) {
		return nil, fmt.Errorf("%w: record %s is %s", ErrInvalidTransition, id, rec.Status)
	}
	from := rec.Status
	updated, err := s.store.Transition(ctx, id, from, StatusCancelled, s.now(), reason)
	if err != nil {
		return nil, err
	}
	recordsCancelled.Inc()
	s.events.EmitCommissionTransition(updated.ID, updated.OrderID, updated.AgentID, updated.Level,
		string(from), string(StatusCancelled), s.calc.Quantizer().Format(updated.Amount))
	return updated, nil
}

// CancelForOrder cancels every non-terminal record of an order and returns
// how many were cancelled. Records that settle concurrently are left paid.
func (s *Service) CancelForOrder(ctx context.Context, orderID, reason string) (int, error) {
	records, err := s.store.ListByOrder(ctx, orderID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range records {
		if rec.Status.IsTerminal() {
			continue
		}
		if _, err := s.Cancel(ctx, rec.ID, reason); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrInvalidTransition) {
				s.logger.WarnContext(ctx, "commission changed during cancellation", "recordId", rec.ID, "error", err)
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// ReleaseMatured promotes one bounded batch of elapsed holds to ready.
func (s *Service) ReleaseMatured(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	released, err := s.store.ReleaseMatured(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	q := s.calc.Quantizer()
	for _, rec := range released {
		s.events.EmitCommissionTransition(rec.ID, rec.OrderID, rec.AgentID, rec.Level,
			string(StatusHold), string(StatusReady), q.Format(rec.Amount))
	}
	holdsReleased.Add(float64(len(released)))
	return released, nil
}
