package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Service freezes the active plan for an order.
type Service struct {
	registry Registry
	store    Store
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a snapshot service.
func NewService(registry Registry, store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{registry: registry, store: store, logger: logger, now: time.Now}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateSnapshot copies the site's active plan into an immutable per-order
// snapshot. A site without an active plan returns ErrNoActivePlan; callers
// treat that as "no commissions" rather than a failure. Calling twice for the
// same order returns the snapshot written first.
func (s *Service) CreateSnapshot(ctx context.Context, orderID, siteID string) (*Snapshot, error) {
	now := s.now()
	plan, err := s.registry.ActivePlan(ctx, siteID, now)
	if errors.Is(err, ErrNoActivePlan) {
		s.logger.Warn("no active commission plan, order will not generate commissions",
			"orderId", orderID, "siteId", siteID)
		return nil, ErrNoActivePlan
	}
	if err != nil {
		return nil, fmt.Errorf("load active plan: %w", err)
	}

	snap := FromPlan(orderID, plan, now)
	err = s.store.Create(ctx, snap)
	if errors.Is(err, ErrSnapshotExists) {
		return s.store.Get(ctx, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}

	s.logger.Info("policy snapshot created",
		"orderId", orderID,
		"siteId", siteID,
		"planId", plan.ID,
		"planVersion", plan.Version,
		"mode", plan.Mode,
		"tiers", len(plan.Tiers),
	)
	return snap, nil
}

// Get returns the snapshot for an order.
func (s *Service) Get(ctx context.Context, orderID string) (*Snapshot, error) {
	return s.store.Get(ctx, orderID)
}

// DeleteForOrder removes the snapshot when its order is deleted.
func (s *Service) DeleteForOrder(ctx context.Context, orderID string) error {
	if err := s.store.Delete(ctx, orderID); err != nil && !errors.Is(err, ErrSnapshotNotFound) {
		return err
	}
	return nil
}
