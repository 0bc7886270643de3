// Package commission computes per-level referral commissions for an order and
// owns the commission record state machine.
//
// Lifecycle:
//  1. Order placed: the policy snapshot is frozen and a calculation task queued
//  2. Calculation: one record per paying chain level, created in hold
//  3. Hold elapses: the release sweep moves hold -> ready
//  4. Settlement: ready -> paid, crediting the agent's balance
//  5. Cancellation: hold or ready -> cancelled; paid is terminal
package commission

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrDuplicateRecord     = errors.New("commission record already exists for order, agent and level")
	ErrRecordNotFound      = errors.New("commission record not found")
	ErrInvalidTransition   = errors.New("invalid commission status transition")
	ErrConcurrencyConflict = errors.New("commission record changed concurrently")
	ErrInvalidOrder        = errors.New("invalid order")
)

// Status is a commission record state.
type Status string

const (
	StatusHold      Status = "hold"
	StatusReady     Status = "ready"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

// transitions lists the allowed next states.
var transitions = map[Status][]Status{
	StatusHold:  {StatusReady, StatusCancelled},
	StatusReady: {StatusPaid, StatusCancelled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states with no outgoing transitions.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Record is one commission owed to one agent for one order level.
type Record struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"orderId"`
	SiteID       string          `json:"siteId"`
	AgentID      string          `json:"agentId"`
	Level        int             `json:"level"`
	RatePercent  decimal.Decimal `json:"ratePercent"`
	Amount       decimal.Decimal `json:"amount"`
	Status       Status          `json:"status"`
	HoldUntil    time.Time       `json:"holdUntil"`
	PaidAt       *time.Time      `json:"paidAt,omitempty"`
	CancelReason string          `json:"cancelReason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Order is the order pipeline's hand-off to the engine.
type Order struct {
	ID         string          `json:"orderId"`
	SiteID     string          `json:"siteId"`
	FinalPrice decimal.Decimal `json:"finalPrice"`
	BuyerID    string          `json:"buyerAccountId"`
	// ReferralStartID overrides where the upline walk begins. Defaults to BuyerID.
	ReferralStartID string `json:"referralStartAccountId,omitempty"`
}

// StartAccount is the account the referral walk begins from.
func (o Order) StartAccount() string {
	if o.ReferralStartID != "" {
		return o.ReferralStartID
	}
	return o.BuyerID
}

func (o Order) validate() error {
	if o.ID == "" || o.SiteID == "" || o.BuyerID == "" {
		return ErrInvalidOrder
	}
	if o.FinalPrice.IsNegative() {
		return ErrInvalidOrder
	}
	return nil
}

// Store persists commission records. Implementations enforce uniqueness on
// (order, agent, level) and make every status change conditional on the
// record's current status.
type Store interface {
	// Create inserts a hold record, returning ErrDuplicateRecord if the
	// (order, agent, level) key already exists.
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Record, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)
	// Transition moves a record from -> to, returning ErrConcurrencyConflict
	// if its current status is not from. Moving to paid sets PaidAt.
	Transition(ctx context.Context, id string, from, to Status, at time.Time, reason string) (*Record, error)
	// ReleaseMatured moves up to limit hold records with HoldUntil <= now to
	// ready in one batch, returning the released records.
	ReleaseMatured(ctx context.Context, now time.Time, limit int) ([]*Record, error)
	// CountByStatus returns the number of records in each status.
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
