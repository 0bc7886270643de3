// Package settlement pays out ready commissions into agent balances and
// claws back paid commissions on chargeback.
//
// Both operations are partial-failure batches: each record is handled in its
// own unit of work, and one record's failure is reported in the outcome
// without stopping the rest.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/affiliate/internal/pagination"
)

var (
	ErrBatchTooLarge   = errors.New("settlement batch too large")
	ErrEmptyBatch      = errors.New("settlement batch is empty")
	ErrAlreadyReversed = errors.New("commission already reversed")
	ErrBatchNotFound   = errors.New("settlement batch not found")

	ErrChargebackNotFound = errors.New("chargeback entry not found")
)

// MaxBatchSize is the hard ceiling on records per settlement run.
const MaxBatchSize = 100

// Outcome is a per-record result.
type Outcome string

const (
	OutcomeSettled         Outcome = "settled"
	OutcomeFailed          Outcome = "failed"
	OutcomeReversed        Outcome = "reversed"
	OutcomeAlreadyReversed Outcome = "already_reversed"
)

// RecordOutcome is one record's result within a run.
type RecordOutcome struct {
	RecordID string          `json:"recordId"`
	AgentID  string          `json:"agentId,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	Outcome  Outcome         `json:"outcome"`
	Reason   string          `json:"reason,omitempty"`
}

// BatchReport is the audit record of one settlement run.
type BatchReport struct {
	ID           string          `json:"id"`
	Requested    int             `json:"requested"`
	SettledCount int             `json:"settledCount"`
	FailedCount  int             `json:"failedCount"`
	TotalAmount  decimal.Decimal `json:"totalAmount"`
	Outcomes     []RecordOutcome `json:"outcomes"`
	StartedAt    time.Time       `json:"startedAt"`
	FinishedAt   time.Time       `json:"finishedAt"`
}

// ChargebackEntry is the audit record of one reversed commission.
type ChargebackEntry struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"orderId"`
	RecordID        string          `json:"recordId"`
	SiteID          string          `json:"siteId"`
	AgentID         string          `json:"agentId"`
	Amount          decimal.Decimal `json:"amount"`
	BalanceBefore   decimal.Decimal `json:"balanceBefore"`
	BalanceAfter    decimal.Decimal `json:"balanceAfter"`
	WasInsufficient bool            `json:"wasInsufficient"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// ChargebackReport summarizes one ReverseForOrder run.
type ChargebackReport struct {
	OrderID              string             `json:"orderId"`
	ProcessedCount       int                `json:"processedCount"`
	TotalClawedBack      decimal.Decimal    `json:"totalClawedBack"`
	InsufficientCount    int                `json:"insufficientCount"`
	AlreadyReversedCount int                `json:"alreadyReversedCount"`
	FailedCount          int                `json:"failedCount"`
	Entries              []*ChargebackEntry `json:"entries"`
	Outcomes             []RecordOutcome    `json:"outcomes"`
}

// AuditStore persists settlement reports and chargeback entries.
type AuditStore interface {
	SaveBatch(ctx context.Context, report *BatchReport) error
	GetBatch(ctx context.Context, id string) (*BatchReport, error)
	// ListBatches returns up to limit reports, newest first, starting after
	// the cursor when one is given.
	ListBatches(ctx context.Context, limit int, after *pagination.Cursor) ([]*BatchReport, error)

	// CreateChargeback inserts an entry, returning ErrAlreadyReversed if the
	// record already has one.
	CreateChargeback(ctx context.Context, entry *ChargebackEntry) error
	ChargebackForRecord(ctx context.Context, recordID string) (*ChargebackEntry, error)
	ListChargebacks(ctx context.Context, orderID string) ([]*ChargebackEntry, error)
}
