package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/affiliate/internal/balance"
	"github.com/mbd888/affiliate/internal/commission"
	"github.com/mbd888/affiliate/internal/database"
	"github.com/mbd888/affiliate/internal/events"
	"github.com/mbd888/affiliate/internal/idgen"
	"github.com/mbd888/affiliate/internal/money"
	"github.com/mbd888/affiliate/internal/traces"
)

// Accounts hands out per-account critical sections.
type Accounts interface {
	Hold(ctx context.Context, k balance.Key) (*balance.Held, error)
}

// Processor settles ready commission records.
type Processor struct {
	records  commission.Store
	accounts Accounts
	audit    AuditStore
	tx       database.TxRunner
	events   *events.Emitter
	q        money.Quantizer
	maxBatch int
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor creates a settlement processor. maxBatch is clamped to
// MaxBatchSize.
func NewProcessor(records commission.Store, accounts Accounts, audit AuditStore, tx database.TxRunner,
	emitter *events.Emitter, q money.Quantizer, maxBatch int, logger *slog.Logger) *Processor {
	if tx == nil {
		tx = database.NoTx{}
	}
	if maxBatch <= 0 || maxBatch > MaxBatchSize {
		maxBatch = MaxBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		records:  records,
		accounts: accounts,
		audit:    audit,
		tx:       tx,
		events:   emitter,
		q:        q,
		maxBatch: maxBatch,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// MaxBatch returns the configured batch bound.
func (p *Processor) MaxBatch() int { return p.maxBatch }

// Settle pays each listed record that is still ready. Per-record failures are
// reported in the outcome and never abort the batch; only an oversized or
// empty batch is rejected as a whole.
func (p *Processor) Settle(ctx context.Context, recordIDs []string) (*BatchReport, error) {
	if len(recordIDs) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(recordIDs) > p.maxBatch {
		return nil, fmt.Errorf("%w: %d records, limit %d", ErrBatchTooLarge, len(recordIDs), p.maxBatch)
	}

	ctx, span := traces.StartSpan(ctx, "settlement.Settle", traces.BatchSize(len(recordIDs)))
	defer span.End()
	start := time.Now()
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	report := &BatchReport{
		ID:          idgen.WithPrefix("stl_"),
		Requested:   len(recordIDs),
		TotalAmount: decimal.Zero,
		StartedAt:   p.now(),
	}
	seen := make(map[string]bool, len(recordIDs))

	for _, id := range recordIDs {
		if seen[id] {
			report.add(RecordOutcome{RecordID: id, Outcome: OutcomeFailed, Reason: "duplicate in batch"})
			continue
		}
		seen[id] = true

		rec, err := p.settleOne(ctx, id)
		if err != nil {
			p.logger.WarnContext(ctx, "settlement failed for record",
				"batchId", report.ID, "recordId", id, "error", err)
			out := RecordOutcome{RecordID: id, Outcome: OutcomeFailed, Reason: err.Error()}
			if rec != nil {
				out.AgentID, out.Amount = rec.AgentID, rec.Amount
			}
			report.add(out)
			settlementRecords.WithLabelValues(string(OutcomeFailed)).Inc()
			continue
		}

		report.add(RecordOutcome{RecordID: id, AgentID: rec.AgentID, Amount: rec.Amount, Outcome: OutcomeSettled})
		settlementRecords.WithLabelValues(string(OutcomeSettled)).Inc()
		settledAmount.Add(rec.Amount.InexactFloat64())
		p.events.EmitCommissionTransition(rec.ID, rec.OrderID, rec.AgentID, rec.Level,
			string(commission.StatusReady), string(commission.StatusPaid), p.q.Format(rec.Amount))
	}
	report.FinishedAt = p.now()

	if err := p.audit.SaveBatch(ctx, report); err != nil {
		p.logger.ErrorContext(ctx, "failed to save settlement report", "batchId", report.ID, "error", err)
	}
	p.events.EmitSettlementBatch(report.ID, report.SettledCount, report.FailedCount, p.q.Format(report.TotalAmount))
	p.logger.InfoContext(ctx, "settlement batch completed",
		"batchId", report.ID,
		"settled", report.SettledCount,
		"failed", report.FailedCount,
		"total", p.q.Format(report.TotalAmount),
	)
	return report, nil
}

// SettleReady settles up to one batch of the oldest ready records.
func (p *Processor) SettleReady(ctx context.Context) (*BatchReport, error) {
	ready, err := p.records.ListByStatus(ctx, commission.StatusReady, p.maxBatch)
	if err != nil {
		return nil, fmt.Errorf("list ready records: %w", err)
	}
	ids := make([]string, len(ready))
	for i, r := range ready {
		ids[i] = r.ID
	}
	return p.Settle(ctx, ids)
}

// settleOne marks one record paid and credits its agent in a single unit of
// work under the agent's account lock. Every failure point before the status
// change leaves both record and balance untouched.
func (p *Processor) settleOne(ctx context.Context, id string) (*commission.Record, error) {
	rec, err := p.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx, span := traces.StartSpan(ctx, "settlement.settleOne",
		traces.RecordID(rec.ID), traces.AgentID(rec.AgentID), traces.Amount(p.q.Format(rec.Amount)))
	defer span.End()
	if rec.Status != commission.StatusReady {
		return rec, fmt.Errorf("%w: record is %s", commission.ErrConcurrencyConflict, rec.Status)
	}

	held, err := p.accounts.Hold(ctx, balance.Key{SiteID: rec.SiteID, AgentID: rec.AgentID})
	if err != nil {
		return rec, err
	}
	defer held.Release()

	var paid *commission.Record
	err = p.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		paid, err = p.records.Transition(ctx, id, commission.StatusReady, commission.StatusPaid, p.now(), "")
		if err != nil {
			return err
		}
		if !paid.Amount.IsPositive() {
			return nil
		}
		_, err = held.Credit(ctx, paid.Amount)
		return err
	})
	if err != nil {
		if errors.Is(err, commission.ErrConcurrencyConflict) {
			return rec, err
		}
		return rec, fmt.Errorf("settle record: %w", err)
	}
	return paid, nil
}

func (r *BatchReport) add(o RecordOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Outcome {
	case OutcomeSettled:
		r.SettledCount++
		r.TotalAmount = r.TotalAmount.Add(o.Amount)
	case OutcomeFailed:
		r.FailedCount++
	}
}
