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

// ChargebackService claws back paid commissions of a disputed order. The
// commission records themselves are never modified.
type ChargebackService struct {
	records  commission.Store
	accounts Accounts
	audit    AuditStore
	tx       database.TxRunner
	events   *events.Emitter
	q        money.Quantizer
	logger   *slog.Logger
	now      func() time.Time
}

// NewChargebackService creates a chargeback reversal service.
func NewChargebackService(records commission.Store, accounts Accounts, audit AuditStore, tx database.TxRunner,
	emitter *events.Emitter, q money.Quantizer, logger *slog.Logger) *ChargebackService {
	if tx == nil {
		tx = database.NoTx{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChargebackService{
		records:  records,
		accounts: accounts,
		audit:    audit,
		tx:       tx,
		events:   emitter,
		q:        q,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (s *ChargebackService) WithClock(now func() time.Time) *ChargebackService {
	s.now = now
	return s
}

// ReverseForOrder debits every paid commission of the order from its agent's
// balance, allowing the balance to go negative. Records already reversed are
// counted, not debited again. Per-record failures are counted and the run
// continues.
func (s *ChargebackService) ReverseForOrder(ctx context.Context, orderID string) (*ChargebackReport, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.ReverseForOrder", traces.OrderID(orderID))
	defer span.End()

	recs, err := s.records.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order commissions: %w", err)
	}

	report := &ChargebackReport{OrderID: orderID, TotalClawedBack: decimal.Zero}
	for _, rec := range recs {
		if rec.Status != commission.StatusPaid {
			continue
		}

		entry, err := s.reverseOne(ctx, rec)
		switch {
		case errors.Is(err, ErrAlreadyReversed):
			report.AlreadyReversedCount++
			report.Outcomes = append(report.Outcomes, RecordOutcome{
				RecordID: rec.ID, AgentID: rec.AgentID, Amount: rec.Amount, Outcome: OutcomeAlreadyReversed,
			})
			chargebackRecords.WithLabelValues(string(OutcomeAlreadyReversed)).Inc()
		case err != nil:
			s.logger.WarnContext(ctx, "chargeback failed for record",
				"orderId", orderID, "recordId", rec.ID, "error", err)
			report.FailedCount++
			report.Outcomes = append(report.Outcomes, RecordOutcome{
				RecordID: rec.ID, AgentID: rec.AgentID, Amount: rec.Amount, Outcome: OutcomeFailed, Reason: err.Error(),
			})
			chargebackRecords.WithLabelValues(string(OutcomeFailed)).Inc()
		default:
			report.ProcessedCount++
			report.TotalClawedBack = report.TotalClawedBack.Add(entry.Amount)
			if entry.WasInsufficient {
				report.InsufficientCount++
			}
			report.Entries = append(report.Entries, entry)
			report.Outcomes = append(report.Outcomes, RecordOutcome{
				RecordID: rec.ID, AgentID: rec.AgentID, Amount: entry.Amount, Outcome: OutcomeReversed,
			})
			chargebackRecords.WithLabelValues(string(OutcomeReversed)).Inc()
			clawedBackAmount.Add(entry.Amount.InexactFloat64())

			s.logger.InfoContext(ctx, "commission reversed",
				"orderId", orderID,
				"recordId", rec.ID,
				"agentId", rec.AgentID,
				"amount", s.q.Format(entry.Amount),
				"balanceAfter", s.q.Format(entry.BalanceAfter),
				"insufficient", entry.WasInsufficient,
			)
			if entry.BalanceAfter.IsNegative() && !entry.BalanceBefore.IsNegative() {
				s.events.EmitBalanceNegative(entry.SiteID, entry.AgentID, s.q.Format(entry.BalanceAfter), entry.RecordID)
			}
		}
	}

	s.events.EmitChargebackRun(orderID, report.ProcessedCount, report.InsufficientCount, report.FailedCount,
		s.q.Format(report.TotalClawedBack))
	return report, nil
}

// ListForOrder returns the chargeback audit entries of an order.
func (s *ChargebackService) ListForOrder(ctx context.Context, orderID string) ([]*ChargebackEntry, error) {
	return s.audit.ListChargebacks(ctx, orderID)
}

// reverseOne debits one record's amount and writes its audit entry in a
// single unit of work under the agent's account lock.
func (s *ChargebackService) reverseOne(ctx context.Context, rec *commission.Record) (*ChargebackEntry, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.reverseOne",
		traces.RecordID(rec.ID), traces.AgentID(rec.AgentID), traces.Amount(s.q.Format(rec.Amount)))
	defer span.End()
	if !rec.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: nothing to reverse", balance.ErrInvalidAmount)
	}

	held, err := s.accounts.Hold(ctx, balance.Key{SiteID: rec.SiteID, AgentID: rec.AgentID})
	if err != nil {
		return nil, err
	}
	defer held.Release()

	// Checked under the lock so two concurrent runs on the same order cannot
	// both debit; the unique record id is the backstop across processes.
	switch _, err := s.audit.ChargebackForRecord(ctx, rec.ID); {
	case err == nil:
		return nil, ErrAlreadyReversed
	case !errors.Is(err, ErrChargebackNotFound):
		return nil, fmt.Errorf("check prior reversal: %w", err)
	}

	var entry *ChargebackEntry
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		res, err := held.DebitAllowingNegative(ctx, rec.Amount)
		if err != nil {
			return err
		}
		entry = &ChargebackEntry{
			ID:              idgen.WithPrefix("cb_"),
			OrderID:         rec.OrderID,
			RecordID:        rec.ID,
			SiteID:          rec.SiteID,
			AgentID:         rec.AgentID,
			Amount:          s.q.Quantize(rec.Amount),
			BalanceBefore:   res.BalanceBefore,
			BalanceAfter:    res.NewBalance,
			WasInsufficient: res.WasInsufficient,
			CreatedAt:       s.now(),
		}
		return s.audit.CreateChargeback(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}
