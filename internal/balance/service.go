package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/affiliate/internal/money"
	"github.com/mbd888/affiliate/internal/syncutil"
)

// Service applies balance mutations under a per-account lock.
type Service struct {
	store       Store
	locker      syncutil.Locker
	q           money.Quantizer
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewService creates a balance service. lockTimeout bounds the wait for an
// account's lock; zero means wait until ctx is done.
func NewService(store Store, locker syncutil.Locker, q money.Quantizer, lockTimeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = syncutil.NewKeyedMutex(256)
	}
	return &Service{store: store, locker: locker, q: q, lockTimeout: lockTimeout, logger: logger}
}

// Quantizer returns the amount quantizer.
func (s *Service) Quantizer() money.Quantizer { return s.q }

// Get returns an account.
func (s *Service) Get(ctx context.Context, k Key) (*Account, error) {
	return s.store.Get(ctx, k)
}

// Credit adds amount to the balance and lifetime earned, creating the account
// on first use. A credit that lifts the balance back to zero or above clears
// the negative flag.
func (s *Service) Credit(ctx context.Context, k Key, amount decimal.Decimal) (*Account, error) {
	held, err := s.Hold(ctx, k)
	if err != nil {
		return nil, err
	}
	defer held.Release()
	return s.credit(ctx, k, amount)
}

func (s *Service) credit(ctx context.Context, k Key, amount decimal.Decimal) (*Account, error) {
	amount, err := s.positive(amount)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, "credit", k, true, func(a *Account) error {
		a.Balance = a.Balance.Add(amount)
		a.LifetimeEarned = a.LifetimeEarned.Add(amount)
		a.Negative = a.Balance.IsNegative()
		return nil
	})
}

// Debit subtracts amount, refusing without mutation if the balance is short.
func (s *Service) Debit(ctx context.Context, k Key, amount decimal.Decimal) (*Account, error) {
	return s.debit(ctx, "debit", k, amount, false)
}

// Withdraw is Debit that also records the amount as withdrawn. It is the only
// entry point the withdrawal subsystem uses.
func (s *Service) Withdraw(ctx context.Context, k Key, amount decimal.Decimal) (*Account, error) {
	return s.debit(ctx, "withdraw", k, amount, true)
}

func (s *Service) debit(ctx context.Context, op string, k Key, amount decimal.Decimal, withdrawal bool) (*Account, error) {
	amount, err := s.positive(amount)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, op, k, false, func(a *Account) error {
		if a.Balance.LessThan(amount) {
			return fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientBalance, s.q.Format(a.Balance), s.q.Format(amount))
		}
		a.Balance = a.Balance.Sub(amount)
		if withdrawal {
			a.LifetimeWithdrawn = a.LifetimeWithdrawn.Add(amount)
		}
		return nil
	})
}

// DebitAllowingNegative always subtracts amount, creating the account if
// needed. WasInsufficient reports whether the pre-debit balance was below
// amount; it is informational, not a failure. Only chargebacks call this.
func (s *Service) DebitAllowingNegative(ctx context.Context, k Key, amount decimal.Decimal) (*DebitResult, error) {
	held, err := s.Hold(ctx, k)
	if err != nil {
		return nil, err
	}
	defer held.Release()
	return s.debitAllowingNegative(ctx, k, amount)
}

func (s *Service) debitAllowingNegative(ctx context.Context, k Key, amount decimal.Decimal) (*DebitResult, error) {
	amount, err := s.positive(amount)
	if err != nil {
		return nil, err
	}
	res := &DebitResult{}
	a, err := s.apply(ctx, "chargeback", k, true, func(a *Account) error {
		res.BalanceBefore = a.Balance
		res.WasInsufficient = a.Balance.LessThan(amount)
		a.Balance = a.Balance.Sub(amount)
		a.LifetimeClawedBack = a.LifetimeClawedBack.Add(amount)
		a.Negative = a.Balance.IsNegative()
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Account = a
	res.NewBalance = a.Balance
	if a.Negative && !res.BalanceBefore.IsNegative() {
		negativeBalances.Inc()
		s.logger.WarnContext(ctx, "balance went negative after chargeback",
			"siteId", k.SiteID, "agentId", k.AgentID, "balance", s.q.Format(a.Balance))
	}
	return res, nil
}

func (s *Service) positive(amount decimal.Decimal) (decimal.Decimal, error) {
	amount = s.q.Quantize(amount)
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return amount, nil
}

// Held is an acquired account lock. Mutations through it do not re-lock, so
// a caller can pair a balance change with its own write under one critical
// section. Call Release exactly once.
type Held struct {
	s      *Service
	k      Key
	unlock func()
}

// Hold acquires the account's lock, waiting at most the configured timeout.
func (s *Service) Hold(ctx context.Context, k Key) (*Held, error) {
	lockCtx := ctx
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}

	start := time.Now()
	unlock, err := s.locker.LockContext(lockCtx, k.String())
	lockWait.Observe(time.Since(start).Seconds())
	if err != nil {
		mutationsTotal.WithLabelValues("lock", "timeout").Inc()
		return nil, fmt.Errorf("lock account %s: %w", k, err)
	}
	return &Held{s: s, k: k, unlock: unlock}, nil
}

// Release unlocks the account.
func (h *Held) Release() { h.unlock() }

// Credit is Service.Credit under the held lock.
func (h *Held) Credit(ctx context.Context, amount decimal.Decimal) (*Account, error) {
	return h.s.credit(ctx, h.k, amount)
}

// DebitAllowingNegative is Service.DebitAllowingNegative under the held lock.
func (h *Held) DebitAllowingNegative(ctx context.Context, amount decimal.Decimal) (*DebitResult, error) {
	return h.s.debitAllowingNegative(ctx, h.k, amount)
}

// mutate is the single critical section every balance change goes through.
func (s *Service) mutate(ctx context.Context, op string, k Key, create bool, fn func(a *Account) error) (*Account, error) {
	held, err := s.Hold(ctx, k)
	if err != nil {
		return nil, err
	}
	defer held.Release()
	return s.apply(ctx, op, k, create, fn)
}

// apply writes through the store. The caller holds the account lock.
func (s *Service) apply(ctx context.Context, op string, k Key, create bool, fn func(a *Account) error) (*Account, error) {
	a, err := s.store.Mutate(ctx, k, create, fn)
	switch {
	case err == nil:
		mutationsTotal.WithLabelValues(op, "ok").Inc()
	case errors.Is(err, ErrInsufficientBalance):
		mutationsTotal.WithLabelValues(op, "insufficient").Inc()
	case errors.Is(err, ErrAccountNotFound):
		mutationsTotal.WithLabelValues(op, "not_found").Inc()
	default:
		mutationsTotal.WithLabelValues(op, "error").Inc()
	}
	return a, err
}
