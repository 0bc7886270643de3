// Package balance holds each agent's spendable commission balance per site.
//
// Every mutation runs inside a named critical section for its account, held
// only for that one mutation. Ordinary debits (withdrawals) never overdraw;
// only chargeback debits may drive a balance negative, and the account is
// flagged when they do.
package balance

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("balance account not found")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// Key identifies an account.
type Key struct {
	SiteID  string
	AgentID string
}

func (k Key) String() string { return k.SiteID + "/" + k.AgentID }

// Account is an agent's balance on one site.
type Account struct {
	SiteID             string          `json:"siteId"`
	AgentID            string          `json:"agentId"`
	Balance            decimal.Decimal `json:"balance"`
	LifetimeEarned     decimal.Decimal `json:"lifetimeEarned"`
	LifetimeWithdrawn  decimal.Decimal `json:"lifetimeWithdrawn"`
	LifetimeClawedBack decimal.Decimal `json:"lifetimeClawedBack"`
	Negative           bool            `json:"negative"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Key returns the account's key.
func (a *Account) Key() Key { return Key{SiteID: a.SiteID, AgentID: a.AgentID} }

func newAccount(k Key, now time.Time) *Account {
	return &Account{
		SiteID:             k.SiteID,
		AgentID:            k.AgentID,
		Balance:            decimal.Zero,
		LifetimeEarned:     decimal.Zero,
		LifetimeWithdrawn:  decimal.Zero,
		LifetimeClawedBack: decimal.Zero,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// DebitResult reports a chargeback debit.
type DebitResult struct {
	Account         *Account
	BalanceBefore   decimal.Decimal
	NewBalance      decimal.Decimal
	WasInsufficient bool
}

// Store persists accounts. Mutate loads the account (creating it when create
// is set), applies fn to a copy and writes the copy back only if fn returns
// nil. Implementations must make load-modify-write atomic for the key.
type Store interface {
	Get(ctx context.Context, k Key) (*Account, error)
	Mutate(ctx context.Context, k Key, create bool, fn func(a *Account) error) (*Account, error)
}
