package commission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/affiliate/internal/money"
	"github.com/mbd888/affiliate/internal/referral"
	"github.com/mbd888/affiliate/internal/snapshot"
	"github.com/mbd888/affiliate/internal/stats"
)

// SkipReason explains why a chain level produced no commission.
type SkipReason string

const (
	SkipTierNotConfigured SkipReason = "tier_not_configured"
	SkipNonPositiveRate   SkipReason = "non_positive_rate"
	SkipInsufficientSales SkipReason = "insufficient_sales"
	SkipNoRateDifference  SkipReason = "no_rate_difference"
)

// Entry is one computed commission before it becomes a record.
type Entry struct {
	Level       int
	AgentID     string
	RatePercent decimal.Decimal
	Amount      decimal.Decimal
	HoldDays    int
}

// Skip records a level that paid nothing.
type Skip struct {
	Level   int
	AgentID string
	Reason  SkipReason
	Detail  string
}

// Result is the deterministic output of one calculation.
type Result struct {
	Entries []Entry
	Skips   []Skip
}

// LevelRates maps agent level names to their differential-mode rate percent.
// Lookups are case-insensitive; unknown or empty names rate zero.
type LevelRates map[string]decimal.Decimal

// Rate returns the rate for a level name.
func (l LevelRates) Rate(name string) decimal.Decimal {
	if r, ok := l[strings.ToLower(strings.TrimSpace(name))]; ok {
		return r
	}
	return decimal.Zero
}

// DefaultLevelRates is the stock four-tier table.
func DefaultLevelRates() LevelRates {
	return LevelRates{
		"bronze":  decimal.NewFromInt(10),
		"silver":  decimal.NewFromInt(15),
		"gold":    decimal.NewFromInt(20),
		"diamond": decimal.NewFromInt(25),
	}
}

// Calculator turns a snapshot and a resolved chain into commission entries.
// All amounts go through one Quantizer, so precision is fixed at construction.
type Calculator struct {
	q      money.Quantizer
	rates  LevelRates
	stats  stats.Provider
	logger *slog.Logger
}

// NewCalculator creates a calculator with the given amount precision.
func NewCalculator(q money.Quantizer, rates LevelRates, st stats.Provider, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	if rates == nil {
		rates = DefaultLevelRates()
	}
	return &Calculator{q: q, rates: rates, stats: st, logger: logger}
}

// Quantizer returns the calculator's amount quantizer.
func (c *Calculator) Quantizer() money.Quantizer { return c.q }

// Compute runs the strategy selected by snap.Mode. Errors are only returned
// when a statistics read fails; per-level problems become Skips. Each amount
// is rounded once, from the unrounded price.
func (c *Calculator) Compute(ctx context.Context, snap *snapshot.Snapshot, order Order, chain []referral.Link) (*Result, error) {
	price := order.FinalPrice
	switch snap.Mode {
	case snapshot.ModeFixedLevel:
		return c.fixed(ctx, snap, order, price, chain)
	case snapshot.ModeSolarDiff:
		return c.solar(ctx, snap, order, price, chain)
	default:
		return nil, fmt.Errorf("%w: %q", snapshot.ErrInvalidMode, snap.Mode)
	}
}

func (c *Calculator) fixed(ctx context.Context, snap *snapshot.Snapshot, order Order, price decimal.Decimal, chain []referral.Link) (*Result, error) {
	res := &Result{}
	for _, link := range chain {
		tier, ok := snap.Tier(link.Level)
		if !ok {
			c.skip(ctx, res, order, link, SkipTierNotConfigured, "level exceeds configured tiers")
			continue
		}
		if !tier.RatePercent.IsPositive() {
			c.skip(ctx, res, order, link, SkipNonPositiveRate, "rate "+tier.RatePercent.String())
			continue
		}
		met, err := c.meetsThreshold(ctx, res, order, link, tier)
		if err != nil {
			return nil, err
		}
		if !met {
			continue
		}
		res.Entries = append(res.Entries, Entry{
			Level:       link.Level,
			AgentID:     link.AgentID,
			RatePercent: tier.RatePercent,
			Amount:      c.q.Percent(price, tier.RatePercent),
			HoldDays:    tier.HoldDays,
		})
	}
	return res, nil
}

// solar pays each agent the difference between their level rate and the
// running base rate. The base starts at the buyer's level rate and advances to
// each visited agent's rate whether or not that level paid.
func (c *Calculator) solar(ctx context.Context, snap *snapshot.Snapshot, order Order, price decimal.Decimal, chain []referral.Link) (*Result, error) {
	res := &Result{}

	buyerLevel, err := c.stats.LevelName(ctx, order.SiteID, order.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("buyer level: %w", err)
	}
	base := c.rates.Rate(buyerLevel)

	for _, link := range chain {
		agentLevel, err := c.stats.LevelName(ctx, order.SiteID, link.AgentID)
		if err != nil {
			return nil, fmt.Errorf("agent level: %w", err)
		}
		agentRate := c.rates.Rate(agentLevel)

		entry, err := c.solarLevel(ctx, res, snap, order, price, link, base, agentRate)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			res.Entries = append(res.Entries, *entry)
		}
		base = agentRate
	}
	return res, nil
}

func (c *Calculator) solarLevel(ctx context.Context, res *Result, snap *snapshot.Snapshot, order Order, price decimal.Decimal, link referral.Link, base, agentRate decimal.Decimal) (*Entry, error) {
	tier, ok := snap.Tier(link.Level)
	if !ok {
		c.skip(ctx, res, order, link, SkipTierNotConfigured, "level exceeds configured tiers")
		return nil, nil
	}
	met, err := c.meetsThreshold(ctx, res, order, link, tier)
	if err != nil || !met {
		return nil, err
	}

	diff := agentRate.Sub(base)
	if !diff.IsPositive() {
		c.skip(ctx, res, order, link, SkipNoRateDifference,
			fmt.Sprintf("agent rate %s, base rate %s", agentRate, base))
		return nil, nil
	}
	if tier.DiffCapPercent != nil && diff.GreaterThan(*tier.DiffCapPercent) {
		diff = *tier.DiffCapPercent
	}
	return &Entry{
		Level:       link.Level,
		AgentID:     link.AgentID,
		RatePercent: diff,
		Amount:      c.q.Percent(price, diff),
		HoldDays:    tier.HoldDays,
	}, nil
}

func (c *Calculator) meetsThreshold(ctx context.Context, res *Result, order Order, link referral.Link, tier snapshot.Tier) (bool, error) {
	if !tier.HasThreshold() {
		return true, nil
	}
	sales, err := c.stats.LifetimeSales(ctx, order.SiteID, link.AgentID)
	if err != nil {
		return false, fmt.Errorf("lifetime sales: %w", err)
	}
	if sales.LessThan(tier.MinSales) {
		c.logger.InfoContext(ctx, "commission level skipped",
			"reason", SkipInsufficientSales,
			"orderId", order.ID,
			"agentId", link.AgentID,
			"level", link.Level,
			"threshold", tier.MinSales.String(),
			"actual", sales.String(),
		)
		levelsSkipped.WithLabelValues(string(SkipInsufficientSales)).Inc()
		res.Skips = append(res.Skips, Skip{
			Level:   link.Level,
			AgentID: link.AgentID,
			Reason:  SkipInsufficientSales,
			Detail:  fmt.Sprintf("sales %s below threshold %s", sales, tier.MinSales),
		})
		return false, nil
	}
	return true, nil
}

func (c *Calculator) skip(ctx context.Context, res *Result, order Order, link referral.Link, reason SkipReason, detail string) {
	c.logger.InfoContext(ctx, "commission level skipped",
		"reason", reason,
		"orderId", order.ID,
		"agentId", link.AgentID,
		"level", link.Level,
		"detail", detail,
	)
	levelsSkipped.WithLabelValues(string(reason)).Inc()
	res.Skips = append(res.Skips, Skip{Level: link.Level, AgentID: link.AgentID, Reason: reason, Detail: detail})
}
