// Package snapshot captures the commission plan in effect when an order is
// placed.
//
// A Snapshot is written once per order and never mutated; later edits to, or
// deletion of, the source plan do not reach it. Calculation always reads the
// snapshot, never the live plan.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/affiliate/internal/money"
)

var (
	ErrNoActivePlan     = errors.New("no active commission plan for site")
	ErrSnapshotExists   = errors.New("policy snapshot already exists for order")
	ErrSnapshotNotFound = errors.New("policy snapshot not found")
	ErrInvalidTier      = errors.New("invalid tier configuration")
	ErrInvalidMode      = errors.New("invalid commission mode")
)

// Mode selects the payout strategy.
type Mode string

const (
	ModeFixedLevel Mode = "fixed_level"
	ModeSolarDiff  Mode = "solar_diff"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeFixedLevel || m == ModeSolarDiff
}

// Fixed precisions used when tiers cross process boundaries. Ingestion rejects
// values that carry more places, so a stored snapshot equals its plan.
const (
	RatePlaces  = money.RatePlaces
	SalesPlaces = money.MaxPlaces
)

// Tier is one level's configuration. MinSales of zero means no threshold;
// a nil DiffCapPercent means the differential is uncapped.
type Tier struct {
	Level          int
	RatePercent    decimal.Decimal
	MinSales       decimal.Decimal
	DiffCapPercent *decimal.Decimal
	HoldDays       int
}

// HasThreshold reports whether the tier gates on lifetime sales.
func (t Tier) HasThreshold() bool {
	return t.MinSales.IsPositive()
}

// HoldDuration converts HoldDays to a duration.
func (t Tier) HoldDuration() time.Duration {
	return time.Duration(t.HoldDays) * 24 * time.Hour
}

type tierJSON struct {
	Level          int     `json:"level"`
	RatePercent    string  `json:"ratePercent"`
	MinSales       string  `json:"minSales"`
	DiffCapPercent *string `json:"diffCapPercent"`
	HoldDays       int     `json:"holdDays"`
}

func (t Tier) MarshalJSON() ([]byte, error) {
	out := tierJSON{
		Level:       t.Level,
		RatePercent: t.RatePercent.StringFixed(RatePlaces),
		MinSales:    t.MinSales.StringFixed(SalesPlaces),
		HoldDays:    t.HoldDays,
	}
	if t.DiffCapPercent != nil {
		c := t.DiffCapPercent.StringFixed(RatePlaces)
		out.DiffCapPercent = &c
	}
	return json.Marshal(out)
}

func (t *Tier) UnmarshalJSON(b []byte) error {
	var in tierJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	rate, err := decimal.NewFromString(in.RatePercent)
	if err != nil {
		return fmt.Errorf("%w: ratePercent %q", ErrInvalidTier, in.RatePercent)
	}
	minSales := decimal.Zero
	if in.MinSales != "" {
		if minSales, err = decimal.NewFromString(in.MinSales); err != nil {
			return fmt.Errorf("%w: minSales %q", ErrInvalidTier, in.MinSales)
		}
	}
	*t = Tier{Level: in.Level, RatePercent: rate, MinSales: minSales, HoldDays: in.HoldDays}
	if in.DiffCapPercent != nil {
		c, err := decimal.NewFromString(*in.DiffCapPercent)
		if err != nil {
			return fmt.Errorf("%w: diffCapPercent %q", ErrInvalidTier, *in.DiffCapPercent)
		}
		t.DiffCapPercent = &c
	}
	return nil
}

// Plan is a site's commission plan as held by the plan registry.
type Plan struct {
	ID                string
	SiteID            string
	Name              string
	Version           int
	Mode              Mode
	DiffRewardEnabled bool
	Tiers             []Tier
	EffectiveFrom     time.Time
	EffectiveUntil    time.Time // zero means open-ended
	Active            bool
}

// InEffect reports whether the plan window contains at.
func (p *Plan) InEffect(at time.Time) bool {
	if !p.Active || at.Before(p.EffectiveFrom) {
		return false
	}
	return p.EffectiveUntil.IsZero() || at.Before(p.EffectiveUntil)
}

// Snapshot is the immutable per-order copy of a plan.
type Snapshot struct {
	OrderID           string    `json:"orderId"`
	SiteID            string    `json:"siteId"`
	PlanID            string    `json:"planId"`
	PlanName          string    `json:"planName"`
	PlanVersion       int       `json:"planVersion"`
	Mode              Mode      `json:"mode"`
	DiffRewardEnabled bool      `json:"diffRewardEnabled"`
	Tiers             []Tier    `json:"tiers"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Tier returns the tier configured for level.
func (s *Snapshot) Tier(level int) (Tier, bool) {
	for _, t := range s.Tiers {
		if t.Level == level {
			return t, true
		}
	}
	return Tier{}, false
}

// MaxLevel is the deepest configured level.
func (s *Snapshot) MaxLevel() int {
	max := 0
	for _, t := range s.Tiers {
		if t.Level > max {
			max = t.Level
		}
	}
	return max
}

// Clone returns a deep copy so callers can never alias stored tiers.
func (s *Snapshot) Clone() *Snapshot {
	cp := *s
	cp.Tiers = cloneTiers(s.Tiers)
	return &cp
}

func cloneTiers(in []Tier) []Tier {
	out := make([]Tier, len(in))
	for i, t := range in {
		out[i] = t
		if t.DiffCapPercent != nil {
			c := *t.DiffCapPercent
			out[i].DiffCapPercent = &c
		}
	}
	return out
}

// FromPlan copies plan into a new snapshot for orderID.
func FromPlan(orderID string, plan *Plan, now time.Time) *Snapshot {
	return &Snapshot{
		OrderID:           orderID,
		SiteID:            plan.SiteID,
		PlanID:            plan.ID,
		PlanName:          plan.Name,
		PlanVersion:       plan.Version,
		Mode:              plan.Mode,
		DiffRewardEnabled: plan.DiffRewardEnabled,
		Tiers:             cloneTiers(plan.Tiers),
		CreatedAt:         now,
	}
}

// Registry is the external plan registry, read only at snapshot time.
type Registry interface {
	ActivePlan(ctx context.Context, siteID string, at time.Time) (*Plan, error)
}

// Store persists snapshots keyed uniquely by order.
type Store interface {
	Create(ctx context.Context, snap *Snapshot) error
	Get(ctx context.Context, orderID string) (*Snapshot, error)
	// Delete removes a snapshot; only order deletion may call it.
	Delete(ctx context.Context, orderID string) error
}
