package snapshot

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedPlan(t *testing.T) *Plan {
	t.Helper()
	tiers, err := TiersFromDefs(
		TierDef{Level: 1, RatePercent: "10", HoldDays: 7},
		TierDef{Level: 2, RatePercent: "5", MinSales: "1000"},
	)
	require.NoError(t, err)
	return &Plan{
		ID: "plan_1", SiteID: "site_1", Name: "default", Version: 1,
		Mode: ModeFixedLevel, Tiers: tiers,
		EffectiveFrom: t0.Add(-24 * time.Hour), Active: true,
	}
}

func TestParseTiers_Aliases(t *testing.T) {
	blob := []byte(`[
		{"lvl": 2, "rate": "5", "min_order_amount": 100},
		{"level": 1, "ratePercent": 10.5, "diff_cap": "3", "holdDays": 14}
	]`)
	tiers, err := ParseTiers(blob)
	require.NoError(t, err)
	require.Len(t, tiers, 2)

	assert.Equal(t, 1, tiers[0].Level, "sorted by level")
	assert.True(t, tiers[0].RatePercent.Equal(decimal.RequireFromString("10.5")))
	require.NotNil(t, tiers[0].DiffCapPercent)
	assert.True(t, tiers[0].DiffCapPercent.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, 14, tiers[0].HoldDays)
	assert.False(t, tiers[0].HasThreshold())

	assert.Equal(t, 2, tiers[1].Level)
	assert.True(t, tiers[1].MinSales.Equal(decimal.NewFromInt(100)))
	assert.True(t, tiers[1].HasThreshold())
	assert.Nil(t, tiers[1].DiffCapPercent)
}

func TestParseTiers_Invalid(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{"not json", `{`},
		{"missing rate", `[{"level": 1}]`},
		{"level zero", `[{"level": 0, "rate": 5}]`},
		{"non numeric rate", `[{"level": 1, "rate": "abc"}]`},
		{"duplicate level", `[{"level": 1, "rate": 5}, {"lvl": 1, "rate": 3}]`},
		{"negative hold", `[{"level": 1, "rate": 5, "hold_days": -1}]`},
		{"fractional level", `[{"level": 1.5, "rate": 5}]`},
		{"rate beyond stored scale", `[{"level": 1, "rate": "12.34565"}]`},
		{"cap beyond stored scale", `[{"level": 1, "rate": 5, "diff_cap": "0.00004"}]`},
		{"min sales beyond stored scale", `[{"level": 1, "rate": 5, "min_sales": "10.0000001"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTiers([]byte(tt.blob))
			assert.ErrorIs(t, err, ErrInvalidTier)
		})
	}
}

func TestParseTiers_ExponentNumbers(t *testing.T) {
	tiers, err := ParseTiers([]byte(`[{"level": 1e0, "rate": 1e1, "min_sales": 2.5e3, "diff_cap": 25E-1}]`))
	require.NoError(t, err)
	require.Len(t, tiers, 1)
	assert.Equal(t, 1, tiers[0].Level)
	assert.True(t, tiers[0].RatePercent.Equal(decimal.NewFromInt(10)))
	assert.True(t, tiers[0].MinSales.Equal(decimal.NewFromInt(2500)))
	assert.True(t, tiers[0].DiffCapPercent.Equal(decimal.RequireFromString("2.5")))
}

func TestTiersFromDefs_SnapshotEqualsPlan(t *testing.T) {
	_, err := TiersFromDefs(TierDef{Level: 1, RatePercent: "12.34565", DiffCapPercent: "0.00004"})
	assert.ErrorIs(t, err, ErrInvalidTier)

	tiers, err := TiersFromDefs(TierDef{Level: 1, RatePercent: "12.3456", MinSales: "99.125", DiffCapPercent: "0.0001"})
	require.NoError(t, err)
	blob, err := json.Marshal(tiers)
	require.NoError(t, err)
	var back []Tier
	require.NoError(t, json.Unmarshal(blob, &back))
	require.Len(t, back, 1)
	assert.True(t, back[0].RatePercent.Equal(tiers[0].RatePercent))
	assert.True(t, back[0].MinSales.Equal(tiers[0].MinSales))
	assert.True(t, back[0].DiffCapPercent.Equal(*tiers[0].DiffCapPercent))
}

func TestParseTiers_NullCapIsUncapped(t *testing.T) {
	tiers, err := ParseTiers([]byte(`[{"level": 1, "rate": 5, "diffCapPercent": null}]`))
	require.NoError(t, err)
	assert.Nil(t, tiers[0].DiffCapPercent)
}

func TestTier_JSONRoundTripThroughParseTiers(t *testing.T) {
	capPct := decimal.RequireFromString("2.5")
	in := []Tier{{Level: 1, RatePercent: decimal.NewFromInt(20), MinSales: decimal.NewFromInt(500), DiffCapPercent: &capPct, HoldDays: 3}}

	blob, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"level":1,"ratePercent":"20.0000","minSales":"500.000000","diffCapPercent":"2.5000","holdDays":3}]`, string(blob))

	out, err := ParseTiers(blob)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].RatePercent.Equal(in[0].RatePercent))
	assert.True(t, out[0].DiffCapPercent.Equal(capPct))
}

func TestCreateSnapshot_CopiesActivePlan(t *testing.T) {
	reg := NewMemoryRegistry()
	require.NoError(t, reg.Put(fixedPlan(t)))
	svc := NewService(reg, NewMemoryStore(), quietLogger()).WithClock(func() time.Time { return t0 })

	snap, err := svc.CreateSnapshot(context.Background(), "order_1", "site_1")
	require.NoError(t, err)
	assert.Equal(t, "order_1", snap.OrderID)
	assert.Equal(t, "plan_1", snap.PlanID)
	assert.Equal(t, ModeFixedLevel, snap.Mode)
	assert.Equal(t, 2, snap.MaxLevel())
	assert.Equal(t, t0, snap.CreatedAt)

	tier, ok := snap.Tier(1)
	require.True(t, ok)
	assert.Equal(t, 7*24*time.Hour, tier.HoldDuration())
	_, ok = snap.Tier(3)
	assert.False(t, ok)
}

func TestCreateSnapshot_NoActivePlan(t *testing.T) {
	svc := NewService(NewMemoryRegistry(), NewMemoryStore(), quietLogger())
	_, err := svc.CreateSnapshot(context.Background(), "order_1", "site_unknown")
	assert.ErrorIs(t, err, ErrNoActivePlan)
}

func TestCreateSnapshot_ImmuneToPlanEdits(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	plan := fixedPlan(t)
	require.NoError(t, reg.Put(plan))
	svc := NewService(reg, NewMemoryStore(), quietLogger()).WithClock(func() time.Time { return t0 })

	_, err := svc.CreateSnapshot(ctx, "order_1", "site_1")
	require.NoError(t, err)

	// Edit the plan in place, then delete it entirely.
	plan.Tiers[0].RatePercent = decimal.NewFromInt(99)
	plan.Version = 2
	require.NoError(t, reg.Put(plan))
	reg.Remove("site_1", "plan_1")

	got, err := svc.Get(ctx, "order_1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.PlanVersion)
	tier, _ := got.Tier(1)
	assert.True(t, tier.RatePercent.Equal(decimal.NewFromInt(10)))

	// Mutating a returned copy does not reach the store.
	got.Tiers[0].RatePercent = decimal.NewFromInt(50)
	again, err := svc.Get(ctx, "order_1")
	require.NoError(t, err)
	assert.True(t, again.Tiers[0].RatePercent.Equal(decimal.NewFromInt(10)))
}

func TestCreateSnapshot_Idempotent(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	plan := fixedPlan(t)
	require.NoError(t, reg.Put(plan))
	store := NewMemoryStore()
	svc := NewService(reg, store, quietLogger()).WithClock(func() time.Time { return t0 })

	first, err := svc.CreateSnapshot(ctx, "order_1", "site_1")
	require.NoError(t, err)

	plan.Version = 7
	require.NoError(t, reg.Put(plan))

	second, err := svc.CreateSnapshot(ctx, "order_1", "site_1")
	require.NoError(t, err)
	assert.Equal(t, first.PlanVersion, second.PlanVersion)

	assert.ErrorIs(t, store.Create(ctx, first), ErrSnapshotExists)
}

func TestDeleteForOrder(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	require.NoError(t, reg.Put(fixedPlan(t)))
	svc := NewService(reg, NewMemoryStore(), quietLogger())

	_, err := svc.CreateSnapshot(ctx, "order_1", "site_1")
	require.NoError(t, err)
	require.NoError(t, svc.DeleteForOrder(ctx, "order_1"))
	require.NoError(t, svc.DeleteForOrder(ctx, "order_1"))

	_, err = svc.Get(ctx, "order_1")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestMemoryRegistry_ActivePlanSelection(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	old := fixedPlan(t)
	newer := fixedPlan(t)
	newer.ID = "plan_2"
	newer.EffectiveFrom = t0.Add(-time.Hour)
	expired := fixedPlan(t)
	expired.ID = "plan_3"
	expired.EffectiveFrom = t0.Add(-30 * time.Minute)
	expired.EffectiveUntil = t0.Add(-time.Minute)
	future := fixedPlan(t)
	future.ID = "plan_4"
	future.EffectiveFrom = t0.Add(time.Hour)
	inactive := fixedPlan(t)
	inactive.ID = "plan_5"
	inactive.EffectiveFrom = t0.Add(-10 * time.Minute)
	inactive.Active = false

	for _, p := range []*Plan{old, newer, expired, future, inactive} {
		require.NoError(t, reg.Put(p))
	}

	got, err := reg.ActivePlan(ctx, "site_1", t0)
	require.NoError(t, err)
	assert.Equal(t, "plan_2", got.ID)

	assert.ErrorIs(t, reg.Put(&Plan{ID: "bad", SiteID: "site_1", Mode: "tiered"}), ErrInvalidMode)
}

func TestSnapshot_JSONSchema(t *testing.T) {
	reg := NewMemoryRegistry()
	require.NoError(t, reg.Put(fixedPlan(t)))
	svc := NewService(reg, NewMemoryStore(), quietLogger()).WithClock(func() time.Time { return t0 })
	snap, err := svc.CreateSnapshot(context.Background(), "order_1", "site_1")
	require.NoError(t, err)

	blob, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(blob, &decoded))
	for _, key := range []string{"orderId", "siteId", "planId", "planVersion", "mode", "tiers", "createdAt"} {
		assert.Contains(t, decoded, key)
	}

	var back Snapshot
	require.NoError(t, json.Unmarshal(blob, &back))
	assert.True(t, snap.Tiers[1].MinSales.Equal(back.Tiers[1].MinSales))
}
