package commission

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/affiliate/internal/money"
	"github.com/mbd888/affiliate/internal/referral"
	"github.com/mbd888/affiliate/internal/snapshot"
	"github.com/mbd888/affiliate/internal/stats"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func mustTiers(t *testing.T, defs ...snapshot.TierDef) []snapshot.Tier {
	t.Helper()
	tiers, err := snapshot.TiersFromDefs(defs...)
	require.NoError(t, err)
	return tiers
}

func newSnapshot(mode snapshot.Mode, tiers []snapshot.Tier) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		OrderID: "order_1", SiteID: "site_1", PlanID: "plan_1", PlanVersion: 1,
		Mode: mode, Tiers: tiers,
	}
}

func chainOf(agents ...string) []referral.Link {
	links := make([]referral.Link, len(agents))
	for i, a := range agents {
		links[i] = referral.Link{AgentID: a, Level: i + 1}
	}
	return links
}

func testOrder(price string) Order {
	return Order{ID: "order_1", SiteID: "site_1", FinalPrice: dec(price), BuyerID: "buyer"}
}

func newCalc(st stats.Provider) *Calculator {
	return NewCalculator(money.MustQuantizer(2, money.RoundHalfUp), DefaultLevelRates(), st, quietLogger())
}

func amounts(res *Result) []string {
	out := make([]string, len(res.Entries))
	for i, e := range res.Entries {
		out[i] = e.Amount.StringFixed(2)
	}
	return out
}

func TestFixed_TwoLevels(t *testing.T) {
	s := newSnapshot(snapshot.ModeFixedLevel, mustTiers(t,
		snapshot.TierDef{Level: 1, RatePercent: "12"},
		snapshot.TierDef{Level: 2, RatePercent: "4"},
	))
	res, err := newCalc(stats.NewMemoryProvider()).Compute(context.Background(), s, testOrder("1000.00"), chainOf("a1", "a2"))
	require.NoError(t, err)

	assert.Equal(t, []string{"120.00", "40.00"}, amounts(res))
	assert.Equal(t, "a1", res.Entries[0].AgentID)
	assert.Equal(t, 2, res.Entries[1].Level)
	assert.Empty(t, res.Skips)
}

func TestFixed_SalesThreshold(t *testing.T) {
	st := stats.NewMemoryProvider()
	st.SetSales("site_1", "a2", dec("300"))

	s := newSnapshot(snapshot.ModeFixedLevel, mustTiers(t,
		snapshot.TierDef{Level: 1, RatePercent: "12"},
		snapshot.TierDef{Level: 2, RatePercent: "4", MinSales: "500"},
	))
	res, err := newCalc(st).Compute(context.Background(), s, testOrder("1000.00"), chainOf("a1", "a2"))
	require.NoError(t, err)

	require.Len(t, res.Entries, 1)
	assert.Equal(t, 1, res.Entries[0].Level)
	require.Len(t, res.Skips, 1)
	assert.Equal(t, SkipInsufficientSales, res.Skips[0].Reason)
	assert.Equal(t, "a2", res.Skips[0].AgentID)

	// Exactly at the threshold pays.
	st.SetSales("site_1", "a2", dec("500"))
	res, err = newCalc(st).Compute(context.Background(), s, testOrder("1000.00"), chainOf("a1", "a2"))
	require.NoError(t, err)
	assert.Len(t, res.Entries, 2)
}

func TestFixed_TierSkips(t *testing.T) {
	s := newSnapshot(snapshot.ModeFixedLevel, mustTiers(t,
		snapshot.TierDef{Level: 1, RatePercent: "0"},
		snapshot.TierDef{Level: 2, RatePercent: "5"},
	))
	res, err := newCalc(stats.NewMemoryProvider()).Compute(context.Background(), s, testOrder("200"), chainOf("a1", "a2", "a3"))
	require.NoError(t, err)

	assert.Equal(t, []string{"10.00"}, amounts(res))
	require.Len(t, res.Skips, 2)
	assert.Equal(t, SkipNonPositiveRate, res.Skips[0].Reason)
	assert.Equal(t, SkipTierNotConfigured, res.Skips[1].Reason)
	assert.Equal(t, 3, res.Skips[1].Level)
}

func TestFixed_RoundHalfUpAndPrecision(t *testing.T) {
	s := newSnapshot(snapshot.ModeFixedLevel, mustTiers(t, snapshot.TierDef{Level: 1, RatePercent: "3.5"}))

	// 0.30 * 3.5% = 0.0105 -> 0.01 at 2 places
	res, err := newCalc(stats.NewMemoryProvider()).Compute(context.Background(), s, testOrder("0.30"), chainOf("a1"))
	require.NoError(t, err)
	assert.Equal(t, "0.01", res.Entries[0].Amount.StringFixed(2))

	// 33.33 * 3.5% = 1.16655 -> 1.17 (half up)
	res, err = newCalc(stats.NewMemoryProvider()).Compute(context.Background(), s, testOrder("33.33"), chainOf("a1"))
	require.NoError(t, err)
	assert.Equal(t, "1.17", res.Entries[0].Amount.StringFixed(2))

	// Six-place precision for token quantities.
	calc6 := NewCalculator(money.MustQuantizer(6, money.RoundHalfUp), nil, stats.NewMemoryProvider(), quietLogger())
	res, err = calc6.Compute(context.Background(), s, testOrder("1.234567"), chainOf("a1"))
	require.NoError(t, err)
	// 1.234567 * 0.035 = 0.043209845 -> 0.043210
	assert.Equal(t, "0.043210", res.Entries[0].Amount.StringFixed(6))
}

func TestFixed_PriceRoundedOnce(t *testing.T) {
	s := newSnapshot(snapshot.ModeFixedLevel, mustTiers(t, snapshot.TierDef{Level: 1, RatePercent: "50"}))

	// 1000.005 * 50% = 500.0025 -> 500.00; rounding the price first would give 500.01
	res, err := newCalc(stats.NewMemoryProvider()).Compute(context.Background(), s, testOrder("1000.005"), chainOf("a1"))
	require.NoError(t, err)
	assert.Equal(t, "500.00", res.Entries[0].Amount.StringFixed(2))
}

func solarStats(levels map[string]string) *stats.MemoryProvider {
	st := stats.NewMemoryProvider()
	for agent, level := range levels {
		st.SetLevel("site_1", agent, level)
	}
	return st
}

func solarTiers(t *testing.T, n int) []snapshot.Tier {
	defs := make([]snapshot.TierDef, n)
	for i := range defs {
		defs[i] = snapshot.TierDef{Level: i + 1, RatePercent: "0"}
	}
	return mustTiers(t, defs...)
}

func TestSolar_Differential(t *testing.T) {
	st := solarStats(map[string]string{"buyer": "bronze", "a1": "gold", "a2": "diamond"})
	s := newSnapshot(snapshot.ModeSolarDiff, solarTiers(t, 2))

	res, err := newCalc(st).Compute(context.Background(), s, testOrder("1000.00"), chainOf("a1", "a2"))
	require.NoError(t, err)

	assert.Equal(t, []string{"100.00", "50.00"}, amounts(res))
	assert.True(t, res.Entries[0].RatePercent.Equal(dec("10")))
	assert.True(t, res.Entries[1].RatePercent.Equal(dec("5")))
}

func TestSolar_Telescopes(t *testing.T) {
	st := solarStats(map[string]string{"buyer": "bronze", "a1": "silver", "a2": "gold", "a3": "diamond"})
	s := newSnapshot(snapshot.ModeSolarDiff, solarTiers(t, 3))

	res, err := newCalc(st).Compute(context.Background(), s, testOrder("400"), chainOf("a1", "a2", "a3"))
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)

	sumRates := decimal.Zero
	for _, e := range res.Entries {
		sumRates = sumRates.Add(e.RatePercent)
	}
	assert.True(t, sumRates.Equal(dec("15")), "25 - 10, got %s", sumRates)
	assert.Equal(t, []string{"20.00", "20.00", "20.00"}, amounts(res))
}

func TestSolar_SkipStillAdvancesBase(t *testing.T) {
	// buyer gold(20) -> a1 silver(15): skipped, base becomes 15
	// -> a2 diamond(25): pays 25 - 15 = 10, not 25 - 20 = 5
	st := solarStats(map[string]string{"buyer": "gold", "a1": "silver", "a2": "diamond"})
	s := newSnapshot(snapshot.ModeSolarDiff, solarTiers(t, 2))

	res, err := newCalc(st).Compute(context.Background(), s, testOrder("1000"), chainOf("a1", "a2"))
	require.NoError(t, err)

	require.Len(t, res.Skips, 1)
	assert.Equal(t, SkipNoRateDifference, res.Skips[0].Reason)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, 2, res.Entries[0].Level)
	assert.Equal(t, "100.00", res.Entries[0].Amount.StringFixed(2))
}

func TestSolar_EqualRatesSkip(t *testing.T) {
	st := solarStats(map[string]string{"buyer": "gold", "a1": "gold"})
	s := newSnapshot(snapshot.ModeSolarDiff, solarTiers(t, 1))

	res, err := newCalc(st).Compute(context.Background(), s, testOrder("1000"), chainOf("a1"))
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
	assert.Equal(t, SkipNoRateDifference, res.Skips[0].Reason)
}

func TestSolar_DiffCap(t *testing.T) {
	st := solarStats(map[string]string{"buyer": "bronze", "a1": "diamond"})
	s := newSnapshot(snapshot.ModeSolarDiff, mustTiers(t,
		snapshot.TierDef{Level: 1, RatePercent: "0", DiffCapPercent: "8"},
	))

	res, err := newCalc(st).Compute(context.Background(), s, testOrder("1000"), chainOf("a1"))
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.True(t, res.Entries[0].RatePercent.Equal(dec("8")))
	assert.Equal(t, "80.00", res.Entries[0].Amount.StringFixed(2))
}

func TestSolar_ThresholdBeforeDiff(t *testing.T) {
	// a1 has a positive difference but misses the threshold. The skip reason
	// is the threshold, and the base still advances to a1's rate.
	st := solarStats(map[string]string{"buyer": "bronze", "a1": "gold", "a2": "diamond"})
	st.SetSales("site_1", "a1", dec("10"))
	s := newSnapshot(snapshot.ModeSolarDiff, mustTiers(t,
		snapshot.TierDef{Level: 1, RatePercent: "0", MinSales: "100"},
		snapshot.TierDef{Level: 2, RatePercent: "0"},
	))

	res, err := newCalc(st).Compute(context.Background(), s, testOrder("1000"), chainOf("a1", "a2"))
	require.NoError(t, err)
	require.Len(t, res.Skips, 1)
	assert.Equal(t, SkipInsufficientSales, res.Skips[0].Reason)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "50.00", res.Entries[0].Amount.StringFixed(2))
}

func TestSolar_UnknownLevelRatesZero(t *testing.T) {
	st := solarStats(map[string]string{"a1": "Silver"})
	s := newSnapshot(snapshot.ModeSolarDiff, solarTiers(t, 1))

	res, err := newCalc(st).Compute(context.Background(), s, testOrder("100"), chainOf("a1"))
	require.NoError(t, err)
	// buyer has no level (0%), a1 is silver (15%, case-insensitive)
	assert.Equal(t, []string{"15.00"}, amounts(res))
}

func TestCompute_Deterministic(t *testing.T) {
	st := solarStats(map[string]string{"buyer": "bronze", "a1": "silver", "a2": "gold", "a3": "diamond"})
	s := newSnapshot(snapshot.ModeSolarDiff, solarTiers(t, 3))
	calc := newCalc(st)

	first, err := calc.Compute(context.Background(), s, testOrder("777.77"), chainOf("a1", "a2", "a3"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := calc.Compute(context.Background(), s, testOrder("777.77"), chainOf("a1", "a2", "a3"))
		require.NoError(t, err)
		assert.Equal(t, amounts(first), amounts(again))
	}
}

func TestCompute_InvalidMode(t *testing.T) {
	s := newSnapshot("tiered", nil)
	_, err := newCalc(stats.NewMemoryProvider()).Compute(context.Background(), s, testOrder("1"), nil)
	assert.ErrorIs(t, err, snapshot.ErrInvalidMode)
}

func TestLevelRates_Rate(t *testing.T) {
	r := DefaultLevelRates()
	assert.True(t, r.Rate(" GOLD ").Equal(dec("20")))
	assert.True(t, r.Rate("").IsZero())
	assert.True(t, r.Rate("platinum").IsZero())
}
