package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *clock) {
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute, WithClock(clk.now)), clk
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("redis")
	b.RecordFailure("redis")
	assert.True(t, b.Allow("redis"), "below threshold")

	b.RecordFailure("redis")
	assert.False(t, b.Allow("redis"))
	assert.Equal(t, StateOpen, b.State("redis"))
}

func TestBreaker_ProbeAfterCooldown(t *testing.T) {
	b, clk := newTestBreaker(2)
	b.RecordFailure("redis")
	b.RecordFailure("redis")

	clk.advance(59 * time.Second)
	assert.False(t, b.Allow("redis"))

	clk.advance(time.Second)
	assert.True(t, b.Allow("redis"), "probe admitted")
	assert.Equal(t, StateHalfOpen, b.State("redis"))
	assert.False(t, b.Allow("redis"), "only one probe")
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b, clk := newTestBreaker(2)
		b.RecordFailure("redis")
		b.RecordFailure("redis")
		clk.advance(time.Minute)
		require.True(t, b.Allow("redis"))

		b.RecordSuccess("redis")
		assert.Equal(t, StateClosed, b.State("redis"))
		assert.True(t, b.Allow("redis"))
	})

	t.Run("failure reopens", func(t *testing.T) {
		b, clk := newTestBreaker(2)
		b.RecordFailure("redis")
		b.RecordFailure("redis")
		clk.advance(time.Minute)
		require.True(t, b.Allow("redis"))

		b.RecordFailure("redis")
		assert.Equal(t, StateOpen, b.State("redis"))
		assert.False(t, b.Allow("redis"))
	})
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	b.RecordFailure("redis")
	b.RecordFailure("redis")
	b.RecordSuccess("redis")
	b.RecordFailure("redis")
	assert.True(t, b.Allow("redis"))
}

func TestBreaker_NamesAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("redis")
	assert.False(t, b.Allow("redis"))
	assert.True(t, b.Allow("webhook"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2)
	boom := errors.New("boom")
	calls := 0
	fail := func() error { calls++; return boom }

	assert.ErrorIs(t, b.Do("redis", fail), boom)
	assert.ErrorIs(t, b.Do("redis", fail), boom)
	assert.ErrorIs(t, b.Do("redis", fail), ErrOpen)
	assert.Equal(t, 2, calls, "open circuit skips the call")
}

func TestBreaker_TransitionHook(t *testing.T) {
	var seen []string
	clk := &clock{t: time.Now()}
	b := New(1, time.Minute, WithClock(clk.now), WithTransitionHook(func(name string, from, to State) {
		seen = append(seen, name+":"+from.String()+">"+to.String())
	}))

	b.RecordFailure("redis")
	clk.advance(time.Minute)
	b.Allow("redis")
	b.RecordSuccess("redis")

	assert.Equal(t, []string{
		"redis:closed>open",
		"redis:open>half_open",
		"redis:half_open>closed",
	}, seen)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
