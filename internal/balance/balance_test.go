package balance

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/affiliate/internal/money"
	"github.com/mbd888/affiliate/internal/syncutil"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var key = Key{SiteID: "site_1", AgentID: "agent_1"}

func newTestService() *Service {
	return NewService(NewMemoryStore(), syncutil.NewKeyedMutex(16), money.MustQuantizer(2, money.RoundHalfUp),
		time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCredit_CreatesAccountLazily(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	_, err := s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	a, err := s.Credit(ctx, key, dec("120.004"))
	require.NoError(t, err)
	assert.Equal(t, "120.00", a.Balance.StringFixed(2), "amounts are quantized before mutation")
	assert.Equal(t, "120.00", a.LifetimeEarned.StringFixed(2))

	a, err = s.Credit(ctx, key, dec("40"))
	require.NoError(t, err)
	assert.Equal(t, "160.00", a.Balance.StringFixed(2))
}

func TestDebit_InsufficientDoesNotMutate(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	_, err := s.Debit(ctx, key, dec("1"))
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = s.Credit(ctx, key, dec("10"))
	require.NoError(t, err)

	_, err = s.Debit(ctx, key, dec("10.01"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	a, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "10.00", a.Balance.StringFixed(2))

	a, err = s.Debit(ctx, key, dec("10"))
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero())
}

func TestWithdraw_TracksLifetime(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	_, err := s.Credit(ctx, key, dec("50"))
	require.NoError(t, err)

	a, err := s.Withdraw(ctx, key, dec("20"))
	require.NoError(t, err)
	assert.Equal(t, "30.00", a.Balance.StringFixed(2))
	assert.Equal(t, "20.00", a.LifetimeWithdrawn.StringFixed(2))

	_, err = s.Withdraw(ctx, key, dec("31"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestInvalidAmounts(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	for _, amt := range []string{"0", "-5", "0.004"} {
		_, err := s.Credit(ctx, key, dec(amt))
		assert.ErrorIs(t, err, ErrInvalidAmount, amt)
		_, err = s.DebitAllowingNegative(ctx, key, dec(amt))
		assert.ErrorIs(t, err, ErrInvalidAmount, amt)
	}
}

func TestDebitAllowingNegative(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	_, err := s.Credit(ctx, key, dec("10.00"))
	require.NoError(t, err)

	res, err := s.DebitAllowingNegative(ctx, key, dec("16.00"))
	require.NoError(t, err)
	assert.Equal(t, "-6.00", res.NewBalance.StringFixed(2))
	assert.Equal(t, "10.00", res.BalanceBefore.StringFixed(2))
	assert.True(t, res.WasInsufficient)
	assert.True(t, res.Account.Negative)
	assert.Equal(t, "16.00", res.Account.LifetimeClawedBack.StringFixed(2))

	// Ordinary debit cannot go further negative.
	_, err = s.Debit(ctx, key, dec("1"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// A credit that restores the balance clears the flag.
	a, err := s.Credit(ctx, key, dec("6"))
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero())
	assert.False(t, a.Negative)
}

func TestDebitAllowingNegative_SufficientBalance(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	_, err := s.Credit(ctx, key, dec("16"))
	require.NoError(t, err)

	res, err := s.DebitAllowingNegative(ctx, key, dec("16"))
	require.NoError(t, err)
	assert.False(t, res.WasInsufficient)
	assert.True(t, res.NewBalance.IsZero())
	assert.False(t, res.Account.Negative)
}

func TestConcurrentMutationsSerialize(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	_, err := s.Credit(ctx, key, dec("100"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.Credit(ctx, key, dec("1.00"))
		}()
		go func() {
			defer wg.Done()
			_, _ = s.DebitAllowingNegative(ctx, key, dec("0.50"))
		}()
	}
	wg.Wait()

	a, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "150.00", a.Balance.StringFixed(2))
	assert.Equal(t, "200.00", a.LifetimeEarned.StringFixed(2))
	assert.Equal(t, "50.00", a.LifetimeClawedBack.StringFixed(2))
}

func TestLockTimeout(t *testing.T) {
	locker := syncutil.NewKeyedMutex(1)
	s := NewService(NewMemoryStore(), locker, money.MustQuantizer(2, money.RoundHalfUp), 20*time.Millisecond, nil)

	unlock, err := locker.LockContext(context.Background(), key.String())
	require.NoError(t, err)
	defer unlock()

	_, err = s.Credit(context.Background(), key, dec("1"))
	assert.ErrorIs(t, err, syncutil.ErrLockTimeout)
}

func TestHandler_GetAndWithdraw(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newTestService()
	r := gin.New()
	NewHandler(s).RegisterAdminRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/balances/site_1/agent_1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := s.Credit(context.Background(), key, dec("25"))
	require.NoError(t, err)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/balances/site_1/agent_1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balance":"25.00"`)

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/admin/balances/site_1/agent_1/withdraw", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	w = post(`{"amount":"30"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = post(`{"amount":"abc"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(`{"amount":"10.50"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balance":"14.50"`)
	assert.Contains(t, w.Body.String(), `"lifetimeWithdrawn":"10.50"`)
}

func TestHold_MutatesWithoutRelocking(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	held, err := s.Hold(ctx, key)
	require.NoError(t, err)

	a, err := held.Credit(ctx, dec("5"))
	require.NoError(t, err)
	assert.Equal(t, "5.00", a.Balance.StringFixed(2))

	res, err := held.DebitAllowingNegative(ctx, dec("7"))
	require.NoError(t, err)
	assert.True(t, res.WasInsufficient)

	// Another caller waits for the release.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Credit(ctx, key, dec("2"))
	}()
	select {
	case <-done:
		t.Fatal("credit ran while the account was held")
	case <-time.After(20 * time.Millisecond):
	}
	held.Release()
	<-done

	a, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero())
}
