package governance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterPerKey(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 2})
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a").Allowed)
	assert.True(t, rl.Allow("a").Allowed)
	denied := rl.Allow("a")
	assert.False(t, denied.Allowed)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))
	assert.Equal(t, 0, denied.Remaining)

	// Other keys have their own bucket.
	assert.True(t, rl.Allow("b").Allowed)

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a").Allowed)
}

func TestRateLimiterRemaining(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 3})
	rl.now = func() time.Time { return now }

	d := rl.Allow("k")
	require.True(t, d.Allowed)
	assert.Equal(t, 3, d.Limit)
	assert.Equal(t, 2, d.Remaining)
}

func TestRateLimiterConfigure(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1})
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("k").Allowed)
	assert.False(t, rl.Allow("k").Allowed)

	rl.Configure(RateLimiterConfig{RequestsPerSecond: 1000, BurstSize: 10})
	now = now.Add(10 * time.Millisecond)
	assert.True(t, rl.Allow("k").Allowed)
	assert.Equal(t, 10, rl.Config().BurstSize)
}

func TestRateLimiterSweep(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 5})
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(time.Hour)
	rl.Allow("fresh")

	assert.Equal(t, 1, rl.Sweep())
	assert.Equal(t, 1, rl.Keys())
}

func TestWriteRateLimitHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteRateLimitHeaders(rec, Decision{Allowed: false, Limit: 5, RetryAfter: 1500 * time.Millisecond, Reset: time.Unix(100, 0)})

	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	WriteRateLimitHeaders(rec, Decision{Allowed: true, Limit: 5, Remaining: 4})
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestTimeoutManager(t *testing.T) {
	tm := NewTimeoutManager(TimeoutConfig{Execution: 50 * time.Millisecond})
	assert.Equal(t, DefaultTimeoutConfig().Grace, tm.Config().Grace)

	ctx, cancel := tm.WithExecutionTimeout(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 20*time.Millisecond)

	require.Error(t, tm.Configure(TimeoutConfig{}))
	require.NoError(t, tm.Configure(TimeoutConfig{Execution: time.Minute}))
	assert.Equal(t, time.Minute, tm.Config().Execution)
	assert.Equal(t, DefaultTimeoutConfig().Grace, tm.Config().Grace)
}

func TestClassifyDelivery(t *testing.T) {
	cases := map[int]DeliveryOutcome{
		http.StatusOK:                  DeliveryDone,
		http.StatusAccepted:            DeliveryDone,
		http.StatusTooManyRequests:     DeliveryRetry,
		http.StatusServiceUnavailable:  DeliveryRetry,
		http.StatusInternalServerError: DeliveryRetry,
		http.StatusRequestTimeout:      DeliveryRetry,
		http.StatusBadRequest:          DeliveryDrop,
		http.StatusUnauthorized:        DeliveryDrop,
		http.StatusNotFound:            DeliveryDrop,
	}
	for code, want := range cases {
		assert.Equal(t, want, ClassifyDelivery(code), "status %d", code)
	}
}

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Cooldown: time.Minute})
	cb.now = func() time.Time { return now }

	var transitions []string
	cb.OnStateChange(func(from, to CircuitBreakerState) {
		transitions = append(transitions, string(from)+"->"+string(to))
	})

	boom := errors.New("backend down")
	fail := func(context.Context) error { return boom }
	ok := func(context.Context) error { return nil }

	assert.ErrorIs(t, cb.ExecuteContext(context.Background(), fail), boom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.ExecuteContext(context.Background(), fail), boom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.ExecuteContext(context.Background(), func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(time.Minute)
	require.NoError(t, cb.ExecuteContext(context.Background(), ok))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Cooldown: time.Second})
	cb.now = func() time.Time { return now }
	fail := func(context.Context) error { return errors.New("x") }

	cb.ExecuteContext(context.Background(), fail)
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Second)
	cb.ExecuteContext(context.Background(), fail)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.ExecuteContext(context.Background(), fail), ErrCircuitOpen)
}

func TestCircuitBreakerDisabled(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	for i := 0; i < 10; i++ {
		cb.ExecuteContext(context.Background(), func(context.Context) error { return errors.New("x") })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestClientIPIgnoresForwardingFromUntrustedPeers(t *testing.T) {
	var none TrustedProxies
	for _, xff := range []string{"10.1.1.1", "10.2.2.2", "203.0.113.9, 10.3.3.3"} {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/exports", nil)
		r.RemoteAddr = "198.51.100.7:51234"
		r.Header.Set("X-Forwarded-For", xff)
		assert.Equal(t, "198.51.100.7", none.ClientIP(r))
	}

	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/exports", nil)
	r.RemoteAddr = "198.51.100.7:51234"
	r.Header.Set("X-Forwarded-For", "192.0.2.1")
	assert.Equal(t, "198.51.100.7", trusted.ClientIP(r), "peer outside the trusted set")
}

func TestClientIPBehindTrustedProxy(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.168.1.5"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/exports", nil)
	r.RemoteAddr = "10.0.0.2:443"
	r.Header.Add("X-Forwarded-For", "6.6.6.6, 203.0.113.9")
	r.Header.Add("X-Forwarded-For", "192.168.1.5")
	assert.Equal(t, "203.0.113.9", trusted.ClientIP(r), "right-most untrusted hop wins")

	r.Header.Set("X-Forwarded-For", "not-an-ip")
	assert.Equal(t, "10.0.0.2", trusted.ClientIP(r))

	r.Header.Del("X-Forwarded-For")
	assert.Equal(t, "10.0.0.2", trusted.ClientIP(r))
}

func TestParseTrustedProxies(t *testing.T) {
	got, err := ParseTrustedProxies([]string{" 10.0.0.0/8 ", "", "::1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = ParseTrustedProxies([]string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	assert.Error(t, err)
}
