package governance

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines a per-key token bucket.
type RateLimiterConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst" json:"burst"`
}

func (c RateLimiterConfig) normalized() RateLimiterConfig {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.BurstSize <= 0 {
		c.BurstSize = int(math.Max(1, math.Ceil(c.RequestsPerSecond)))
	}
	return c
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Reset      time.Time
}

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps an independent token bucket per key (client IP,
// verified identity). Keys idle for longer than the idle TTL are dropped.
type RateLimiter struct {
	mu      sync.Mutex
	config  RateLimiterConfig
	keys    map[string]*keyedLimiter
	idleTTL time.Duration
	now     func() time.Time
}

// NewRateLimiter creates a limiter with the provided configuration.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		config:  config.normalized(),
		keys:    make(map[string]*keyedLimiter),
		idleTTL: 10 * time.Minute,
		now:     time.Now,
	}
}

// Configure applies new limits to every existing bucket and future ones.
func (rl *RateLimiter) Configure(config RateLimiterConfig) {
	config = config.normalized()
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.config = config
	for _, k := range rl.keys {
		k.limiter.SetLimitAt(now, rate.Limit(config.RequestsPerSecond))
		k.limiter.SetBurstAt(now, config.BurstSize)
	}
}

// Config returns the active configuration.
func (rl *RateLimiter) Config() RateLimiterConfig {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.config
}

// Allow consumes one token for key if one is available.
func (rl *RateLimiter) Allow(key string) Decision {
	now := rl.now()

	rl.mu.Lock()
	cfg := rl.config
	k, ok := rl.keys[key]
	if !ok {
		k = &keyedLimiter{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize)}
		rl.keys[key] = k
	}
	k.lastSeen = now
	rl.mu.Unlock()

	decision := Decision{Limit: cfg.BurstSize}

	res := k.limiter.ReserveN(now, 1)
	if !res.OK() {
		decision.RetryAfter = time.Second
		decision.Reset = now.Add(decision.RetryAfter)
		return decision
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		decision.RetryAfter = delay
		decision.Reset = now.Add(delay)
		return decision
	}

	tokens := k.limiter.TokensAt(now)
	decision.Allowed = true
	decision.Remaining = int(math.Max(0, math.Floor(tokens)))
	missing := float64(cfg.BurstSize) - tokens
	decision.Reset = now.Add(time.Duration(missing / cfg.RequestsPerSecond * float64(time.Second)))
	return decision
}

// Sweep removes buckets idle for longer than the idle TTL.
func (rl *RateLimiter) Sweep() int {
	cutoff := rl.now().Add(-rl.idleTTL)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, k := range rl.keys {
		if k.lastSeen.Before(cutoff) {
			delete(rl.keys, key)
			removed++
		}
	}
	return removed
}

// Keys returns the number of tracked keys.
func (rl *RateLimiter) Keys() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.keys)
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
// Retry-After is set only for rejected decisions.
func WriteRateLimitHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(d.RetryAfter)))
	}
}

// RetryAfterSeconds rounds d up to whole seconds, minimum one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
