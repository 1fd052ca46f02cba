package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RateLimiter pairs a token bucket with a fixed-window request cap. The
// bucket absorbs bursts and refills continuously; the window cap bounds
// sustained throughput even while the bucket holds tokens.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   float64
	fillPerSec float64
	tokens     float64
	refilledAt time.Time

	windowDur   time.Duration
	windowStart time.Time
	windowUsed  int64
	windowCap   int64

	windowDrops metric.Int64Counter
	tokenDrops  metric.Int64Counter
}

func NewRateLimiter(capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) *RateLimiter {
	now := time.Now()
	r := &RateLimiter{
		capacity:    float64(capacity),
		fillPerSec:  fillRate,
		tokens:      float64(capacity),
		refilledAt:  now,
		windowDur:   windowDur,
		windowStart: now,
		windowCap:   maxPerWindow,
	}
	meter := otel.Meter("swarm-go")
	r.windowDrops, _ = meter.Int64Counter("swarm_ratelimiter_window_drops_total")
	r.tokenDrops, _ = meter.Int64Counter("swarm_ratelimiter_token_drops_total")
	return r
}

// Allow consumes one token if available.
func (r *RateLimiter) Allow() bool { return r.AllowN(1) }

// AllowN consumes n tokens, or none. The window cap is checked before the
// bucket so a capped request never burns tokens.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.refillLocked(now)

	if now.Sub(r.windowStart) >= r.windowDur {
		r.windowStart = now
		r.windowUsed = 0
	}
	if r.windowCap > 0 && r.windowUsed+n > r.windowCap {
		r.windowDrops.Add(context.Background(), 1)
		return false
	}
	if float64(n) > r.tokens {
		r.tokenDrops.Add(context.Background(), 1)
		return false
	}
	r.tokens -= float64(n)
	r.windowUsed += n
	return true
}

// ReserveAfter reports how long until n tokens will be available, zero when
// they already are. The window cap is not consulted.
func (r *RateLimiter) ReserveAfter(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refillLocked(time.Now())

	shortfall := float64(n) - r.tokens
	if shortfall <= 0 {
		return 0
	}
	return time.Duration(shortfall / r.fillPerSec * float64(time.Second))
}

func (r *RateLimiter) refillLocked(now time.Time) {
	elapsed := now.Sub(r.refilledAt).Seconds()
	if elapsed <= 0 {
		return
	}
	r.tokens = math.Min(r.capacity, r.tokens+elapsed*r.fillPerSec)
	r.refilledAt = now
}
