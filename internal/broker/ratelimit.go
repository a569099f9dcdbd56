// ratelimit.go implements token-bucket rate limiting for the gateway API.
//
// The gateway enforces per-account request budgets; the client protects
// itself with smooth token buckets that refill continuously instead of in
// window-sized bursts. Exhaustion does not block: Allow() fails immediately
// and the caller surfaces RateLimited, leaving queueing decisions to the
// task scheduler.
//
// Three buckets are maintained per client, all sized from config
// (RATE_LIMIT_PER_SEC, default burst 30 / refill 30 per second):
//   - Order:   order place/modify/cancel and position mutations
//   - Query:   account/contract/order/position reads
//   - History: historical bar retrieval (separate, the heaviest family)
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastTime).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now
}

// Allow consumes a token if one is available. It never blocks.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked(time.Now())
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is cancelled. Used by
// background reconciliation loops that prefer waiting over failing.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refillLocked(time.Now())
		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups token buckets by gateway endpoint family.
type RateLimiter struct {
	Order   *TokenBucket
	Query   *TokenBucket
	History *TokenBucket
}

// NewRateLimiter builds the per-family buckets. rate is the refill per
// second, burst the bucket capacity; both apply to every family, with the
// history bucket throttled to a quarter of the base rate.
func NewRateLimiter(burst, rate float64) *RateLimiter {
	if burst <= 0 {
		burst = 30
	}
	if rate <= 0 {
		rate = 30
	}
	historyRate := rate / 4
	if historyRate < 1 {
		historyRate = 1
	}
	return &RateLimiter{
		Order:   NewTokenBucket(burst, rate),
		Query:   NewTokenBucket(burst, rate),
		History: NewTokenBucket(burst/2+1, historyRate),
	}
}
