// ratelimit.go provides token-bucket pacing for venue REST calls.
//
// Buckets refill continuously rather than in window-sized bursts, so a
// steady caller never slams into the venue's hard limit. Three buckets
// cover the call categories with separate venue budgets:
//
//   - Order:  placing orders
//   - Cancel: cancelling orders
//   - Market: public market-data reads (book, klines, tickers)
//
// The executor reads Available() to decide whether to pace slice
// submission or fall back to coarser scheduling.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously refilling rate limiter. Wait blocks
// until a token is available or ctx is cancelled.
type TokenBucket struct {
	mu     sync.Mutex
	tokens float64
	cap    float64
	rate   float64 // tokens per second
	last   time.Time
}

// NewTokenBucket creates a bucket holding cap tokens refilled at
// ratePerSecond. The bucket starts full.
func NewTokenBucket(cap, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{tokens: cap, cap: cap, rate: ratePerSecond, last: time.Now()}
}

func (tb *TokenBucket) refill(now time.Time) {
	tb.tokens += now.Sub(tb.last).Seconds() * tb.rate
	if tb.tokens > tb.cap {
		tb.tokens = tb.cap
	}
	tb.last = now
}

// Wait consumes one token, blocking until one is available.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refill(time.Now())
		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		sleep := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Available returns the current token count without consuming.
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	return tb.tokens
}

// RateLimiter groups buckets by venue call category.
type RateLimiter struct {
	Order  *TokenBucket
	Cancel *TokenBucket
	Market *TokenBucket
}

// NewRateLimiter returns buckets tuned for a Binance-class venue:
// order and cancel budgets sized to stay inside the per-minute order
// caps, market reads sized against the request-weight window.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(50, 5),
		Cancel: NewTokenBucket(50, 10),
		Market: NewTokenBucket(100, 20),
	}
}
