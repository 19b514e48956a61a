package exchange

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketBurstThenRefill(t *testing.T) {
	t.Parallel()
	b := NewTokenBucket(3, 100) // 3 burst, 100/s refill

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := b.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("burst of 3 took %v, want instant", elapsed)
	}

	// Fourth token needs a refill at 100/s, roughly 10ms.
	start = time.Now()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("Wait after burst: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("refill wait was %v, want at least ~10ms", elapsed)
	}
}

func TestTokenBucketHonorsContext(t *testing.T) {
	t.Parallel()
	b := NewTokenBucket(1, 0.001) // effectively never refills

	ctx := context.Background()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	cancelled, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Wait(cancelled); err == nil {
		t.Fatal("Wait on empty bucket with expiring context should fail")
	}
}

func TestRateLimiterCategories(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter()

	if rl.Order == nil || rl.Cancel == nil || rl.Market == nil {
		t.Fatal("all category buckets should be initialized")
	}
	if got := rl.Order.Available(); got <= 0 {
		t.Errorf("Order.Available() = %v, want positive", got)
	}
	if err := rl.Market.Wait(context.Background()); err != nil {
		t.Fatalf("Market.Wait: %v", err)
	}
}
