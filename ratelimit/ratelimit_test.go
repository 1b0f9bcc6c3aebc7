package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestLimiter(requests int, window time.Duration) (*memoryLimiter, *time.Time) {
	lim := newMemoryLimiter(Config{Requests: requests, Window: window})
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	lim.now = func() time.Time { return now }
	return lim, &now
}

func TestMemoryLimiterAdmitsUpToLimit(t *testing.T) {
	lim, _ := newTestLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !lim.Allow(ctx, "1.2.3.4") {
			t.Fatalf("request %d rejected within limit", i+1)
		}
	}
	if lim.Allow(ctx, "1.2.3.4") {
		t.Error("request 4 admitted over limit 3")
	}
}

func TestMemoryLimiterWindowReset(t *testing.T) {
	lim, now := newTestLimiter(1, time.Minute)
	ctx := context.Background()

	if !lim.Allow(ctx, "c") {
		t.Fatal("first request rejected")
	}
	if lim.Allow(ctx, "c") {
		t.Fatal("second request admitted within window")
	}

	*now = now.Add(61 * time.Second)
	if !lim.Allow(ctx, "c") {
		t.Error("request rejected after window elapsed")
	}
}

func TestMemoryLimiterPerClientBuckets(t *testing.T) {
	lim, _ := newTestLimiter(1, time.Minute)
	ctx := context.Background()

	if !lim.Allow(ctx, "a") {
		t.Fatal("client a rejected")
	}
	if !lim.Allow(ctx, "b") {
		t.Error("client b rejected by client a's bucket")
	}
	if lim.Allow(ctx, "a") {
		t.Error("client a admitted over its limit")
	}
}

func TestMemoryLimiterUnknownClientsShareBucket(t *testing.T) {
	lim, _ := newTestLimiter(1, time.Minute)
	ctx := context.Background()

	if !lim.Allow(ctx, "") {
		t.Fatal("first unknown client rejected")
	}
	if lim.Allow(ctx, "") {
		t.Error("second unknown client admitted; sentinel bucket not shared")
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	lim, _ := newTestLimiter(50, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lim.Allow(ctx, "shared") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 50 {
		t.Errorf("admitted %d of 100 concurrent requests, want exactly 50", admitted)
	}
}

func TestWindowKey(t *testing.T) {
	now := time.Unix(120, 0)
	if got := windowKey("1.2.3.4", now, time.Minute); got != "rate_limit:1.2.3.4:2" {
		t.Errorf("windowKey = %q", got)
	}

	// Same window, same key; next window, new key.
	later := time.Unix(179, 0)
	if windowKey("c", now, time.Minute) != windowKey("c", later, time.Minute) {
		t.Error("keys differ within one window")
	}
	next := time.Unix(180, 0)
	if windowKey("c", now, time.Minute) == windowKey("c", next, time.Minute) {
		t.Error("key unchanged across window boundary")
	}
}

func TestNewFallsBackWithoutRedis(t *testing.T) {
	lim := New(Config{Requests: 2, Window: time.Minute})
	defer lim.Close()

	if _, ok := lim.(*memoryLimiter); !ok {
		t.Fatalf("limiter = %T, want in-memory fallback", lim)
	}
}
