package crawler

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(10) // one request per 100ms
	ctx := context.Background()

	start := time.Now()

	if err := limiter.Wait(ctx, "https://example.com/page1"); err != nil {
		t.Errorf("First request failed: %v", err)
	}
	if err := limiter.Wait(ctx, "https://example.com/page2"); err != nil {
		t.Errorf("Second request failed: %v", err)
	}

	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Rate limiting not working, elapsed time: %v", elapsed)
	}

	// Different host should not be rate limited
	start2 := time.Now()
	if err := limiter.Wait(ctx, "https://other.com/page1"); err != nil {
		t.Errorf("Different host request failed: %v", err)
	}
	if elapsed := time.Since(start2); elapsed > 20*time.Millisecond {
		t.Errorf("Different host was rate limited, elapsed time: %v", elapsed)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 50; i++ {
		if err := limiter.Wait(ctx, "https://example.com/"); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Disabled limiter should not wait, elapsed time: %v", elapsed)
	}
}

func TestRateLimiterHostOverride(t *testing.T) {
	limiter := NewRateLimiter(0)
	limiter.SetHostRate("slow.example.com", 5) // one per 200ms
	ctx := context.Background()

	start := time.Now()
	_ = limiter.Wait(ctx, "https://slow.example.com/a")
	_ = limiter.Wait(ctx, "https://slow.example.com/b")
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("Host override not applied, elapsed time: %v", elapsed)
	}
}

func TestRateLimiterCancelled(t *testing.T) {
	limiter := NewRateLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())

	_ = limiter.Wait(ctx, "https://example.com/")
	cancel()

	if err := limiter.Wait(ctx, "https://example.com/"); err == nil {
		t.Error("Expected error waiting on cancelled context")
	}
}

func TestNilRateLimiter(t *testing.T) {
	var limiter *RateLimiter
	if err := limiter.Wait(context.Background(), "https://example.com/"); err != nil {
		t.Errorf("nil limiter should allow requests: %v", err)
	}
}
