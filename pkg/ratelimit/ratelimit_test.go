package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_NoBlockWhenZeroRPS(t *testing.T) {
	limiter := NewLimiter(0, 0.5)

	start := time.Now()
	err := limiter.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if time.Since(start) > 10*time.Millisecond {
		t.Errorf("limiter with 0 RPS should not block")
	}
}

func TestLimiter_Wait(t *testing.T) {
	rps := 10.0 // 100ms interval
	limiter := NewLimiter(rps, 0)

	ctx := context.Background()

	// The first call consumes the initial burst token
	_ = limiter.Wait(ctx)

	start := time.Now()
	err := limiter.Wait(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	duration := time.Since(start)

	// It should take roughly 100ms
	if duration < 50*time.Millisecond || duration > 150*time.Millisecond {
		t.Errorf("expected wait around 100ms, took %v", duration)
	}
}

func TestLimiter_ContextCancellation(t *testing.T) {
	limiter := NewLimiter(1, 0) // 1 second interval

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := limiter.Wait(ctx)
	if err == nil {
		t.Fatalf("expected context canceled error")
	}
}

func TestLimiter_Jitter(t *testing.T) {
	rps := 10.0                     // 100ms interval
	limiter := NewLimiter(rps, 0.5) // up to +50ms jitter

	ctx := context.Background()

	_ = limiter.Wait(ctx)

	start := time.Now()
	_ = limiter.Wait(ctx)

	duration := time.Since(start)

	// Allow some slack for goroutine scheduling.
	if duration < 50*time.Millisecond || duration > 300*time.Millisecond {
		t.Errorf("expected jittered wait to be roughly between 100ms and 150ms, took %v", duration)
	}
}

func TestHostLimiter_IndependentHosts(t *testing.T) {
	h := NewHostLimiter(2, 0) // 500ms interval per host
	ctx := context.Background()

	start := time.Now()
	for _, host := range []string{"a.example", "b.example", "c.example"} {
		if err := h.Wait(ctx, host); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// each host has its own burst token, so nothing should have waited
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("distinct hosts should not pace each other, took %v", time.Since(start))
	}

	start = time.Now()
	_ = h.Wait(ctx, "a.example")
	if time.Since(start) < 300*time.Millisecond {
		t.Errorf("expected second call on the same host to be paced, took %v", time.Since(start))
	}
}

func TestHostLimiter_Nil(t *testing.T) {
	var h *HostLimiter
	if err := h.Wait(context.Background(), "a.example"); err != nil {
		t.Errorf("nil host limiter should not block: %v", err)
	}
}
