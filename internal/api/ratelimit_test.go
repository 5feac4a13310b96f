package api

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterAllowWithinLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 2, time.Minute)

	if !rl.Allow("anon_a") || !rl.Allow("anon_a") {
		t.Fatal("expected first two requests to be allowed")
	}
	if rl.Allow("anon_a") {
		t.Error("expected third request to be rejected")
	}
	if !rl.Allow("anon_b") {
		t.Error("expected a different user to be unaffected")
	}
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 1, 20*time.Millisecond)

	if !rl.Allow("anon_a") {
		t.Fatal("expected first request allowed")
	}
	if rl.Allow("anon_a") {
		t.Fatal("expected second request rejected inside window")
	}

	time.Sleep(30 * time.Millisecond)
	if !rl.Allow("anon_a") {
		t.Error("expected request allowed after window expired")
	}
}

func TestRateLimiterEvictionStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rl := NewRateLimiter(ctx, 1, 10*time.Millisecond)
	rl.Allow("anon_a")

	cancel()
	time.Sleep(30 * time.Millisecond)

	// The limiter must stay usable after its eviction goroutine exits.
	if !rl.Allow("anon_b") {
		t.Error("expected limiter to keep serving after context cancellation")
	}
}
