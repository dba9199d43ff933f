package api

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("/api/signals") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("/api/signals") {
		t.Error("request over the limit should be denied")
	}
	// Other endpoints are limited independently.
	if !rl.Allow("/api/positions") {
		t.Error("different endpoint should not share the bucket")
	}
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)

	if !rl.Allow("key") {
		t.Fatal("first request should be allowed")
	}
	if rl.Allow("key") {
		t.Fatal("second request inside the window should be denied")
	}
	time.Sleep(20 * time.Millisecond)
	if !rl.Allow("key") {
		t.Error("request after the window should be allowed")
	}
}
