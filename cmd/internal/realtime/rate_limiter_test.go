package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(3, time.Second)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(base.Add(500 * time.Millisecond)) {
		t.Fatalf("fourth event inside the window should be rejected")
	}
	// The first event falls out of the window.
	if !rl.Allow(base.Add(1100 * time.Millisecond)) {
		t.Fatalf("event after the window slides should be allowed")
	}
	if rl.Allow(base.Add(1150 * time.Millisecond)) {
		t.Fatalf("window should be full again")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.limit != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("defaults not applied: limit=%d window=%v", rl.limit, rl.window)
	}
}
