package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func limiter(cfg Config, c *fakeClock) *Limiter {
	l := NewLimiter(cfg)
	l.now = c.Now
	return l
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if _, err := l.Allow("user-1"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if l.Len() != 0 {
		t.Errorf("unlimited limiter should not track callers, got %d", l.Len())
	}

	var nilLimiter *Limiter
	if !nilLimiter.Unlimited() {
		t.Error("nil limiter should be unlimited")
	}
}

func TestLimiter_BurstThenLimited(t *testing.T) {
	clock := newClock()
	l := limiter(Config{RequestsPerMinute: 60, BurstSize: 3}, clock)

	for i := 0; i < 3; i++ {
		if _, err := l.Allow("user-1"); err != nil {
			t.Fatalf("request %d within burst: %v", i, err)
		}
	}
	wait, err := l.Allow("user-1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("wait = %v, want (0, 1s]", wait)
	}

	// One token per second at 60/min.
	clock.Advance(time.Second)
	if _, err := l.Allow("user-1"); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestLimiter_IndependentCallers(t *testing.T) {
	clock := newClock()
	l := limiter(Config{RequestsPerMinute: 1}, clock)

	if _, err := l.Allow("team-a/user-1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := l.Allow("team-a/user-1"); err == nil {
		t.Fatal("second request should be limited")
	}
	if _, err := l.Allow("team-b/user-2"); err != nil {
		t.Errorf("other caller limited: %v", err)
	}
}

func TestLimiter_BurstDefaultsToRate(t *testing.T) {
	clock := newClock()
	l := limiter(Config{RequestsPerMinute: 5}, clock)

	allowed := 0
	for i := 0; i < 10; i++ {
		if _, err := l.Allow("user-1"); err == nil {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("allowed = %d, want 5", allowed)
	}
}

func TestLimiter_Prune(t *testing.T) {
	clock := newClock()
	l := limiter(Config{RequestsPerMinute: 60, BurstSize: 10}, clock)

	_, _ = l.Allow("idle")
	clock.Advance(5 * time.Second)
	_, _ = l.Allow("active")

	// A full refill of 10 tokens takes 10s; only "idle" has been quiet that long.
	clock.Advance(6 * time.Second)
	if n := l.Prune(); n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Errorf("remaining = %d, want 1", l.Len())
	}
}
