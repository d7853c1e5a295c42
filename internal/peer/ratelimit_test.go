package peer

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(clock *fakeClock) *RateLimiter {
	return NewRateLimiter(RateLimitConfig{
		MaxMessages: 3,
		Window:      time.Second,
		BanDuration: time.Minute,
		Now:         clock.Now,
	})
}

func TestRateLimiterBansOverLimit(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	lim := newTestLimiter(clock)
	for i := 0; i < 3; i++ {
		if !lim.CheckLimit("p1") {
			t.Fatalf("expected message %d to pass", i)
		}
	}
	if lim.CheckLimit("p1") {
		t.Fatalf("expected fourth message to be refused")
	}
	if !lim.IsPeerBanned("p1") {
		t.Fatalf("expected p1 to be banned")
	}
	clock.Advance(30 * time.Second)
	if lim.CheckLimit("p1") {
		t.Fatalf("expected refusal during ban")
	}
	if !lim.CheckLimit("p2") {
		t.Fatalf("expected other peer to be unaffected")
	}
	clock.Advance(31 * time.Second)
	if !lim.CheckLimit("p1") {
		t.Fatalf("expected ban to expire")
	}
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	lim := newTestLimiter(clock)
	for i := 0; i < 3; i++ {
		lim.CheckLimit("p1")
		clock.Advance(400 * time.Millisecond)
	}
	// the first hit is now older than the window
	if !lim.CheckLimit("p1") {
		t.Fatalf("expected hit after window slide to pass")
	}
}

func TestRateLimiterUnban(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	lim := newTestLimiter(clock)
	for i := 0; i < 4; i++ {
		lim.CheckLimit("p1")
	}
	if !lim.IsPeerBanned("p1") {
		t.Fatalf("expected ban")
	}
	if err := lim.UnbanPeer("p1"); err != nil {
		t.Fatalf("unban failed: %v", err)
	}
	if !lim.CheckLimit("p1") {
		t.Fatalf("expected next call to pass after unban")
	}
	if err := lim.UnbanPeer("p1"); !errors.Is(err, ErrNotBanned) {
		t.Fatalf("expected ErrNotBanned, got %v", err)
	}
}

func TestRateLimiterCleanupAndStats(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	lim := newTestLimiter(clock)
	lim.CheckLimit("a")
	for i := 0; i < 4; i++ {
		lim.CheckLimit("b")
	}
	st := lim.Stats()
	if st.Banned != 1 || st.Tracked != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	clock.Advance(2 * time.Minute)
	lim.Cleanup()
	st = lim.Stats()
	if st.Banned != 0 || st.Tracked != 0 {
		t.Fatalf("expected cleanup to clear state, got %+v", st)
	}
}
