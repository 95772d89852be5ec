package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	fc := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(cfg).WithClock(fc.Now)
	return l, fc
}

func TestTokenBucketAllowsUpToBurst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapacityTokens = 8
	cfg.RefillTokensPerSecond = 8
	l, _ := newTestLimiter(cfg)
	subj := Subject{OpCode: 0x10, Endpoint: "1.2.3.4:5"}

	allowed := 0
	for i := 0; i < 20; i++ {
		d := l.Check(subj)
		if d.Allowed {
			allowed++
		}
	}
	if allowed != 8 {
		t.Fatalf("expected 8 allowed requests before throttling, got %d", allowed)
	}
}

func TestMonotonicRefill(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapacityTokens = 8
	cfg.RefillTokensPerSecond = 8
	l, fc := newTestLimiter(cfg)
	subj := Subject{OpCode: 1, Endpoint: "10.0.0.1:1"}

	for i := 0; i < 8; i++ {
		if !l.Check(subj).Allowed {
			t.Fatalf("expected request %d to be allowed", i)
		}
	}
	if l.Check(subj).Allowed {
		t.Fatal("expected bucket exhausted")
	}

	fc.Advance(1 * time.Second)
	allowedAfterRefill := 0
	for i := 0; i < 8; i++ {
		if l.Check(subj).Allowed {
			allowedAfterRefill++
		}
	}
	if allowedAfterRefill != 8 {
		t.Fatalf("expected full refill after 1s, got %d allowed", allowedAfterRefill)
	}
}

func TestHardLockoutPersists(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapacityTokens = 1
	cfg.RefillTokensPerSecond = 1
	cfg.MaxSoftViolations = 2
	cfg.HardLockoutSeconds = 5
	l, fc := newTestLimiter(cfg)
	subj := Subject{OpCode: 1, Endpoint: "10.0.0.2:1"}

	l.Check(subj) // consumes the single token

	for i := 0; i < cfg.MaxSoftViolations+1; i++ {
		l.Check(subj)
	}

	d := l.Check(subj)
	if d.Allowed || d.Reason != ReasonHardLockout {
		t.Fatalf("expected hard lockout, got %+v", d)
	}

	fc.Advance(4 * time.Second)
	d = l.Check(subj)
	if d.Allowed || d.Reason != ReasonHardLockout {
		t.Fatalf("expected still locked out at t+4s, got %+v", d)
	}

	fc.Advance(2 * time.Second)
	d = l.Check(subj)
	if d.Reason == ReasonHardLockout {
		t.Fatalf("expected lockout to have expired by t+6s, got %+v", d)
	}
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaleEntrySeconds = 10
	l, fc := newTestLimiter(cfg)
	l.Check(Subject{OpCode: 1, Endpoint: "a"})
	l.Check(Subject{OpCode: 1, Endpoint: "b"})
	if got := l.TrackedCount(); got != 2 {
		t.Fatalf("expected 2 tracked, got %d", got)
	}
	fc.Advance(20 * time.Second)
	l.Sweep()
	if got := l.TrackedCount(); got != 0 {
		t.Fatalf("expected stale entries evicted, got %d tracked", got)
	}
}

func TestSubjectIsolatesOpCodes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapacityTokens = 1
	cfg.RefillTokensPerSecond = 1
	l, _ := newTestLimiter(cfg)
	a := Subject{OpCode: 1, Endpoint: "10.0.0.1:1"}
	b := Subject{OpCode: 2, Endpoint: "10.0.0.1:1"}

	if !l.Check(a).Allowed {
		t.Fatal("expected first check on subject a allowed")
	}
	if !l.Check(b).Allowed {
		t.Fatal("expected subject b isolated from a's exhausted bucket")
	}
}
