package ratelimit

import "testing"

func TestQuantizeRoundsUpAndClamps(t *testing.T) {
	cases := []struct {
		in, want Policy
	}{
		{Policy{1, 1}, Policy{1, 1}},
		{Policy{3, 3}, Policy{4, 4}},
		{Policy{8, 8}, Policy{8, 8}},
		{Policy{9, 9}, Policy{16, 16}},
		{Policy{1000, 1000}, Policy{128, 64}},
	}
	for _, c := range cases {
		got := Quantize(c.in)
		if got != c.want {
			t.Fatalf("Quantize(%+v) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestPolicyLimiterSharesLimiterPerTier(t *testing.T) {
	pl := NewPolicyLimiter()
	p := Policy{RequestsPerSecond: 8, Burst: 8}

	subjA := Subject{OpCode: 1, Endpoint: "1.1.1.1:1"}
	subjB := Subject{OpCode: 2, Endpoint: "2.2.2.2:2"}

	allowedA, allowedB := 0, 0
	for i := 0; i < 8; i++ {
		if pl.Check(subjA, p).Allowed {
			allowedA++
		}
	}
	for i := 0; i < 8; i++ {
		if pl.Check(subjB, p).Allowed {
			allowedB++
		}
	}
	if allowedA != 8 || allowedB != 8 {
		t.Fatalf("expected distinct subjects to get independent buckets within a shared limiter, got %d/%d", allowedA, allowedB)
	}
}

func TestPolicyLimiterShutdownDeniesAll(t *testing.T) {
	pl := NewPolicyLimiter()
	p := Policy{RequestsPerSecond: 8, Burst: 8}
	subj := Subject{OpCode: 1, Endpoint: "1.1.1.1:1"}

	if !pl.Check(subj, p).Allowed {
		t.Fatal("expected initial check allowed")
	}
	pl.Shutdown()
	d := pl.Check(subj, p)
	if d.Allowed || d.Reason != ReasonHardLockout {
		t.Fatalf("expected HardLockout after shutdown, got %+v", d)
	}
}

func TestPolicyLimiterCapsAtMaxPolicies(t *testing.T) {
	pl := NewPolicyLimiter()
	for i, rps := range rpsTiers {
		for _, burst := range burstTiers {
			_ = i
			pl.Check(Subject{OpCode: uint16(i), Endpoint: "x"}, Policy{RequestsPerSecond: rps, Burst: burst})
		}
	}
	pl.mu.RLock()
	n := len(pl.entries)
	pl.mu.RUnlock()
	if n > MaxPolicies {
		t.Fatalf("expected at most %d policy entries, got %d", MaxPolicies, n)
	}
}
