package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Policy is a (requests-per-second, burst) pair quantized onto fixed tiers
//.
type Policy struct {
	RequestsPerSecond uint32
	Burst             uint32
}

var rpsTiers = []uint32{1, 2, 4, 8, 16, 32, 64, 128}
var burstTiers = []uint32{1, 2, 4, 8, 16, 32, 64}

// Quantize rounds rps/burst up to the nearest tier, clamping to the top
// tier when the value exceeds it.
func Quantize(p Policy) Policy {
	return Policy{
		RequestsPerSecond: quantizeTier(p.RequestsPerSecond, rpsTiers),
		Burst:             quantizeTier(p.Burst, burstTiers),
	}
}

func quantizeTier(v uint32, tiers []uint32) uint32 {
	for _, t := range tiers {
		if v <= t {
			return t
		}
	}
	return tiers[len(tiers)-1]
}

// MaxPolicies caps the number of distinct policy-cache entries.
const MaxPolicies = 64

type policyEntry struct {
	policy   Policy
	limiter  *Limiter
	lastUsed atomic.Int64 // unix nanos
	refcount atomic.Int32
	disposed atomic.Bool
}

// PolicyLimiter wraps the token-bucket limiter with a policy-tiering layer
//: distinct (rps, burst) tiers get distinct Limiter
// instances, capped at MaxPolicies and shared across every (op_code,
// endpoint) subject that declares the same tier.
type PolicyLimiter struct {
	mu      sync.RWMutex
	entries map[Policy]*policyEntry
	clock   Clock

	sweepN       int64
	sweepEveryN  int64
	policyTTL    time.Duration

	shuttingDown atomic.Bool
}

// NewPolicyLimiter constructs an empty policy limiter.
func NewPolicyLimiter() *PolicyLimiter {
	return &PolicyLimiter{
		entries:     make(map[Policy]*policyEntry),
		clock:       time.Now,
		sweepEveryN: 256,
		policyTTL:   10 * time.Minute,
	}
}

// WithClock overrides the clock source, propagated to every Limiter this
// PolicyLimiter creates.
func (pl *PolicyLimiter) WithClock(c Clock) *PolicyLimiter {
	pl.clock = c
	return pl
}

// Check composes subject as (op_code, endpoint) against the limiter for
// policy's quantized tier. Returns ReasonHardLockout if the
// limiter has been shut down.
func (pl *PolicyLimiter) Check(subject Subject, policy Policy) Decision {
	if pl.shuttingDown.Load() {
		return Decision{Allowed: false, Reason: ReasonHardLockout, RetryAfterMs: -1}
	}

	tier := Quantize(policy)
	entry := pl.acquireEntry(tier)
	if entry == nil {
		return Decision{Allowed: false, Reason: ReasonHardLockout, RetryAfterMs: -1}
	}
	defer entry.refcount.Add(-1)

	decision := entry.limiter.Check(subject)

	if n := atomic.AddInt64(&pl.sweepN, 1); n%pl.sweepEveryN == 0 {
		pl.sweep()
	}
	return decision
}

func (pl *PolicyLimiter) acquireEntry(tier Policy) *policyEntry {
	pl.mu.RLock()
	entry, ok := pl.entries[tier]
	pl.mu.RUnlock()
	if ok && pl.tryAcquire(entry) {
		return entry
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	if entry, ok := pl.entries[tier]; ok {
		if pl.tryAcquire(entry) {
			return entry
		}
	}

	if len(pl.entries) >= MaxPolicies {
		nearest := pl.nearestLocked(tier)
		if nearest != nil && pl.tryAcquire(nearest) {
			return nearest
		}
		// Fall through: evict the least-recently-used entry to make room.
		pl.evictOneLocked()
	}

	newEntry := &policyEntry{
		policy:  tier,
		limiter: NewLimiter(limiterConfigForPolicy(tier)).WithClock(pl.clock),
	}
	newEntry.lastUsed.Store(pl.clock().UnixNano())
	newEntry.refcount.Store(1)
	pl.entries[tier] = newEntry
	return newEntry
}

func (pl *PolicyLimiter) tryAcquire(e *policyEntry) bool {
	if e.disposed.Load() {
		return false
	}
	e.refcount.Add(1)
	if e.disposed.Load() {
		e.refcount.Add(-1)
		return false
	}
	e.lastUsed.Store(pl.clock().UnixNano())
	return true
}

// nearestLocked finds the existing policy entry nearest to target by
// Manhattan distance in (rps, burst) space. Caller must hold pl.mu.
func (pl *PolicyLimiter) nearestLocked(target Policy) *policyEntry {
	var best *policyEntry
	bestDist := int64(-1)
	for p, e := range pl.entries {
		if e.disposed.Load() {
			continue
		}
		dist := manhattan(p, target)
		if bestDist < 0 || dist < bestDist {
			bestDist = dist
			best = e
		}
	}
	return best
}

func manhattan(a, b Policy) int64 {
	dr := int64(a.RequestsPerSecond) - int64(b.RequestsPerSecond)
	if dr < 0 {
		dr = -dr
	}
	db := int64(a.Burst) - int64(b.Burst)
	if db < 0 {
		db = -db
	}
	return dr + db
}

// evictOneLocked disposes the least-recently-used entry to free a capacity
// slot. Disposal marks the entry disposed, then polls (sleeping 1ms between
// checks) for active users for at most ~100ms; a still-busy entry stays in
// the map, flagged disposed so no new Check acquires it, while the live
// Check finishes against it.
func (pl *PolicyLimiter) evictOneLocked() {
	var oldestPolicy Policy
	var oldest *policyEntry
	oldestTime := int64(1<<63 - 1)
	for p, e := range pl.entries {
		if e.disposed.Load() {
			continue
		}
		t := e.lastUsed.Load()
		if t < oldestTime {
			oldestTime = t
			oldest = e
			oldestPolicy = p
		}
	}
	if oldest == nil {
		return
	}
	if pl.disposeWithGrace(oldest) {
		delete(pl.entries, oldestPolicy)
	}
}

// disposeWithGrace marks an entry disposed and waits briefly for
// in-flight Check calls (holders of the refcount) to finish, using a
// refcount+disposed-flag recipe.
func (pl *PolicyLimiter) disposeWithGrace(e *policyEntry) bool {
	e.disposed.Store(true)
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if e.refcount.Load() == 0 {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return e.refcount.Load() == 0
}

func (pl *PolicyLimiter) sweep() {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	now := pl.clock()
	for p, e := range pl.entries {
		if e.disposed.Load() {
			continue
		}
		if e.refcount.Load() > 0 {
			continue
		}
		idle := now.Sub(time.Unix(0, e.lastUsed.Load()))
		if idle > pl.policyTTL {
			if pl.disposeWithGrace(e) {
				delete(pl.entries, p)
			}
		}
	}
}

// Shutdown sets the shutting-down flag (denying all subsequent Check calls
// as HardLockout) and disposes every remaining limiter.
func (pl *PolicyLimiter) Shutdown() {
	pl.shuttingDown.Store(true)
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for p, e := range pl.entries {
		pl.disposeWithGrace(e)
		delete(pl.entries, p)
	}
}

func limiterConfigForPolicy(tier Policy) Config {
	cfg := DefaultConfig()
	cfg.CapacityTokens = tier.Burst
	cfg.RefillTokensPerSecond = tier.RequestsPerSecond
	return cfg
}
