/*
Package ratelimit implements the sharded token-bucket limiter and the policy-tiering layer on top of it.

Tokens are stored as fixed-point integers scaled by Config.TokenScale to
avoid floating-point drift").
Ordering is refill-then-consume, and the clock source is injectable so
tests can advance time deterministically instead of racing the wall clock.
*/
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

// Clock abstracts time.Now so tests can control elapsed time precisely.
type Clock func() time.Time

// Reason classifies why a check denied.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonSoftThrottle
	ReasonHardLockout
)

// Decision is the result of a Check. Despite its name, RetryAfterMs is
// expressed in 100 ms steps (rounded up, at least 1 on a denial), not in
// milliseconds; a shut-down PolicyLimiter reports -1.
type Decision struct {
	Allowed      bool
	RetryAfterMs int32
	Credit       uint16
	Reason       Reason
}

// Config enumerates the tunables of a single sharded limiter.
type Config struct {
	CapacityTokens            uint32
	RefillTokensPerSecond     uint32
	TokenScale                int64
	ShardCount                int
	HardLockoutSeconds        int64
	MaxSoftViolations         int
	SoftViolationWindowSecs   int64
	StaleEntrySeconds         int64
	CleanupIntervalSeconds    int64
	MaxTrackedEndpoints       int
}

// DefaultConfig returns sane defaults for typical illustrative
// workloads.
func DefaultConfig() Config {
	return Config{
		CapacityTokens:          8,
		RefillTokensPerSecond:   8,
		TokenScale:              1 << 16,
		ShardCount:              16,
		HardLockoutSeconds:      30,
		MaxSoftViolations:       5,
		SoftViolationWindowSecs: 10,
		StaleEntrySeconds:       300,
		CleanupIntervalSeconds:  60,
		MaxTrackedEndpoints:     100000,
	}
}

// Subject is the composite rate-limit key:
// (op_code, endpoint), reduced to a stable Address string for hashing.
// SEQUENCED sequence ids never participate in the key.
type Subject struct {
	OpCode   uint16
	Endpoint string
}

// Address is the stable string used for sharding and map-keying.
func (s Subject) Address() string {
	// two-byte op code prefix keeps distinct op codes from colliding when
	// endpoints happen to share a prefix.
	buf := make([]byte, 0, len(s.Endpoint)+6)
	buf = append(buf, byte(s.OpCode>>8), byte(s.OpCode))
	buf = append(buf, ':')
	buf = append(buf, s.Endpoint...)
	return string(buf)
}

type bucket struct {
	tokens          int64 // scaled by Config.TokenScale
	lastRefill      time.Time
	softViolations  int
	windowStart     time.Time
	hardLockoutUntil time.Time
	lastUsed        time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter is a sharded per-endpoint token-bucket limiter.
type Limiter struct {
	cfg    Config
	clock  Clock
	shards []*shard

	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

// NewLimiter constructs a Limiter. ShardCount is rounded up to the next
// power of two if not already one.
func NewLimiter(cfg Config) *Limiter {
	if cfg.TokenScale == 0 {
		cfg.TokenScale = 1 << 16
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 16
	}
	cfg.ShardCount = nextPow2(cfg.ShardCount)

	l := &Limiter{
		cfg:         cfg,
		clock:       time.Now,
		shards:      make([]*shard, cfg.ShardCount),
		stopCleanup: make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

// WithClock overrides the clock source, for deterministic tests.
func (l *Limiter) WithClock(c Clock) *Limiter {
	l.clock = c
	return l
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (l *Limiter) shardFor(address string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(address))
	idx := h.Sum32() & uint32(len(l.shards)-1)
	return l.shards[idx]
}

// Check applies the token-bucket decision contract.
func (l *Limiter) Check(subject Subject) Decision {
	now := l.clock()
	address := subject.Address()
	sh := l.shardFor(address)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[address]
	if !ok {
		b = &bucket{
			tokens:     int64(l.cfg.CapacityTokens) * l.cfg.TokenScale,
			lastRefill: now,
			windowStart: now,
		}
		sh.buckets[address] = b
	}
	b.lastUsed = now

	if !b.hardLockoutUntil.IsZero() && now.Before(b.hardLockoutUntil) {
		remaining := b.hardLockoutUntil.Sub(now)
		return Decision{
			Allowed:      false,
			RetryAfterMs: msSteps(remaining),
			Reason:       ReasonHardLockout,
		}
	}

	l.refill(b, now)

	scaleUnit := l.cfg.TokenScale
	if b.tokens >= scaleUnit {
		b.tokens -= scaleUnit
		return Decision{
			Allowed: true,
			Credit:  uint16(b.tokens / scaleUnit),
			Reason:  ReasonNone,
		}
	}

	return l.registerViolation(b, now)
}

func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		b.lastRefill = now
		return
	}
	capacity := int64(l.cfg.CapacityTokens) * l.cfg.TokenScale
	rate := int64(l.cfg.RefillTokensPerSecond) * l.cfg.TokenScale
	added := int64(elapsed.Seconds() * float64(rate))
	b.tokens += added
	if b.tokens > capacity {
		b.tokens = capacity
	}
	b.lastRefill = now
}

func (l *Limiter) registerViolation(b *bucket, now time.Time) Decision {
	windowSecs := l.cfg.SoftViolationWindowSecs
	if windowSecs <= 0 {
		windowSecs = 10
	}
	if b.windowStart.IsZero() || now.Sub(b.windowStart) > time.Duration(windowSecs)*time.Second {
		b.windowStart = now
		b.softViolations = 0
	}
	b.softViolations++

	retryAfter := msUntilNextToken(b, l.cfg, now)

	if b.softViolations > l.cfg.MaxSoftViolations {
		lockSecs := l.cfg.HardLockoutSeconds
		if lockSecs <= 0 {
			lockSecs = 30
		}
		b.hardLockoutUntil = now.Add(time.Duration(lockSecs) * time.Second)
		return Decision{
			Allowed:      false,
			RetryAfterMs: int32(lockSecs * 1000 / 100),
			Reason:       ReasonSoftThrottle,
		}
	}

	return Decision{
		Allowed:      false,
		RetryAfterMs: retryAfter,
		Reason:       ReasonSoftThrottle,
	}
}

// msUntilNextToken estimates, in 100ms steps, how long until the bucket would hold one whole token.
func msUntilNextToken(b *bucket, cfg Config, now time.Time) int32 {
	rate := int64(cfg.RefillTokensPerSecond) * cfg.TokenScale
	if rate <= 0 {
		return 10 // one step, avoids div-by-zero while still signalling "wait"
	}
	deficit := cfg.TokenScale - b.tokens
	if deficit <= 0 {
		return 0
	}
	secs := float64(deficit) / float64(rate)
	return msSteps(time.Duration(secs * float64(time.Second)))
}

func msSteps(d time.Duration) int32 {
	ms := d.Milliseconds()
	steps := (ms + 99) / 100
	if steps < 1 {
		steps = 1
	}
	return int32(steps)
}

// StartCleanup launches the background eviction sweep: entries older than StaleEntrySeconds are removed, and
// MaxTrackedEndpoints is enforced by evicting the least-recently-used
// entries once a shard exceeds its share of the budget.
func (l *Limiter) StartCleanup() {
	interval := l.cfg.CleanupIntervalSeconds
	if interval <= 0 {
		interval = 60
	}
	l.cleanupOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(time.Duration(interval) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					l.sweep()
				case <-l.stopCleanup:
					return
				}
			}
		}()
	})
}

// Stop halts the background cleanup goroutine, if running.
func (l *Limiter) Stop() {
	select {
	case <-l.stopCleanup:
	default:
		close(l.stopCleanup)
	}
}

// Sweep runs one eviction pass synchronously; exported so callers (and
// tests) can trigger it opportunistically instead of waiting on the timer.
func (l *Limiter) Sweep() { l.sweep() }

func (l *Limiter) sweep() {
	now := l.clock()
	stale := time.Duration(l.cfg.StaleEntrySeconds) * time.Second
	perShardCap := l.cfg.MaxTrackedEndpoints / len(l.shards)

	for _, sh := range l.shards {
		sh.mu.Lock()
		for addr, b := range sh.buckets {
			if stale > 0 && now.Sub(b.lastUsed) > stale {
				delete(sh.buckets, addr)
			}
		}
		if perShardCap > 0 && len(sh.buckets) > perShardCap {
			evictLRU(sh.buckets, len(sh.buckets)-perShardCap)
		}
		sh.mu.Unlock()
	}
}

func evictLRU(buckets map[string]*bucket, n int) {
	type kv struct {
		k string
		t time.Time
	}
	victims := make([]kv, 0, len(buckets))
	for k, b := range buckets {
		victims = append(victims, kv{k, b.lastUsed})
	}
	for i := 0; i < n && len(victims) > 0; i++ {
		oldest := 0
		for j := 1; j < len(victims); j++ {
			if victims[j].t.Before(victims[oldest].t) {
				oldest = j
			}
		}
		delete(buckets, victims[oldest].k)
		victims[oldest] = victims[len(victims)-1]
		victims = victims[:len(victims)-1]
	}
}

// TrackedCount returns the total number of tracked endpoints across all
// shards, for metrics and tests.
func (l *Limiter) TrackedCount() int {
	total := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		total += len(sh.buckets)
		sh.mu.Unlock()
	}
	return total
}
