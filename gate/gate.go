/*
Package gate implements the per-opcode bounded concurrency gate.

TryEnter and Enter are built directly on golang.org/x/sync/semaphore.Weighted:
TryAcquire(1) gives the non-blocking path, and Acquire(ctx, 1) gives FIFO
queued waiting with context-based cancellation that removes the waiter from
the internal queue without touching the held-count: each waiter holds a
one-shot ready channel, and a cancelled waiter is removed from the list. This is
a genuine ecosystem fit — golang.org/x/sync is the standard extension of
the sync/atomic/sync.Map primitives server/connection.go
already leans on — rather than a hand-rolled waiter list.
*/
package gate

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"corepipe/errs"
)

// Config is the per-handler concurrency configuration.
type Config struct {
	MaxConcurrent  uint32
	Queue          bool
	QueueTimeoutMs int32
}

// Lease is the RAII-style handle representing a held concurrency slot.
// Release must be called to return the slot; repeated calls are no-ops.
type Lease struct {
	sem      *semaphore.Weighted
	held     *atomic.Int32
	released bool
	mu       sync.Mutex
}

// Release returns the slot. Safe to call more than once; only the first
// call has effect.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.sem.Release(1)
	if l.held != nil {
		l.held.Add(-1)
	}
}

type opGate struct {
	sem  *semaphore.Weighted
	cfg  Config
	held atomic.Int32
}

// Gate dispatches bounded concurrency per op code.
type Gate struct {
	mu    sync.RWMutex
	gates map[uint16]*opGate
}

// New returns an empty Gate. Handlers register their concurrency
// configuration via Configure before traffic arrives.
func New() *Gate {
	return &Gate{gates: make(map[uint16]*opGate)}
}

// Configure installs the concurrency configuration for opCode, replacing
// any prior configuration (and therefore resetting its semaphore — callers
// should do this at startup, not mid-traffic).
func (g *Gate) Configure(opCode uint16, cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	max := int64(cfg.MaxConcurrent)
	if max <= 0 {
		max = 1
	}
	g.gates[opCode] = &opGate{sem: semaphore.NewWeighted(max), cfg: cfg}
}

func (g *Gate) get(opCode uint16) *opGate {
	g.mu.RLock()
	og, ok := g.gates[opCode]
	g.mu.RUnlock()
	if ok {
		return og
	}
	// Unconfigured op codes are ungated: effectively unlimited concurrency.
	return nil
}

// TryEnter is the non-blocking path: returns a Lease or false.
func (g *Gate) TryEnter(opCode uint16) (*Lease, bool) {
	og := g.get(opCode)
	if og == nil {
		return &Lease{sem: unlimitedSem}, true
	}
	if !og.sem.TryAcquire(1) {
		return nil, false
	}
	og.held.Add(1)
	return &Lease{sem: og.sem, held: &og.held}, true
}

// unlimitedSem backs leases for unconfigured op codes: a semaphore whose
// capacity is effectively unbounded, so TryAcquire/Release never contend
// in practice but Lease.Release stays uniform regardless of configuration.
var unlimitedSem = semaphore.NewWeighted(1 << 62)

// Enter is the (optionally) queued path. When cfg.Queue is
// false this is equivalent to TryEnter plus a ConcurrencyRejected error.
// When cfg.Queue is true, it waits FIFO (per the semaphore's own internal
// waiter order) until a slot frees or ctx is cancelled.
func (g *Gate) Enter(ctx context.Context, opCode uint16) (*Lease, error) {
	og := g.get(opCode)
	if og == nil {
		if err := unlimitedSem.Acquire(ctx, 1); err != nil {
			return nil, classifyAcquireErr(err)
		}
		return &Lease{sem: unlimitedSem}, nil
	}

	if !og.cfg.Queue {
		if og.sem.TryAcquire(1) {
			og.held.Add(1)
			return &Lease{sem: og.sem, held: &og.held}, nil
		}
		return nil, errs.New(errs.ConcurrencyRejected, "concurrency limit reached and queueing disabled")
	}

	if err := og.sem.Acquire(ctx, 1); err != nil {
		return nil, classifyAcquireErr(err)
	}
	og.held.Add(1)
	return &Lease{sem: og.sem, held: &og.held}, nil
}

func classifyAcquireErr(err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return errs.Wrap(errs.Cancelled, "queued acquire cancelled", err)
	}
	return errs.Wrap(errs.InternalError, "queued acquire failed", err)
}

// ActiveLeases reports how many slots of opCode's gate are currently held
// and its configured maximum, for metrics and tests.
// Returns (0, 0) for an unconfigured op code.
func (g *Gate) ActiveLeases(opCode uint16) (held uint32, max uint32) {
	og := g.get(opCode)
	if og == nil {
		return 0, 0
	}
	return uint32(og.held.Load()), og.cfg.MaxConcurrent
}
