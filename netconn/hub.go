/*
Hub and IPLimiter implement the connection registry and per-IP admission
control, adapted from a prior
server.ConnectionManager (UID->Connection sync.Map lookup) generalized from
user-id keys to this module's opaque connection identifiers, and from
server/offline.go's Redis-ZSet "inactive since" sweep idiom, replayed here
over an in-process map instead of Redis since persistent cross-process
storage is out of scope (see DESIGN.md).
*/
package netconn

import (
	"sync"
	"time"
)

// Hub is the identifier -> Connection registry.
type Hub struct {
	conns sync.Map // string -> *Connection

	udpMu      sync.RWMutex
	udpWriters map[string]func([]byte)

	limiter *IPLimiter
}

// NewHub constructs a Hub with an embedded IPLimiter.
func NewHub(limiter *IPLimiter) *Hub {
	return &Hub{
		udpWriters: make(map[string]func([]byte)),
		limiter:    limiter,
	}
}

// Add registers conn under its identifier. Idempotent: a second Add with
// the same id replaces the registration.
func (h *Hub) Add(conn *Connection) {
	h.conns.Store(conn.id, conn)
}

// Remove deregisters an identifier. Idempotent.
func (h *Hub) Remove(id string) {
	h.conns.Delete(id)
	h.udpMu.Lock()
	delete(h.udpWriters, id)
	h.udpMu.Unlock()
}

// Lookup returns the Connection for id, if registered.
func (h *Hub) Lookup(id string) (*Connection, bool) {
	v, ok := h.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	n := 0
	h.conns.Range(func(_, _ any) bool { n++; return true })
	return n
}

// RegisterUDPWriter installs the datagram-send function for a UDP-backed
// connection id, used by Connection.writeLoop to reach back into the
// listener's shared socket.
func (h *Hub) RegisterUDPWriter(id string, write func([]byte)) {
	h.udpMu.Lock()
	h.udpWriters[id] = write
	h.udpMu.Unlock()
}

// WriteUDP dispatches data to the datagram writer registered for id, if
// any (no-op otherwise, e.g. the session already expired).
func (h *Hub) WriteUDP(id string, data []byte) {
	h.udpMu.RLock()
	write, ok := h.udpWriters[id]
	h.udpMu.RUnlock()
	if ok {
		write(data)
	}
}

// Limiter exposes the hub's IPLimiter, e.g. for TCPListener admission
// checks at accept time.
func (h *Hub) Limiter() *IPLimiter { return h.limiter }

// ipEntry tracks one source IP's live connection count and last activity.
type ipEntry struct {
	mu       sync.Mutex
	count    int
	lastSeen time.Time
}

// IPLimiter enforces a per-IP connection cap with idle eviction.
type IPLimiter struct {
	maxPerIP          int
	inactivityTimeout time.Duration
	cleanupInterval   time.Duration

	mu      sync.Mutex
	entries map[string]*ipEntry

	stop chan struct{}
	once sync.Once
}

// NewIPLimiter constructs an IPLimiter. Both timeouts are clamped to at
// least 1 second.
func NewIPLimiter(maxPerIP int, inactivityTimeout, cleanupInterval time.Duration) *IPLimiter {
	if inactivityTimeout < time.Second {
		inactivityTimeout = time.Second
	}
	if cleanupInterval < time.Second {
		cleanupInterval = time.Second
	}
	l := &IPLimiter{
		maxPerIP:          maxPerIP,
		inactivityTimeout: inactivityTimeout,
		cleanupInterval:   cleanupInterval,
		entries:           make(map[string]*ipEntry),
		stop:              make(chan struct{}),
	}
	return l
}

// IsConnectionAllowed reports whether ip may open another connection, registering the attempt if so.
func (l *IPLimiter) IsConnectionAllowed(ip string) bool {
	l.mu.Lock()
	e, ok := l.entries[ip]
	if !ok {
		e = &ipEntry{}
		l.entries[ip] = e
	}
	l.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.count >= l.maxPerIP {
		return false
	}
	e.count++
	e.lastSeen = time.Now()
	return true
}

// Release decrements ip's connection count, called when a connection from
// that address closes.
func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	e, ok := l.entries[ip]
	l.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.count > 0 {
		e.count--
	}
	e.lastSeen = time.Now()
	e.mu.Unlock()
}

// StartCleanup launches the periodic sweep that removes IPs with zero
// connections that have been inactive past inactivityTimeout.
func (l *IPLimiter) StartCleanup() {
	l.once.Do(func() {
		go func() {
			ticker := time.NewTicker(l.cleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					l.sweep()
				case <-l.stop:
					return
				}
			}
		}()
	})
}

func (l *IPLimiter) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

func (l *IPLimiter) sweep() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.entries {
		e.mu.Lock()
		idle := e.count == 0 && now.Sub(e.lastSeen) > l.inactivityTimeout
		e.mu.Unlock()
		if idle {
			delete(l.entries, ip)
		}
	}
}
