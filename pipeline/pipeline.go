/*
Package pipeline implements the middleware pipeline: two
ordered chains per stage (Inbound, Outbound), sorted once at build time by
(order, name), executing over a mutable Context carrying the packet, the
owning connection, its Attributes, and a context.Context used as the
cancellation token — a direct, idiomatic substitute for an abstract
cancellation token, grounded on service/pubsub.go's own context.Context-based
shutdown plumbing in service/pubsub.go's PubSubManager.Stop.

Middlewares return without calling next to short-circuit a chain, typically
after already sending a control frame; returning an error aborts the chain
and is reported by the caller (Connection) rather than re-entering it.
*/
package pipeline

import (
	"context"
	"sort"
	"sync"

	"corepipe/gate"
	"corepipe/packet"
	"corepipe/ratelimit"
)

// Stage enumerates which chain a middleware belongs to.
type Stage int

const (
	Inbound Stage = iota
	Outbound
)

// Conn is the minimal surface a connection exposes to the pipeline. Keeping
// this as an interface (rather than importing netconn directly) lets
// netconn.Connection depend on pipeline without a import cycle the other
// way.
type Conn interface {
	ID() string
	RemoteEndpoint() string
	PermissionLevel() uint8
	EncryptionKey() []byte
	EncryptionSuite() string
	Transport() packet.Transport
	MagicNumber() uint32
	SendControl(c Control) error
	SendPacket(p *packet.Packet) error
}

// Attributes configures how the pipeline treats one op code.
type Attributes struct {
	OpCode              uint16
	RequiredPermission  uint8
	Policy              *ratelimit.Policy // nil means the global per-endpoint limiter
	Concurrency         gate.Config
	TimeoutMs           int32
	RequireEncryption   bool // outbound Wrap: encrypt before send
	CompressionThreshold int  // outbound Wrap: compress above this size
}

// HandlerFunc processes an inbound packet once all inbound middlewares have
// admitted it, returning zero or more packets to push through Outbound.
type HandlerFunc func(ctx *Context) ([]*packet.Packet, error)

// Context carries per-packet pipeline state.
type Context struct {
	Packet     *packet.Packet
	Conn       Conn
	Attributes Attributes
	Ctx        context.Context

	out []*packet.Packet
}

// Emit queues a packet to be pushed through the outbound chain once the
// inbound chain (typically the handler) completes.
func (c *Context) Emit(p *packet.Packet) { c.out = append(c.out, p) }

// Middleware is one pipeline stage. It must call next to continue the
// chain; returning without calling next short-circuits it.
type Middleware interface {
	Name() string
	Order() int32
	Handle(ctx *Context, next func() error) error
}

type namedMiddleware struct {
	name  string
	order int32
	fn    func(ctx *Context, next func() error) error
}

func (m namedMiddleware) Name() string  { return m.name }
func (m namedMiddleware) Order() int32  { return m.order }
func (m namedMiddleware) Handle(ctx *Context, next func() error) error {
	return m.fn(ctx, next)
}

// NewMiddleware constructs a Middleware from a plain function, for
// registering handwritten or custom stages alongside the built-ins.
func NewMiddleware(name string, order int32, fn func(ctx *Context, next func() error) error) Middleware {
	return namedMiddleware{name: name, order: order, fn: fn}
}

// Pipeline holds the built (sorted) middleware chains plus the handler
// table, and is the thing connections dispatch into.
type Pipeline struct {
	mu       sync.RWMutex
	inbound    []Middleware
	outbound   []Middleware
	handlers   map[uint16]HandlerFunc
	attributes map[uint16]Attributes
	built      bool
}

// New returns an empty Pipeline. Add middlewares/handlers then call Build
// once before traffic arrives.
func New() *Pipeline {
	return &Pipeline{
		handlers:   make(map[uint16]HandlerFunc),
		attributes: make(map[uint16]Attributes),
	}
}

// SetAttributes registers the Attributes a connection's read loop should
// attach to every inbound packet carrying opCode.
func (p *Pipeline) SetAttributes(opCode uint16, attrs Attributes) {
	p.mu.Lock()
	defer p.mu.Unlock()
	attrs.OpCode = opCode
	p.attributes[opCode] = attrs
}

// AttributesFor returns the registered Attributes for opCode, or a
// zero-value Attributes (no permission required, no policy, no timeout)
// when none were registered.
func (p *Pipeline) AttributesFor(opCode uint16) Attributes {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if a, ok := p.attributes[opCode]; ok {
		return a
	}
	return Attributes{OpCode: opCode}
}

// Use registers a middleware on the given stage.
func (p *Pipeline) Use(stage Stage, m Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch stage {
	case Inbound:
		p.inbound = append(p.inbound, m)
	case Outbound:
		p.outbound = append(p.outbound, m)
	}
	p.built = false
}

// Handle registers the terminal handler for opCode.
func (p *Pipeline) Handle(opCode uint16, h HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[opCode] = h
}

// Build sorts both chains by (order, name), with name as the tie-break
// rule. Safe to call more than once; idempotent once nothing has changed.
func (p *Pipeline) Build() {
	p.mu.Lock()
	defer p.mu.Unlock()
	sortMiddlewares(p.inbound)
	sortMiddlewares(p.outbound)
	p.built = true
}

func sortMiddlewares(ms []Middleware) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Order() != ms[j].Order() {
			return ms[i].Order() < ms[j].Order()
		}
		return ms[i].Name() < ms[j].Name()
	})
}

// RunInbound drives pctx through the inbound chain, then — if the chain
// reached the end without short-circuiting — through the outbound chain for
// every packet the handler emitted.
func (p *Pipeline) RunInbound(pctx *Context) error {
	p.mu.RLock()
	inbound := p.inbound
	outbound := p.outbound
	handlers := p.handlers
	p.mu.RUnlock()

	idx := 0
	var step func() error
	step = func() error {
		if idx >= len(inbound) {
			h, ok := handlers[pctx.Attributes.OpCode]
			if !ok {
				return nil
			}
			emitted, err := h(pctx)
			if err != nil {
				return err
			}
			pctx.out = append(pctx.out, emitted...)
			return nil
		}
		m := inbound[idx]
		idx++
		return m.Handle(pctx, step)
	}
	if err := step(); err != nil {
		return err
	}

	for _, outPkt := range pctx.out {
		octx := &Context{Packet: outPkt, Conn: pctx.Conn, Attributes: pctx.Attributes, Ctx: pctx.Ctx}
		if err := runOutbound(outbound, octx); err != nil {
			return err
		}
	}
	return nil
}

func runOutbound(outbound []Middleware, octx *Context) error {
	idx := 0
	var step func() error
	step = func() error {
		if idx >= len(outbound) {
			return octx.Conn.SendPacket(octx.Packet)
		}
		m := outbound[idx]
		idx++
		return m.Handle(octx, step)
	}
	return step()
}
