package pipeline

import (
	"context"
	"sync"
	"testing"

	"corepipe/gate"
	"corepipe/packet"
	"corepipe/ratelimit"
	"corepipe/transform"
	"corepipe/transform/builtin"
)

const testMagic = 0xC0DEB0BA

type fakeConn struct {
	mu          sync.Mutex
	permission  uint8
	key         []byte
	suite       string
	sent        []*packet.Packet
	sentControl []Control
}

func (c *fakeConn) ID() string                  { return "conn-1" }
func (c *fakeConn) RemoteEndpoint() string      { return "10.0.0.1:1234" }
func (c *fakeConn) PermissionLevel() uint8      { return c.permission }
func (c *fakeConn) EncryptionKey() []byte       { return c.key }
func (c *fakeConn) EncryptionSuite() string     { return c.suite }
func (c *fakeConn) Transport() packet.Transport { return packet.TransportTCP }
func (c *fakeConn) MagicNumber() uint32         { return testMagic }

func (c *fakeConn) SendControl(ctrl Control) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentControl = append(c.sentControl, ctrl)
	return nil
}

func (c *fakeConn) SendPacket(p *packet.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, p)
	return nil
}

func newTestDeps() Deps {
	return Deps{
		Registry:      transform.NewRegistry(),
		PolicyLimiter: ratelimit.NewPolicyLimiter(),
		GlobalLimiter: ratelimit.NewLimiter(ratelimit.DefaultConfig()),
		Gate:          gate.New(),
	}
}

// TestEchoHandlerAdmitted exercises the S1 scenario: a permitted, unrated
// packet reaches its handler and the handler's reply clears the outbound
// chain untouched (no transform required).
func TestEchoHandlerAdmitted(t *testing.T) {
	deps := newTestDeps()
	p := New()
	RegisterBuiltins(p, deps)

	const opCode = 0x10
	p.Handle(opCode, func(ctx *Context) ([]*packet.Packet, error) {
		reply, err := packet.New(testMagic, opCode, 0, packet.PriorityNormal, packet.TransportTCP, ctx.Packet.Payload())
		if err != nil {
			return nil, err
		}
		return []*packet.Packet{reply}, nil
	})
	p.Build()

	conn := &fakeConn{permission: 5}
	in, _ := packet.New(testMagic, opCode, 0, packet.PriorityNormal, packet.TransportTCP, []byte("ping"))
	pctx := &Context{Packet: in, Conn: conn, Attributes: Attributes{OpCode: opCode}, Ctx: context.Background()}

	if err := p.RunInbound(pctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(conn.sent) != 1 || string(conn.sent[0].Payload()) != "ping" {
		t.Fatalf("expected echoed packet, got %+v", conn.sent)
	}
	if len(conn.sentControl) != 0 {
		t.Fatalf("expected no control frames, got %+v", conn.sentControl)
	}
}

// TestPermissionDenied exercises S3: insufficient permission level short-
// circuits the chain with FAIL/UNAUTHENTICATED before the handler runs.
func TestPermissionDenied(t *testing.T) {
	deps := newTestDeps()
	p := New()
	RegisterBuiltins(p, deps)

	const opCode = 0x20
	called := false
	p.Handle(opCode, func(ctx *Context) ([]*packet.Packet, error) {
		called = true
		return nil, nil
	})
	p.Build()

	conn := &fakeConn{permission: 1}
	in, _ := packet.New(testMagic, opCode, 0, packet.PriorityNormal, packet.TransportTCP, nil)
	pctx := &Context{Packet: in, Conn: conn, Attributes: Attributes{OpCode: opCode, RequiredPermission: 5}, Ctx: context.Background()}

	if err := p.RunInbound(pctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatal("handler should not run when permission is insufficient")
	}
	if len(conn.sentControl) != 1 || conn.sentControl[0].Reason != ReasonUnauthenticated {
		t.Fatalf("expected one Unauthenticated control frame, got %+v", conn.sentControl)
	}
	frame := conn.sentControl[0]
	if frame.Arg0 != 5 {
		t.Fatalf("expected arg0 = required permission (5), got %d", frame.Arg0)
	}
	if frame.Arg1 != 1 {
		t.Fatalf("expected arg1 = connection permission (1), got %d", frame.Arg1)
	}
	if frame.Arg2 != uint32(opCode) {
		t.Fatalf("expected arg2 = op code (%d), got %d", opCode, frame.Arg2)
	}
}

// TestRateLimited exercises S2: exhausting the global limiter produces a
// THROTTLE control frame instead of reaching the handler.
func TestRateLimited(t *testing.T) {
	deps := newTestDeps()
	cfg := ratelimit.DefaultConfig()
	cfg.CapacityTokens = 1
	cfg.RefillTokensPerSecond = 1
	deps.GlobalLimiter = ratelimit.NewLimiter(cfg)

	p := New()
	RegisterBuiltins(p, deps)
	const opCode = 0x30
	p.Handle(opCode, func(ctx *Context) ([]*packet.Packet, error) { return nil, nil })
	p.Build()

	conn := &fakeConn{permission: 5}
	run := func() {
		in, _ := packet.New(testMagic, opCode, 0, packet.PriorityNormal, packet.TransportTCP, nil)
		pctx := &Context{Packet: in, Conn: conn, Attributes: Attributes{OpCode: opCode}, Ctx: context.Background()}
		if err := p.RunInbound(pctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	run()
	run()

	if len(conn.sentControl) != 1 {
		t.Fatalf("expected exactly one throttle frame, got %d", len(conn.sentControl))
	}
	if conn.sentControl[0].Type != ControlThrottle {
		t.Fatalf("expected ControlThrottle, got %+v", conn.sentControl[0])
	}
	frame := conn.sentControl[0]
	if frame.Arg1 == 0 {
		t.Fatalf("expected arg1 = retry-after in 100ms steps (~10 at 1 token/s), got %d", frame.Arg1)
	}
	if frame.Arg2 != 0 {
		t.Fatalf("expected arg2 = remaining credit (0, bucket exhausted), got %d", frame.Arg2)
	}
}

// TestWrapUnwrapRoundTrip exercises S5: an outbound packet requiring
// encryption/compression through Wrap is correctly reversible by an inbound
// Unwrap pass over the same registry.
func TestWrapUnwrapRoundTrip(t *testing.T) {
	deps := newTestDeps()
	const opCode = 0x40
	key := make([]byte, 32)
	deps.Registry.Register(opCode, builtin.AEADEntry())

	p := New()
	RegisterBuiltins(p, deps)
	p.Build()

	conn := &fakeConn{permission: 5, key: key, suite: "aes-256-gcm"}
	body := make([]byte, 4096)
	for i := range body {
		body[i] = byte(i)
	}
	out, _ := packet.New(testMagic, opCode, 0, packet.PriorityNormal, packet.TransportTCP, body)

	pctx := &Context{Packet: out, Conn: conn, Attributes: Attributes{OpCode: opCode, RequireEncryption: true, CompressionThreshold: 64}, Ctx: context.Background()}
	if err := runOutbound(p.outbound, pctx); err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	wrapped := pctx.Packet
	if wrapped.Flags&packet.Encrypted == 0 {
		t.Fatal("expected Encrypted flag after Wrap")
	}

	unwrapMW := UnwrapMiddleware(deps.Registry)
	inCtx := &Context{Packet: wrapped, Conn: conn, Attributes: Attributes{OpCode: opCode}, Ctx: context.Background()}
	var gotBody []byte
	err := unwrapMW.Handle(inCtx, func() error {
		gotBody = append([]byte(nil), inCtx.Packet.Payload()...)
		return nil
	})
	if err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	if string(gotBody) != string(body) {
		t.Fatal("round-tripped payload does not match original")
	}
}

// TestTimeoutMiddlewareSendsTimeoutFrame exercises S4: a handler that never
// returns within TimeoutMs produces a single TIMEOUT control frame.
func TestTimeoutMiddlewareSendsTimeoutFrame(t *testing.T) {
	conn := &fakeConn{permission: 5}
	ctx := &Context{Conn: conn, Attributes: Attributes{TimeoutMs: 20}, Ctx: context.Background()}

	mw := TimeoutMiddleware()
	started := make(chan struct{})
	err := mw.Handle(ctx, func() error {
		close(started)
		<-ctx.Ctx.Done()
		return ctx.Ctx.Err()
	})
	<-started
	if err != nil {
		t.Fatalf("unexpected error from timeout middleware: %v", err)
	}
	if len(conn.sentControl) != 1 || conn.sentControl[0].Type != ControlTimeout {
		t.Fatalf("expected one timeout control frame, got %+v", conn.sentControl)
	}
	if conn.sentControl[0].Arg0 != 0 {
		t.Fatalf("expected arg0 = timeout_ms/100 = 0 for 20ms, got %d", conn.sentControl[0].Arg0)
	}
}

func TestMiddlewareOrdering(t *testing.T) {
	deps := newTestDeps()
	p := New()
	RegisterBuiltins(p, deps)

	p.Use(Inbound, NewMiddleware("probe_early", 1, func(ctx *Context, next func() error) error {
		return next()
	}))
	p.Build()

	if p.inbound[0].Name() != "probe_early" {
		t.Fatalf("expected probe_early (order 1) first, got %s", p.inbound[0].Name())
	}
	if p.inbound[1].Name() != "permission" {
		t.Fatalf("expected permission (order 2) second, got %s", p.inbound[1].Name())
	}
}
