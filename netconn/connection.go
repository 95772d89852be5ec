/*
Package netconn implements the connection abstraction, TCP/UDP listeners,
and the connection hub.

Connection generalizes a prior server.Connection from a single
protocol.Message type to *packet.Packet and the middleware pipeline: the
same read-goroutine/write-goroutine split survives (readLoop feeds the
inbound pipeline, writeLoop drains a buffered channel into the socket), but
dispatch now goes through pipeline.Pipeline instead of a MessageHandler
interface, and framing follows the fixed 11-byte header instead of the
prior big-endian length-prefixed protocol.Pack format.
*/
package netconn

import (
	"bufio"
	"encoding/binary"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"corepipe/credential"
	"corepipe/errs"
	"corepipe/packet"
	"corepipe/pipeline"
)

// State is a connection's lifecycle stage.
type State int

const (
	Handshaking State = iota
	Ready
	Closing
	Closed
)

// readDeadline bounds how long a TCP connection may go without receiving
// any data before it is treated as dead, mirroring a prior 90-second
// heartbeat timeout in server/connection.go.
const readDeadline = 90 * time.Second

const writeDeadline = 10 * time.Second

const writeQueueDepth = 256

// Hooks are the lifecycle callbacks a Connection fires.
type Hooks struct {
	OnClose       func(c *Connection)
	OnProcess     func(c *Connection, p *packet.Packet)
	OnPostProcess func(c *Connection, p *packet.Packet)
}

// Connection owns one peer's logical state, TCP stream or UDP session
// alike.
type Connection struct {
	id          string
	netConn     net.Conn // nil for a pure UDP session; Hub.InjectUDP drives those
	remote      string
	transport   packet.Transport
	magicNumber uint32

	pl  *pipeline.Pipeline
	hub *Hub

	mu              sync.RWMutex
	permissionLevel uint8
	encryptionKey   []byte
	encryptionSuite string
	state           State

	hooks Hooks

	writeChan chan []byte
	closeChan chan struct{}
	closeOnce sync.Once

	lastActive time.Time

	issuer *credential.Issuer
}

// New constructs a Connection in the Handshaking state.
func New(id string, netConn net.Conn, remote string, transport packet.Transport, magicNumber uint32, pl *pipeline.Pipeline, hub *Hub, hooks Hooks) *Connection {
	return &Connection{
		id:          id,
		netConn:     netConn,
		remote:      remote,
		transport:   transport,
		magicNumber: magicNumber,
		pl:          pl,
		hub:         hub,
		state:       Handshaking,
		hooks:       hooks,
		writeChan:   make(chan []byte, writeQueueDepth),
		closeChan:   make(chan struct{}),
		lastActive:  time.Now(),
	}
}

// --- pipeline.Conn implementation ---

func (c *Connection) ID() string             { return c.id }
func (c *Connection) RemoteEndpoint() string { return c.remote }

func (c *Connection) PermissionLevel() uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permissionLevel
}

func (c *Connection) EncryptionKey() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.encryptionKey
}

func (c *Connection) EncryptionSuite() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.encryptionSuite
}

func (c *Connection) Transport() packet.Transport { return c.transport }
func (c *Connection) MagicNumber() uint32         { return c.magicNumber }

// SendControl encodes ctrl as a control-frame packet and enqueues it.
func (c *Connection) SendControl(ctrl pipeline.Control) error {
	p, err := pipeline.NewControlPacket(c.magicNumber, c.transport, ctrl)
	if err != nil {
		return err
	}
	return c.SendPacket(p)
}

// SendPacket encodes p and enqueues it on the write channel).
func (c *Connection) SendPacket(p *packet.Packet) error {
	data, err := packet.Encode(p)
	if err != nil {
		return err
	}
	select {
	case c.writeChan <- data:
		return nil
	case <-c.closeChan:
		return errs.New(errs.InternalError, "connection closed")
	default:
		log.Printf("[conn %s] write queue full, dropping packet (op=%d)", c.id, p.OpCode)
		return nil
	}
}

// --- state / permission management ---

func (c *Connection) SetState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) SetPermissionLevel(level uint8) {
	c.mu.Lock()
	c.permissionLevel = level
	c.mu.Unlock()
}

// SetIssuer installs the handshake token issuer used to validate the
// first packet on this connection. A
// connection with no issuer set skips handshake validation and starts in
// Ready state.
func (c *Connection) SetIssuer(issuer *credential.Issuer) {
	c.issuer = issuer
}

// SetEncryption installs the out-of-band negotiated key/suite, typically called once the handshake
// validates the peer's bearer token.
func (c *Connection) SetEncryption(key []byte, suite string) {
	c.mu.Lock()
	c.encryptionKey = key
	c.encryptionSuite = suite
	c.mu.Unlock()
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Connection) LastActive() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActive
}

// --- lifecycle ---

// Start launches the write loop (always) and, for TCP connections, the
// read loop. UDP sessions are driven externally via InjectIncoming.
// A connection with no issuer moves straight to Ready.
func (c *Connection) Start() {
	if c.issuer == nil {
		c.SetState(Ready)
	}
	go c.writeLoop()
	if c.netConn != nil {
		go c.readLoop()
	}
}

// readLoop implements TCP framing: buffer partial reads until a
// full packet is available; an oversized length field closes the
// connection with MalformedPacket.
func (c *Connection) readLoop() {
	defer c.Close()

	reader := bufio.NewReader(c.netConn)
	var header [packet.HeaderLength]byte

	for {
		select {
		case <-c.closeChan:
			return
		default:
		}

		c.netConn.SetReadDeadline(time.Now().Add(readDeadline))

		if _, err := io.ReadFull(reader, header[:]); err != nil {
			if err != io.EOF {
				log.Printf("[conn %s] header read error: %v", c.id, err)
			}
			return
		}

		length := binary.LittleEndian.Uint16(header[9:11])
		if int(length) < packet.HeaderLength || int(length) > packet.MaxTotalSize {
			log.Printf("[conn %s] oversized/invalid length field %d, closing", c.id, length)
			c.SendControl(pipeline.Control{Type: pipeline.ControlFail, Reason: pipeline.ReasonMalformedPacket})
			return
		}

		payloadLen := int(length) - packet.HeaderLength
		buf := make([]byte, int(length))
		copy(buf, header[:])
		if payloadLen > 0 {
			if _, err := io.ReadFull(reader, buf[packet.HeaderLength:]); err != nil {
				log.Printf("[conn %s] payload read error: %v", c.id, err)
				return
			}
		}

		c.touch()
		c.dispatch(buf)
	}
}

// dispatch decodes a raw wire frame and runs it through the inbound
// pipeline, bounded by the connection's own magic number.
func (c *Connection) dispatch(raw []byte) {
	p, err := packet.Decode(raw, c.magicNumber)
	if err != nil {
		c.SendControl(pipeline.Control{Type: pipeline.ControlFail, Reason: pipeline.ReasonMalformedPacket})
		return
	}

	if c.hooks.OnProcess != nil {
		c.hooks.OnProcess(c, p)
	}

	if c.issuer != nil && c.GetState() == Handshaking {
		if err := c.handshake(c.issuer, p); err != nil {
			log.Printf("[conn %s] handshake error: %v", c.id, err)
		}
		return
	}

	attrs := c.pl.AttributesFor(p.OpCode)
	ctx := &pipeline.Context{Packet: p, Conn: c, Attributes: attrs}
	if err := c.pl.RunInbound(ctx); err != nil {
		log.Printf("[conn %s] pipeline error: %v", c.id, err)
	}

	if c.hooks.OnPostProcess != nil {
		c.hooks.OnPostProcess(c, p)
	}
}

// InjectIncoming hands a raw UDP datagram body (identity trailer already
// stripped) to the inbound pipeline.
func (c *Connection) InjectIncoming(body []byte) {
	c.touch()
	c.dispatch(body)
}

func (c *Connection) writeLoop() {
	defer c.Close()
	for {
		select {
		case <-c.closeChan:
			return
		case data := <-c.writeChan:
			if c.netConn == nil {
				if c.hub != nil {
					c.hub.WriteUDP(c.id, data)
				}
				continue
			}
			c.netConn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if _, err := c.netConn.Write(data); err != nil {
				log.Printf("[conn %s] write error: %v", c.id, err)
				return
			}
		}
	}
}

// Close is idempotent: fires OnClose once, releases the hub
// slot, and closes the underlying socket if any.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.SetState(Closed)
		close(c.closeChan)
		if c.netConn != nil {
			c.netConn.Close()
		}
		if c.hub != nil {
			c.hub.Remove(c.id)
		}
		if c.hooks.OnClose != nil {
			c.hooks.OnClose(c)
		}
	})
}

func (c *Connection) IsClosed() bool {
	select {
	case <-c.closeChan:
		return true
	default:
		return false
	}
}
