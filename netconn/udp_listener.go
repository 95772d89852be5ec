/*
UDPListener has no direct TCP-only
analogue elsewhere in the module; it is new code grounded on the
datagram receive-loop-plus-worker-pool idiom shown across the retrieved
pack's other_examples UDP samples, adapted to this module's own
identity-trailer framing instead of those samples' own framing.
*/
package netconn

import (
	"context"
	"log"
	"net"
	"sync"

	"corepipe/packet"
	"corepipe/pipeline"
)

// UDPConfig enumerates the UDP-specific listener options.
type UDPConfig struct {
	Port        uint16
	BufferSize  uint32
	MinUdpSize  uint16
	WorkerCount int
}

// DefaultUDPConfig returns sane defaults.
func DefaultUDPConfig(port uint16) UDPConfig {
	return UDPConfig{
		Port:        port,
		BufferSize:  64 * 1024,
		MinUdpSize:  uint16(packet.HeaderLength + packet.IdentifierSize),
		WorkerCount: 8,
	}
}

// UDPListener binds one datagram socket and dispatches received datagrams
// to logical Connections through a worker pool.
type UDPListener struct {
	cfg         UDPConfig
	magicNumber uint32
	pl          *pipeline.Pipeline
	hub         *Hub

	conn *net.UDPConn
	jobs chan udpJob
	wg   sync.WaitGroup

	// IsAuthenticated hooks an is_authenticated(connection, result) check;
	// defaults to always-true when nil.
	IsAuthenticated func(c *Connection, remote *net.UDPAddr) bool
}

type udpJob struct {
	body   []byte
	remote *net.UDPAddr
}

// NewUDPListener constructs a UDPListener bound to no socket yet.
func NewUDPListener(cfg UDPConfig, magicNumber uint32, pl *pipeline.Pipeline, hub *Hub) *UDPListener {
	return &UDPListener{cfg: cfg, magicNumber: magicNumber, pl: pl, hub: hub}
}

// Start binds the socket and launches the receive loop plus worker pool.
func (l *UDPListener) Start(ctx context.Context) error {
	addr := &net.UDPAddr{Port: int(l.cfg.Port)}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	l.conn = conn
	if l.cfg.BufferSize > 0 {
		conn.SetReadBuffer(int(l.cfg.BufferSize))
		conn.SetWriteBuffer(int(l.cfg.BufferSize))
	}

	workers := l.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	l.jobs = make(chan udpJob, workers*4)
	for i := 0; i < workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}

	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	l.wg.Add(1)
	go l.receiveLoop()

	log.Printf("[udp] listening on %s (workers=%d)", conn.LocalAddr(), workers)
	return nil
}

// Stop closes the socket, drains the job queue, and waits for workers.
func (l *UDPListener) Stop() {
	if l.conn != nil {
		l.conn.Close()
	}
	if l.jobs != nil {
		close(l.jobs)
	}
	l.wg.Wait()
}

func (l *UDPListener) receiveLoop() {
	defer l.wg.Done()
	buf := make([]byte, 65535)
	minSize := int(l.cfg.MinUdpSize)

	for {
		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < minSize {
			continue
		}
		body := make([]byte, n)
		copy(body, buf[:n])

		select {
		case l.jobs <- udpJob{body: body, remote: remote}:
		default:
			log.Printf("[udp] worker queue full, dropping datagram from %s", remote)
		}
	}
}

func (l *UDPListener) worker() {
	defer l.wg.Done()
	for job := range l.jobs {
		l.handleDatagram(job)
	}
}

// handleDatagram performs identity extraction, hub lookup, the
// authentication hook, and inbound dispatch, in that order.
func (l *UDPListener) handleDatagram(job udpJob) {
	n := len(job.body)
	idSize := packet.IdentifierSize
	if n < idSize {
		return
	}
	identity := string(job.body[n-idSize:])
	body := job.body[:n-idSize]

	conn, ok := l.hub.Lookup(identity)
	if !ok {
		log.Printf("[udp] unknown connection identifier %q, dropping", identity)
		return
	}

	remote := job.remote
	authFn := l.IsAuthenticated
	if authFn == nil {
		authFn = func(*Connection, *net.UDPAddr) bool { return true }
	}
	if !authFn(conn, remote) {
		return
	}

	l.hub.RegisterUDPWriter(identity, func(data []byte) {
		l.conn.WriteToUDP(data, remote)
	})

	conn.InjectIncoming(body)
}
