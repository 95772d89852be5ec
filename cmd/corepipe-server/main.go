/*
corepipe-server bootstraps the packet pipeline: transform registry,
rate limiters, concurrency gate, middleware pipeline, connection hub, and
the TCP/UDP listeners, then waits for SIGINT/SIGTERM.

Adapted from a prior cmd/main.go App struct (same Initialize/Start/
Stop lifecycle and signal-based shutdown), generalized from
Redis/session/pubsub/offline initialization to this module's own
component graph. Flag parsing replaces a prior stdlib flag usage with
github.com/alecthomas/kong, grounded on cmd/gosedctl/main.go and cmd.go in
the tcg-storage example (a flat kong struct of flags, no subcommands,
since this program has exactly one mode of operation: run).
*/
package main

import (
	"context"
	"encoding/binary"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"corepipe/config"
	"corepipe/credential"
	"corepipe/gate"
	"corepipe/metrics"
	"corepipe/netconn"
	"corepipe/packet"
	"corepipe/pipeline"
	"corepipe/ratelimit"
	"corepipe/sequence"
	"corepipe/transform"
	"corepipe/transform/builtin"
)

var cli struct {
	TCPPort           uint16        `default:"7690" help:"TCP listener port."`
	UDPPort           uint16        `default:"7691" help:"UDP listener port."`
	MetricsAddr       string        `default:":9090" help:"Prometheus /metrics listen address."`
	MaxPerIP          int           `default:"64" help:"Maximum simultaneous connections per source IP."`
	HandshakeSecret   string        `default:"" help:"HMAC secret for handshake bearer tokens. Empty disables handshake enforcement."`
	HandshakeLifetime time.Duration `default:"1h" help:"Lifetime of issued handshake tokens."`
}

// echoOpCode is the plain echo handler this bootstrap registers out of the
// box (alongside sequencedEchoOpCode): it echoes the payload back, exercising the full pipeline (rate limit,
// permission, unwrap, concurrency, timeout, wrap) end to end.
const echoOpCode uint16 = 0x0002

// sequencedEchoOpCode exercises the SEQUENCED flag: the
// handler stamps a per-connection sequence number rather than trusting
// the caller's.
const sequencedEchoOpCode uint16 = 0x0003

// App owns every long-lived component and their start/stop order.
type App struct {
	cfg config.Server

	registry      *transform.Registry
	policyLimiter *ratelimit.PolicyLimiter
	globalLimiter *ratelimit.Limiter
	gate          *gate.Gate
	pl            *pipeline.Pipeline
	hub           *netconn.Hub
	ipLimiter     *netconn.IPLimiter
	issuer        *credential.Issuer
	metricsReg    *metrics.Registry

	tcp *netconn.TCPListener
	udp *netconn.UDPListener

	metricsSrv *http.Server

	seq *sequence.Generator
}

// NewApp wires every component together but starts nothing yet.
func NewApp(cfg config.Server) *App {
	a := &App{cfg: cfg}

	a.registry = transform.NewRegistry()
	a.registry.Register(echoOpCode, builtin.AEADEntry())

	a.policyLimiter = ratelimit.NewPolicyLimiter()
	a.globalLimiter = ratelimit.NewLimiter(cfg.Bucket)
	a.gate = gate.New()
	a.gate.Configure(echoOpCode, gate.Config{MaxConcurrent: 64, Queue: true, QueueTimeoutMs: 2000})

	a.pl = pipeline.New()
	pipeline.RegisterBuiltins(a.pl, pipeline.Deps{
		Registry:      a.registry,
		PolicyLimiter: a.policyLimiter,
		GlobalLimiter: a.globalLimiter,
		Gate:          a.gate,
	})
	a.pl.SetAttributes(echoOpCode, pipeline.Attributes{
		RequiredPermission:   0,
		TimeoutMs:            5000,
		CompressionThreshold: 256,
	})
	a.pl.Handle(echoOpCode, handleEcho)

	a.seq = sequence.NewGenerator()
	a.gate.Configure(sequencedEchoOpCode, gate.Config{MaxConcurrent: 64, Queue: true, QueueTimeoutMs: 2000})
	a.registry.Register(sequencedEchoOpCode, builtin.AEADEntry())
	a.pl.SetAttributes(sequencedEchoOpCode, pipeline.Attributes{
		RequiredPermission:   0,
		TimeoutMs:            5000,
		CompressionThreshold: 256,
	})
	a.pl.Handle(sequencedEchoOpCode, a.handleSequencedEcho)

	a.ipLimiter = netconn.NewIPLimiter(cfg.IPLimit.MaxPerIP, cfg.IPLimit.InactivityTimeout, cfg.IPLimit.CleanupInterval)
	a.hub = netconn.NewHub(a.ipLimiter)

	a.metricsReg = metrics.New(a.hub.Count)
	a.metricsReg.MustRegister(prometheus.DefaultRegisterer)

	if cfg.RequireHandshake && cfg.HandshakeSecret != "" {
		a.issuer = credential.NewIssuer([]byte(cfg.HandshakeSecret), cfg.HandshakeLifetime)
	}

	a.tcp = netconn.NewTCPListener(cfg.TCP.ToNetconn(), cfg.MagicNumber, a.pl, a.hub)
	a.tcp.Issuer = a.issuer
	a.udp = netconn.NewUDPListener(cfg.UDP.ToNetconn(), cfg.MagicNumber, a.pl, a.hub)

	return a
}

// handleEcho returns the inbound packet's payload as a new outbound packet
// on the same op code, the simplest possible handler that still exercises
// every middleware stage.
func handleEcho(ctx *pipeline.Context) ([]*packet.Packet, error) {
	out, err := packet.New(ctx.Packet.MagicNumber, ctx.Packet.OpCode, 0, ctx.Packet.Priority, ctx.Packet.Transport, ctx.Packet.Payload())
	if err != nil {
		return nil, err
	}
	return []*packet.Packet{out}, nil
}

// handleSequencedEcho stamps the next per-connection sequence number onto
// the echoed payload and sets the Sequenced flag.
func (a *App) handleSequencedEcho(ctx *pipeline.Context) ([]*packet.Packet, error) {
	seq := a.seq.NextSeq(ctx.Conn.ID())
	body := make([]byte, 4+len(ctx.Packet.Payload()))
	binary.LittleEndian.PutUint32(body, seq)
	copy(body[4:], ctx.Packet.Payload())

	out, err := packet.New(ctx.Packet.MagicNumber, ctx.Packet.OpCode, packet.Sequenced, ctx.Packet.Priority, ctx.Packet.Transport, body)
	if err != nil {
		return nil, err
	}
	return []*packet.Packet{out}, nil
}

// Start launches the metrics server and both listeners.
func (a *App) Start(ctx context.Context) error {
	a.ipLimiter.StartCleanup()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsSrv = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()

	if err := a.tcp.Start(ctx); err != nil {
		return err
	}
	if err := a.udp.Start(ctx); err != nil {
		return err
	}
	log.Printf("[app] corepipe-server listening tcp=%d udp=%d metrics=%s", a.cfg.TCP.Port, a.cfg.UDP.Port, a.cfg.MetricsAddr)
	return nil
}

// Stop tears everything down in reverse order.
func (a *App) Stop() {
	log.Println("[app] stopping")
	a.tcp.Stop()
	a.udp.Stop()
	a.ipLimiter.Stop()
	if a.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.metricsSrv.Shutdown(shutdownCtx)
	}
	log.Println("[app] stopped")
}

func main() {
	kong.Parse(&cli, kong.Name("corepipe-server"), kong.Description("Packet pipeline server"), kong.UsageOnError())

	cfg := config.DefaultServer()
	cfg.TCP.Port = cli.TCPPort
	cfg.UDP.Port = cli.UDPPort
	cfg.MetricsAddr = cli.MetricsAddr
	cfg.IPLimit.MaxPerIP = cli.MaxPerIP
	cfg.HandshakeSecret = cli.HandshakeSecret
	cfg.HandshakeLifetime = cli.HandshakeLifetime
	cfg.RequireHandshake = cli.HandshakeSecret != ""

	app := NewApp(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Fatalf("[app] failed to start: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	app.Stop()
}
