/*
Package metrics exposes process-wide Prometheus gauges/counters for the
packet pipeline, grounded on the
tcg-storage example's cmd/tcgdiskstat/metric.go (plain prometheus.NewGaugeVec
registrations) and the sockstats example's pkg/exporter.TCPInfoCollector
(a hand-rolled prometheus.Collector driven by a live map of tracked
objects) for ActiveConnections, whose value has to be read from the hub
rather than accumulated locally.
*/
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the pipeline's metrics. Construct one with
// New and register it with a prometheus.Registerer (or
// prometheus.DefaultRegisterer) before traffic starts. Only the connection
// count is live (polled from the hub at scrape time); no component in this
// module updates the counters and gauges below.
type Registry struct {
	BucketEvictions   *prometheus.CounterVec
	HardLockouts      *prometheus.CounterVec
	AcceptErrors      prometheus.Counter
	DatagramsDropped  prometheus.Counter
	HandshakeFailures prometheus.Counter
	GateQueueDepth    *prometheus.GaugeVec
	PacketsInbound    *prometheus.CounterVec
	PacketsOutbound   *prometheus.CounterVec
	ControlFramesSent *prometheus.CounterVec

	connections *connectionCollector
}

// New constructs a Registry. activeConnections is polled at scrape time
// rather than incremented/decremented locally, since the hub is the
// single source of truth for live connection count.
func New(activeConnections func() int) *Registry {
	return &Registry{
		BucketEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corepipe",
			Subsystem: "ratelimit",
			Name:      "bucket_evictions_total",
			Help:      "Policy-tiered rate limiter bucket reuse/eviction events, by reason.",
		}, []string{"reason"}),
		HardLockouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corepipe",
			Subsystem: "ratelimit",
			Name:      "hard_lockouts_total",
			Help:      "Subjects placed under hard lockout after repeated soft violations.",
		}, []string{"subject_kind"}),
		AcceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corepipe",
			Subsystem: "tcp",
			Name:      "accept_errors_total",
			Help:      "TCP accept() errors across all accept loops.",
		}),
		DatagramsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corepipe",
			Subsystem: "udp",
			Name:      "datagrams_dropped_total",
			Help:      "UDP datagrams dropped: too short, unknown identifier, or unauthenticated.",
		}),
		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corepipe",
			Subsystem: "handshake",
			Name:      "failures_total",
			Help:      "Handshake bearer tokens rejected as invalid or expired.",
		}),
		GateQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corepipe",
			Subsystem: "gate",
			Name:      "queue_depth",
			Help:      "Current number of callers queued waiting for a concurrency gate slot, by op code.",
		}, []string{"op_code"}),
		PacketsInbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corepipe",
			Subsystem: "pipeline",
			Name:      "packets_inbound_total",
			Help:      "Packets admitted through the inbound chain, by op code.",
		}, []string{"op_code"}),
		PacketsOutbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corepipe",
			Subsystem: "pipeline",
			Name:      "packets_outbound_total",
			Help:      "Packets pushed through the outbound chain, by op code.",
		}, []string{"op_code"}),
		ControlFramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corepipe",
			Subsystem: "pipeline",
			Name:      "control_frames_sent_total",
			Help:      "Control frames emitted, by reason.",
		}, []string{"reason"}),
		connections: &connectionCollector{poll: activeConnections},
	}
}

// MustRegister registers every metric (and the live-polled connection
// collector) on reg.
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.BucketEvictions,
		r.HardLockouts,
		r.AcceptErrors,
		r.DatagramsDropped,
		r.HandshakeFailures,
		r.GateQueueDepth,
		r.PacketsInbound,
		r.PacketsOutbound,
		r.ControlFramesSent,
		r.connections,
	)
}

// connectionCollector reports the hub's live connection count at scrape
// time instead of tracking it with a Gauge that every Add/Remove must
// remember to update.
type connectionCollector struct {
	poll func() int
}

var activeConnectionsDesc = prometheus.NewDesc(
	"corepipe_connections_active",
	"Number of connections currently registered in the hub.",
	nil, nil,
)

func (c *connectionCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- activeConnectionsDesc
}

func (c *connectionCollector) Collect(ch chan<- prometheus.Metric) {
	if c.poll == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(activeConnectionsDesc, prometheus.GaugeValue, float64(c.poll()))
}
