// Package metrics collects server-wide counters and exposes them both as
// a JSON snapshot for the admin API and as a Prometheus registry.
//
// Counters sit on every connection's read and write path, so they are
// plain atomics; the Prometheus collectors and Snapshot read them
// lock-free.
package metrics

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "adatp"

// Collector accumulates protocol counters and serves them to Prometheus.
type Collector struct {
	namespace string
	registry  *prometheus.Registry
	startTime time.Time

	connectionsActive   atomic.Int64
	connectionsTotal    atomic.Uint64
	connectionsRejected atomic.Uint64

	bytesReceived   atomic.Uint64
	bytesSent       atomic.Uint64
	packetsReceived atomic.Uint64
	packetsSent     atomic.Uint64

	malformedFrames     atomic.Uint64
	handshakesCompleted atomic.Uint64
	handshakeFailures   atomic.Uint64
	authFailures        atomic.Uint64
	cipherAnomalies     atomic.Uint64

	broadcasts        atomic.Uint64
	routingMisses     atomic.Uint64
	backpressureDrops atomic.Uint64

	transfersStarted   atomic.Uint64
	transfersCompleted atomic.Uint64
	transfersAborted   atomic.Uint64
}

// Snapshot is a point-in-time view of the collected counters, shaped for
// the admin API's JSON metrics endpoint.
type Snapshot struct {
	UptimeSeconds       float64 `json:"uptime_seconds"`
	ConnectionsActive   int64   `json:"connections_active"`
	ConnectionsTotal    uint64  `json:"connections_total"`
	ConnectionsRejected uint64  `json:"connections_rejected"`
	BytesReceived       uint64  `json:"bytes_received"`
	BytesSent           uint64  `json:"bytes_sent"`
	PacketsReceived     uint64  `json:"packets_received"`
	PacketsSent         uint64  `json:"packets_sent"`
	RxBytesPerSec       float64 `json:"rx_bytes_per_sec"`
	TxBytesPerSec       float64 `json:"tx_bytes_per_sec"`
	MalformedFrames     uint64  `json:"malformed_frames"`
	HandshakesCompleted uint64  `json:"handshakes_completed"`
	HandshakeFailures   uint64  `json:"handshake_failures"`
	AuthFailures        uint64  `json:"auth_failures"`
	CipherAnomalies     uint64  `json:"cipher_anomalies"`
	Broadcasts          uint64  `json:"broadcasts"`
	RoutingMisses       uint64  `json:"routing_misses"`
	BackpressureDrops   uint64  `json:"backpressure_drops"`
	TransfersStarted    uint64  `json:"transfers_started"`
	TransfersCompleted  uint64  `json:"transfers_completed"`
	TransfersAborted    uint64  `json:"transfers_aborted"`
}

// NewCollector creates a collector and registers its Prometheus metrics
// under the given namespace ("adatp" when empty).
func NewCollector(namespace string) *Collector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	c := &Collector{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}
	c.registerMetrics()
	return c
}

// Registry returns the Prometheus registry managed by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ConnectionOpened records an accepted connection.
func (c *Collector) ConnectionOpened() {
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed records a connection teardown.
func (c *Collector) ConnectionClosed() {
	c.connectionsActive.Add(-1)
}

// ConnectionRejected records a connection refused at accept time.
func (c *Collector) ConnectionRejected() {
	c.connectionsRejected.Add(1)
}

// ObserveReceive records one inbound packet of the given wire size.
func (c *Collector) ObserveReceive(bytes int) {
	if bytes > 0 {
		c.bytesReceived.Add(uint64(bytes))
	}
	c.packetsReceived.Add(1)
}

// ObserveSend records one outbound packet of the given wire size.
func (c *Collector) ObserveSend(bytes int) {
	if bytes > 0 {
		c.bytesSent.Add(uint64(bytes))
	}
	c.packetsSent.Add(1)
}

// MalformedFrame records a frame rejected by the codec.
func (c *Collector) MalformedFrame() {
	c.malformedFrames.Add(1)
}

// HandshakeCompleted records a session reaching the established state.
func (c *Collector) HandshakeCompleted() {
	c.handshakesCompleted.Add(1)
}

// HandshakeFailure records a handshake that reached the failed state.
func (c *Collector) HandshakeFailure() {
	c.handshakeFailures.Add(1)
}

// AuthFailure records a rejected credential check.
func (c *Collector) AuthFailure() {
	c.authFailures.Add(1)
}

// CipherAnomaly records a packet dropped by AEAD verification.
func (c *Collector) CipherAnomaly() {
	c.cipherAnomalies.Add(1)
}

// Broadcast records one room broadcast operation.
func (c *Collector) Broadcast() {
	c.broadcasts.Add(1)
}

// RoutingMiss records a packet addressed to an unknown session or room.
func (c *Collector) RoutingMiss() {
	c.routingMisses.Add(1)
}

// BackpressureDrop records a packet shed from a full outbound queue.
func (c *Collector) BackpressureDrop() {
	c.backpressureDrops.Add(1)
}

// TransferStarted records an accepted transfer announcement.
func (c *Collector) TransferStarted() {
	c.transfersStarted.Add(1)
}

// TransferCompleted records a transfer finished with matching sizes.
func (c *Collector) TransferCompleted() {
	c.transfersCompleted.Add(1)
}

// TransferAborted records a transfer that ended in an abort.
func (c *Collector) TransferAborted() {
	c.transfersAborted.Add(1)
}

// Snapshot builds a read-only view of the counters.
func (c *Collector) Snapshot() Snapshot {
	elapsed := time.Since(c.startTime)
	rx := c.bytesReceived.Load()
	tx := c.bytesSent.Load()
	return Snapshot{
		UptimeSeconds:       elapsed.Seconds(),
		ConnectionsActive:   c.connectionsActive.Load(),
		ConnectionsTotal:    c.connectionsTotal.Load(),
		ConnectionsRejected: c.connectionsRejected.Load(),
		BytesReceived:       rx,
		BytesSent:           tx,
		PacketsReceived:     c.packetsReceived.Load(),
		PacketsSent:         c.packetsSent.Load(),
		RxBytesPerSec:       rateFromBytes(rx, elapsed),
		TxBytesPerSec:       rateFromBytes(tx, elapsed),
		MalformedFrames:     c.malformedFrames.Load(),
		HandshakesCompleted: c.handshakesCompleted.Load(),
		HandshakeFailures:   c.handshakeFailures.Load(),
		AuthFailures:        c.authFailures.Load(),
		CipherAnomalies:     c.cipherAnomalies.Load(),
		Broadcasts:          c.broadcasts.Load(),
		RoutingMisses:       c.routingMisses.Load(),
		BackpressureDrops:   c.backpressureDrops.Load(),
		TransfersStarted:    c.transfersStarted.Load(),
		TransfersCompleted:  c.transfersCompleted.Load(),
		TransfersAborted:    c.transfersAborted.Load(),
	}
}

func (c *Collector) registerMetrics() {
	makeGauge := func(name, help string, valueFn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      name,
			Help:      help,
		}, valueFn)
	}

	makeCounter := func(name, help string, value *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: c.namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value.Load()) })
	}

	c.registry.MustRegister(makeGauge(
		"uptime_seconds",
		"Seconds since the collector was created.",
		func() float64 { return time.Since(c.startTime).Seconds() },
	))
	c.registry.MustRegister(makeGauge(
		"connections_active",
		"Currently open protocol connections.",
		func() float64 { return float64(c.connectionsActive.Load()) },
	))
	c.registry.MustRegister(makeGauge(
		"rx_bytes_per_second",
		"Average inbound wire throughput since start.",
		func() float64 { return rateFromBytes(c.bytesReceived.Load(), time.Since(c.startTime)) },
	))
	c.registry.MustRegister(makeGauge(
		"tx_bytes_per_second",
		"Average outbound wire throughput since start.",
		func() float64 { return rateFromBytes(c.bytesSent.Load(), time.Since(c.startTime)) },
	))

	c.registry.MustRegister(makeCounter(
		"connections_total",
		"Connections accepted since start.",
		&c.connectionsTotal,
	))
	c.registry.MustRegister(makeCounter(
		"connections_rejected_total",
		"Connections refused at accept time.",
		&c.connectionsRejected,
	))
	c.registry.MustRegister(makeCounter(
		"rx_bytes_total",
		"Total wire bytes received.",
		&c.bytesReceived,
	))
	c.registry.MustRegister(makeCounter(
		"tx_bytes_total",
		"Total wire bytes sent.",
		&c.bytesSent,
	))
	c.registry.MustRegister(makeCounter(
		"rx_packets_total",
		"Total packets received.",
		&c.packetsReceived,
	))
	c.registry.MustRegister(makeCounter(
		"tx_packets_total",
		"Total packets sent.",
		&c.packetsSent,
	))
	c.registry.MustRegister(makeCounter(
		"malformed_frames_total",
		"Frames rejected by the codec.",
		&c.malformedFrames,
	))
	c.registry.MustRegister(makeCounter(
		"handshakes_completed_total",
		"Sessions that reached the established state.",
		&c.handshakesCompleted,
	))
	c.registry.MustRegister(makeCounter(
		"handshake_failures_total",
		"Handshakes that reached the failed state.",
		&c.handshakeFailures,
	))
	c.registry.MustRegister(makeCounter(
		"auth_failures_total",
		"Rejected credential checks.",
		&c.authFailures,
	))
	c.registry.MustRegister(makeCounter(
		"cipher_anomalies_total",
		"Packets dropped by AEAD verification.",
		&c.cipherAnomalies,
	))
	c.registry.MustRegister(makeCounter(
		"broadcasts_total",
		"Room broadcast operations performed.",
		&c.broadcasts,
	))
	c.registry.MustRegister(makeCounter(
		"routing_misses_total",
		"Packets addressed to unknown sessions or rooms.",
		&c.routingMisses,
	))
	c.registry.MustRegister(makeCounter(
		"backpressure_drops_total",
		"Packets shed from full outbound queues.",
		&c.backpressureDrops,
	))
	c.registry.MustRegister(makeCounter(
		"transfers_started_total",
		"Accepted transfer announcements.",
		&c.transfersStarted,
	))
	c.registry.MustRegister(makeCounter(
		"transfers_completed_total",
		"Transfers finished with matching byte counts.",
		&c.transfersCompleted,
	))
	c.registry.MustRegister(makeCounter(
		"transfers_aborted_total",
		"Transfers that ended in an abort.",
		&c.transfersAborted,
	))
}

func rateFromBytes(bytes uint64, elapsed time.Duration) float64 {
	if bytes == 0 || elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}
