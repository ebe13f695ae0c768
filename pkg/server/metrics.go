package server

import (
	"time"

	"github.com/ocremote/ochub/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the hub
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	activeConnections   prometheus.Gauge
	connectionsOpened   prometheus.Counter
	connectionsClosed   prometheus.Counter
	connectionsRejected prometheus.Counter
	connectionLifetime  prometheus.Histogram
	acceptErrors        prometheus.Counter

	// Message type metrics
	messagesReceived  *prometheus.CounterVec // by opcode
	messagesSent      *prometheus.CounterVec // by opcode
	messagesForwarded *prometheus.CounterVec // by opcode

	// Session metrics
	handshakes  *prometheus.CounterVec // by status
	pairings    *prometheus.CounterVec // by status
	activePairs prometheus.Gauge

	// Failure metrics
	protocolErrors      prometheus.Counter
	readOverflows       prometheus.Counter
	writeBufferExceeded prometheus.Counter

	// Traffic metrics
	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter
}

// NewMetrics creates the hub metrics on their own registry, so several
// servers can live in one process
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ochub_active_connections",
				Help: "Current number of registered connections",
			},
		),
		connectionsOpened: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ochub_connections_opened_total",
				Help: "Total number of accepted connections",
			},
		),
		connectionsClosed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ochub_connections_closed_total",
				Help: "Total number of reaped connections",
			},
		),
		connectionsRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ochub_connections_rejected_total",
				Help: "Total number of accepted sockets dropped because the registry was full",
			},
		),
		connectionLifetime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ochub_connection_lifetime_seconds",
				Help:    "Time between accept and reap",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
		),
		acceptErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ochub_accept_errors_total",
				Help: "Total number of failed accept calls",
			},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ochub_messages_received_total",
				Help: "Total number of messages received from clients by opcode",
			},
			[]string{"opcode"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ochub_messages_sent_total",
				Help: "Total number of messages queued to clients by opcode",
			},
			[]string{"opcode"},
		),
		messagesForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ochub_messages_forwarded_total",
				Help: "Total number of pair messages relayed between partners by opcode",
			},
			[]string{"opcode"},
		),
		handshakes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ochub_handshakes_total",
				Help: "Total number of handshakes by result",
			},
			[]string{"status"},
		),
		pairings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ochub_pairings_total",
				Help: "Total number of pairing requests by result",
			},
			[]string{"status"},
		),
		activePairs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ochub_active_pairs",
				Help: "Current number of paired connection couples",
			},
		),
		protocolErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ochub_protocol_errors_total",
				Help: "Total number of connections closed for a decode error or protocol violation",
			},
		),
		readOverflows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ochub_read_overflows_total",
				Help: "Total number of read buffer overflows",
			},
		),
		writeBufferExceeded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ochub_write_buffer_exceeded_total",
				Help: "Total number of connections dropped for exceeding max_write_buffer",
			},
		),
		bytesRead: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ochub_read_bytes_total",
				Help: "Total bytes read from client sockets",
			},
		),
		bytesWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ochub_written_bytes_total",
				Help: "Total bytes written to client sockets",
			},
		),
	}
}

// Registry returns the Prometheus registry the metrics live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordConnectionOpened counts an accepted connection
func (m *Metrics) RecordConnectionOpened(active int) {
	m.connectionsOpened.Inc()
	m.activeConnections.Set(float64(active))
}

// RecordConnectionClosed counts a reaped connection
func (m *Metrics) RecordConnectionClosed(active int, lifetime time.Duration) {
	m.connectionsClosed.Inc()
	m.activeConnections.Set(float64(active))
	m.connectionLifetime.Observe(lifetime.Seconds())
}

func (m *Metrics) RecordRejected() {
	m.connectionsRejected.Inc()
}

func (m *Metrics) RecordAcceptError() {
	m.acceptErrors.Inc()
}

// RecordMessageReceived increments the message received counter for an opcode
func (m *Metrics) RecordMessageReceived(op protocol.Opcode) {
	m.messagesReceived.WithLabelValues(op.String()).Inc()
}

// RecordMessageSent increments the message sent counter for an opcode
func (m *Metrics) RecordMessageSent(op protocol.Opcode) {
	m.messagesSent.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) RecordForwarded(op protocol.Opcode) {
	m.messagesForwarded.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) RecordHandshake(status protocol.HandshakeStatus) {
	m.handshakes.WithLabelValues(status.String()).Inc()
}

func (m *Metrics) RecordPairing(status protocol.ConnectionStatus) {
	m.pairings.WithLabelValues(status.String()).Inc()
}

func (m *Metrics) RecordPairs(active int64) {
	m.activePairs.Set(float64(active))
}

func (m *Metrics) RecordProtocolError() {
	m.protocolErrors.Inc()
}

func (m *Metrics) RecordOverflow() {
	m.readOverflows.Inc()
}

func (m *Metrics) RecordWriteBufferExceeded() {
	m.writeBufferExceeded.Inc()
}

func (m *Metrics) RecordBytesRead(n int) {
	m.bytesRead.Add(float64(n))
}

func (m *Metrics) RecordBytesWritten(n int) {
	m.bytesWritten.Add(float64(n))
}
