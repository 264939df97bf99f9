package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter
	sessionsRejected     *prometheus.CounterVec // by reason

	// Broadcast metrics
	broadcastFanout   *prometheus.HistogramVec
	messagesBroadcast *prometheus.CounterVec
	broadcastDuration *prometheus.HistogramVec

	// Client command metrics
	commandsReceived *prometheus.CounterVec // by command

	// Federation metrics
	federationPeers    prometheus.Gauge
	federationSent     *prometheus.CounterVec // by message type
	federationReceived *prometheus.CounterVec // by message type
	federationDropped  prometheus.Counter
	handshakeFailures  prometheus.Counter
	livenessSweeps     prometheus.Counter
	peersEvicted       prometheus.Counter
}

// New creates the metrics and registers them with reg (the default registerer when nil)
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fedchat_active_sessions",
			Help: "Current number of active chat sessions",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedchat_sessions_created_total",
			Help: "Total number of sessions admitted",
		}),
		sessionsDisconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedchat_sessions_disconnected_total",
			Help: "Total number of sessions that left",
		}),
		sessionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedchat_sessions_rejected_total",
			Help: "Connections refused at admission by reason",
		}, []string{"reason"}),
		broadcastFanout: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fedchat_broadcast_fanout",
			Help:    "Number of clients that received each broadcast",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"origin"}), // "local" or "remote"
		messagesBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedchat_messages_broadcast_total",
			Help: "Total number of broadcasts (unique messages, not deliveries)",
		}, []string{"origin"}),
		broadcastDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fedchat_broadcast_duration_seconds",
			Help:    "Time taken to send a broadcast to every session",
			Buckets: prometheus.DefBuckets,
		}, []string{"origin"}),
		commandsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedchat_commands_received_total",
			Help: "Client lines received by command kind",
		}, []string{"command"}),
		federationPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fedchat_federation_peers",
			Help: "Current number of established peer servers",
		}),
		federationSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedchat_federation_messages_sent_total",
			Help: "Federation messages sent by type",
		}, []string{"type"}),
		federationReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedchat_federation_messages_received_total",
			Help: "Federation messages dispatched by type",
		}, []string{"type"}),
		federationDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedchat_federation_records_dropped_total",
			Help: "Malformed federation records dropped",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedchat_federation_handshake_failures_total",
			Help: "Failed federation handshakes (inbound and outbound)",
		}),
		livenessSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedchat_federation_sweeps_total",
			Help: "Liveness sweeps run by the dispatch loop",
		}),
		peersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedchat_federation_peers_evicted_total",
			Help: "Peers removed by the liveness sweep",
		}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionsCreated,
		m.sessionsDisconnected,
		m.sessionsRejected,
		m.broadcastFanout,
		m.messagesBroadcast,
		m.broadcastDuration,
		m.commandsReceived,
		m.federationPeers,
		m.federationSent,
		m.federationReceived,
		m.federationDropped,
		m.handshakeFailures,
		m.livenessSweeps,
		m.peersEvicted,
	)
	return m
}

// RecordActiveSessions updates the active session count
func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	if m == nil {
		return
	}
	m.sessionsDisconnected.Inc()
}

// RecordSessionRejected counts a refused admission ("full", "duplicate", "io")
func (m *Metrics) RecordSessionRejected(reason string) {
	if m == nil {
		return
	}
	m.sessionsRejected.WithLabelValues(reason).Inc()
}

// RecordBroadcast records one broadcast, how many sessions received it and how long it took
func (m *Metrics) RecordBroadcast(origin string, recipients int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.messagesBroadcast.WithLabelValues(origin).Inc()
	m.broadcastFanout.WithLabelValues(origin).Observe(float64(recipients))
	m.broadcastDuration.WithLabelValues(origin).Observe(durationSeconds)
}

// RecordCommand increments the counter for a client command kind
func (m *Metrics) RecordCommand(command string) {
	if m == nil {
		return
	}
	m.commandsReceived.WithLabelValues(command).Inc()
}

// RecordPeers updates the established peer count
func (m *Metrics) RecordPeers(count int) {
	if m == nil {
		return
	}
	m.federationPeers.Set(float64(count))
}

// RecordFederationSent increments the sent counter for a message type
func (m *Metrics) RecordFederationSent(messageType string) {
	if m == nil {
		return
	}
	m.federationSent.WithLabelValues(messageType).Inc()
}

// RecordFederationReceived increments the received counter for a message type
func (m *Metrics) RecordFederationReceived(messageType string) {
	if m == nil {
		return
	}
	m.federationReceived.WithLabelValues(messageType).Inc()
}

// RecordDroppedRecord counts a malformed record discarded by a peer reader
func (m *Metrics) RecordDroppedRecord() {
	if m == nil {
		return
	}
	m.federationDropped.Inc()
}

// RecordHandshakeFailure counts a failed handshake
func (m *Metrics) RecordHandshakeFailure() {
	if m == nil {
		return
	}
	m.handshakeFailures.Inc()
}

// RecordSweep counts a liveness sweep and the peers it evicted
func (m *Metrics) RecordSweep(evicted int) {
	if m == nil {
		return
	}
	m.livenessSweeps.Inc()
	m.peersEvicted.Add(float64(evicted))
}
