// Package metrics exposes the coordination core's Prometheus
// collectors (SPEC_FULL.md §4.13), grounded on the teacher's
// prometheus/common dependency.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the coordination core registers.
// Callers embed a *Metrics in whichever component needs to record an
// observation; New registers every collector on reg.
type Metrics struct {
	GossipReceived  prometheus.Counter
	GossipForwarded prometheus.Counter
	GossipDropped   prometheus.Counter

	TRLogAppended prometheus.Counter
	TRLogApplied  prometheus.Counter

	SyncJobsEnqueued prometheus.Counter
	SyncJobsCompleted prometheus.Counter

	DispatcherTimeouts prometheus.Counter

	ActiveSessions *prometheus.GaugeVec // labeled by role: "inbound"/"outbound"
}

// New creates and registers every collector on reg. Pass
// prometheus.NewRegistry() for an isolated test registry, or
// prometheus.DefaultRegisterer to expose on the process-wide /metrics
// endpoint.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GossipReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medved",
			Subsystem: "gossip",
			Name:      "messages_received_total",
			Help:      "Link-state gossip messages received.",
		}),
		GossipForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medved",
			Subsystem: "gossip",
			Name:      "messages_forwarded_total",
			Help:      "Link-state gossip messages forwarded to other peers.",
		}),
		GossipDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medved",
			Subsystem: "gossip",
			Name:      "messages_dropped_total",
			Help:      "Link-state gossip messages dropped by the seen-set.",
		}),
		TRLogAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medved",
			Subsystem: "trlog",
			Name:      "entries_appended_total",
			Help:      "Transaction-log entries appended across all origins.",
		}),
		TRLogApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medved",
			Subsystem: "trlog",
			Name:      "entries_applied_total",
			Help:      "Transaction-log entries applied to table state across all origins.",
		}),
		SyncJobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medved",
			Subsystem: "datasync",
			Name:      "jobs_enqueued_total",
			Help:      "Data synchronizer sync jobs enqueued.",
		}),
		SyncJobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medved",
			Subsystem: "datasync",
			Name:      "jobs_completed_total",
			Help:      "Data synchronizer sync jobs completed, successfully or not.",
		}),
		DispatcherTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medved",
			Subsystem: "dispatcher",
			Name:      "send_timeouts_total",
			Help:      "Dispatcher Send calls that failed with a timeout.",
		}),
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "medved",
			Subsystem: "session",
			Name:      "active",
			Help:      "Established peer sessions, by role.",
		}, []string{"role"}),
	}

	reg.MustRegister(
		m.GossipReceived,
		m.GossipForwarded,
		m.GossipDropped,
		m.TRLogAppended,
		m.TRLogApplied,
		m.SyncJobsEnqueued,
		m.SyncJobsCompleted,
		m.DispatcherTimeouts,
		m.ActiveSessions,
	)
	return m
}

// SessionEstablished increments the active-session gauge for role,
// which is "inbound" or "outbound".
func (m *Metrics) SessionEstablished(role string) {
	m.ActiveSessions.WithLabelValues(role).Inc()
}

// SessionClosed decrements the active-session gauge for role.
func (m *Metrics) SessionClosed(role string) {
	m.ActiveSessions.WithLabelValues(role).Dec()
}
