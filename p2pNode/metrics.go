package p2pnode

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsNamespace prefixes every metric exported by this package.
const MetricsNamespace = "relaychat"

// Metrics contains the collectors updated by nodes and sessions. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Number of sessions currently admitted.
	ActiveSessions prometheus.Gauge
	// Sessions opened, by role.
	SessionsOpened *prometheus.CounterVec
	// Streams turned away by admission control.
	SessionsRejected prometheus.Counter

	LinesReceived prometheus.Counter
	LinesSent     prometheus.Counter
	BytesReceived prometheus.Counter
	BytesSent     prometheus.Counter

	// Relay bind attempts, by result.
	RelayBinds *prometheus.CounterVec
	// Unix time at which the current relay binding expires.
	RelayBindingExpiry prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "active_sessions",
			Help:      "Number of chat sessions currently open.",
		}),
		SessionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "sessions_opened_total",
			Help:      "Chat sessions opened, by role.",
		}, []string{"role"}),
		SessionsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "sessions_rejected_total",
			Help:      "Incoming chat streams rejected by admission control.",
		}),
		LinesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "lines_received_total",
			Help:      "Lines printed from remote peers.",
		}),
		LinesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "lines_sent_total",
			Help:      "Console lines written to remote peers.",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "bytes_received_total",
			Help:      "Bytes read from chat streams.",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to chat streams.",
		}),
		RelayBinds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "relay_binds_total",
			Help:      "Relay bind attempts, by result.",
		}, []string{"result"}),
		RelayBindingExpiry: f.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "relay_binding_expiry_seconds",
			Help:      "Unix time at which the current relay binding expires.",
		}),
	}
}

func (m *Metrics) sessionOpened(r Role) {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionsOpened.WithLabelValues(r.String()).Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) sessionRejected() {
	if m == nil {
		return
	}
	m.SessionsRejected.Inc()
}

func (m *Metrics) received(n int) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(n))
}

func (m *Metrics) lineReceived() {
	if m == nil {
		return
	}
	m.LinesReceived.Inc()
}

func (m *Metrics) lineSent(n int) {
	if m == nil {
		return
	}
	m.LinesSent.Inc()
	m.BytesSent.Add(float64(n))
}

func (m *Metrics) relayBind(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.RelayBinds.WithLabelValues(result).Inc()
}

func (m *Metrics) bindingExpiry(t time.Time) {
	if m == nil {
		return
	}
	m.RelayBindingExpiry.Set(float64(t.Unix()))
}
