package termsocket

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for terminal connections.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	framesReceived *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
	attempts       prometheus.Counter
	reconnects     prometheus.Counter
	authFailures   prometheus.Counter
	replacements   prometheus.Counter
	open           prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termsocket",
			Name:      "frames_received_total",
			Help:      "Frames received from the server, by tag.",
		}, []string{"tag"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termsocket",
			Name:      "frames_sent_total",
			Help:      "Frames sent to the server, by tag.",
		}, []string{"tag"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "termsocket",
			Name:      "connect_attempts_total",
			Help:      "Websocket connection attempts.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "termsocket",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect timers scheduled after a close.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "termsocket",
			Name:      "auth_failures_total",
			Help:      "Connections closed because the server rejected the token.",
		}),
		replacements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "termsocket",
			Name:      "replacement_characters_total",
			Help:      "Replacement characters emitted for malformed output bytes.",
		}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "termsocket",
			Name:      "connection_open",
			Help:      "1 while the websocket is open.",
		}),
	}

	reg.MustRegister(
		m.framesReceived,
		m.framesSent,
		m.attempts,
		m.reconnects,
		m.authFailures,
		m.replacements,
		m.open,
	)
	return m
}

func (m *Metrics) frameReceived(tag Tag) {
	if m != nil {
		m.framesReceived.WithLabelValues(string(rune(tag))).Inc()
	}
}

func (m *Metrics) frameSent(tag Tag) {
	if m != nil {
		m.framesSent.WithLabelValues(string(rune(tag))).Inc()
	}
}

func (m *Metrics) attempt() {
	if m != nil {
		m.attempts.Inc()
	}
}

func (m *Metrics) reconnectScheduled() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) authFailed() {
	if m != nil {
		m.authFailures.Inc()
	}
}

func (m *Metrics) replaced(n int) {
	if m != nil && n > 0 {
		m.replacements.Add(float64(n))
	}
}

func (m *Metrics) setOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.open.Set(1)
	} else {
		m.open.Set(0)
	}
}
