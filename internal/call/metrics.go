package call

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the call counters exported on /metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	started *prometheus.CounterVec
	ended   *prometheus.CounterVec
	dropped *prometheus.CounterVec
	busy    prometheus.Counter
	inCall  prometheus.Gauge
}

// NewMetrics registers the call collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapcall",
			Name:      "calls_started_total",
			Help:      "Calls that entered calling or ringing, by media and role.",
		}, []string{"media", "role"}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapcall",
			Name:      "calls_ended_total",
			Help:      "Calls that reached a terminal state, by reason.",
		}, []string{"reason"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapcall",
			Name:      "signaling_events_dropped_total",
			Help:      "Inbound signaling events discarded as stale or out of order.",
		}, []string{"event"}),
		busy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swapcall",
			Name:      "busy_replies_total",
			Help:      "Incoming offers answered with call:busy.",
		}),
		inCall: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swapcall",
			Name:      "call_in_progress",
			Help:      "1 while a call session exists.",
		}),
	}
	reg.MustRegister(m.started, m.ended, m.dropped, m.busy, m.inCall)
	return m
}

func (m *Metrics) callStarted(media Media, role Role) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(media.String(), role.String()).Inc()
	m.inCall.Set(1)
}

func (m *Metrics) callEnded(reason string) {
	if m == nil {
		return
	}
	m.ended.WithLabelValues(reason).Inc()
	m.inCall.Set(0)
}

func (m *Metrics) eventDropped(event string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(event).Inc()
}

func (m *Metrics) busyReply() {
	if m == nil {
		return
	}
	m.busy.Inc()
}
