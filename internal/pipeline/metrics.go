package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the pipeline stages.
type Metrics struct {
	AlertsReceivedTotal *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "responder_alerts_received_total",
			Help: "Inbound alerts by source and outcome (accepted, malformed, publish_error).",
		}, []string{"source", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "responder_stage_duration_seconds",
			Help:    "Handler duration per pipeline stage in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 15), // 5ms .. ~82s
		}, []string{"stage", "outcome"}),
	}

	reg.MustRegister(m.AlertsReceivedTotal, m.StageDuration)
	return m
}

func (m *Metrics) received(source, outcome string) {
	if m == nil {
		return
	}
	m.AlertsReceivedTotal.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) stage(stage string, err error, seconds float64) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.StageDuration.WithLabelValues(stage, outcome).Observe(seconds)
}
