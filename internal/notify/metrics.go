package notify

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for channel dispatch.
type Metrics struct {
	DispatchesTotal  *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns dispatch metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "responder_notify_dispatches_total",
			Help: "Channel dispatches by channel and outcome.",
		}, []string{"channel", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "responder_notify_dispatch_duration_seconds",
			Help:    "Duration of channel dispatches in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
	}
	reg.MustRegister(m.DispatchesTotal, m.DispatchDuration)
	return m
}

func (m *Metrics) observe(channel string, err error, seconds float64) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.DispatchesTotal.WithLabelValues(channel, outcome).Inc()
	m.DispatchDuration.WithLabelValues(channel).Observe(seconds)
}
