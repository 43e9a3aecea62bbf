package queue

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts queue traffic per queue name.
type Metrics struct {
	PublishedTotal *prometheus.CounterVec
	ConsumedTotal  *prometheus.CounterVec
}

// NewMetrics registers and returns queue metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "responder_queue_published_total",
			Help: "Messages published by queue and outcome.",
		}, []string{"queue", "outcome"}),
		ConsumedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "responder_queue_consumed_total",
			Help: "Messages consumed by queue and delivery outcome (acked, dropped, failed).",
		}, []string{"queue", "outcome"}),
	}
	reg.MustRegister(m.PublishedTotal, m.ConsumedTotal)
	return m
}

// Published records a publish attempt. Safe on a nil receiver.
func (m *Metrics) Published(queue string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.PublishedTotal.WithLabelValues(queue, outcome).Inc()
}

// Consumed records a delivery outcome. Safe on a nil receiver.
func (m *Metrics) Consumed(queue, outcome string) {
	if m == nil {
		return
	}
	m.ConsumedTotal.WithLabelValues(queue, outcome).Inc()
}
