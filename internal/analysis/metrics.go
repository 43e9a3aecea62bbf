package analysis

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the analysis subsystem.
type Metrics struct {
	AnalysesTotal        *prometheus.CounterVec
	AnalysisDuration     *prometheus.HistogramVec
	CacheLookupsTotal    *prometheus.CounterVec
	CacheWritesTotal     *prometheus.CounterVec
	LLMCallsTotal        *prometheus.CounterVec
	LLMTokensIn          prometheus.Counter
	LLMTokensOut         prometheus.Counter
	LLMDuration          prometheus.Histogram
	EnrichmentDegraded   *prometheus.CounterVec
	PersistFailuresTotal prometheus.Counter
}

// NewMetrics registers and returns analysis metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "responder_analyses_total",
			Help: "Total analyses by the path that produced the report.",
		}, []string{"path"}),
		AnalysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "responder_analysis_duration_seconds",
			Help:    "Duration of analyses in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~82s
		}, []string{"path"}),
		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "responder_analysis_cache_lookups_total",
			Help: "Analysis cache lookups by result (hit, miss, stale, error).",
		}, []string{"result"}),
		CacheWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "responder_analysis_cache_writes_total",
			Help: "Analysis cache writes by outcome.",
		}, []string{"outcome"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "responder_llm_calls_total",
			Help: "Total LLM provider calls by outcome.",
		}, []string{"outcome"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "responder_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "responder_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "responder_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		EnrichmentDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "responder_enrichment_degraded_total",
			Help: "Context sources that failed and were replaced by empty values.",
		}, []string{"source"}),
		PersistFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "responder_persist_failures_total",
			Help: "Records that could not be stored.",
		}),
	}

	reg.MustRegister(
		m.AnalysesTotal,
		m.AnalysisDuration,
		m.CacheLookupsTotal,
		m.CacheWritesTotal,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.EnrichmentDegraded,
		m.PersistFailuresTotal,
	)

	return m
}

// Hooks returns EngineHooks that update the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnCacheLookup: func(result string) {
			m.CacheLookupsTotal.WithLabelValues(result).Inc()
		},
		OnCacheWrite: func(err error) {
			m.CacheWritesTotal.WithLabelValues(outcome(err)).Inc()
		},
		OnLLMCall: func(inputTokens, outputTokens int, duration float64, err error) {
			m.LLMCallsTotal.WithLabelValues(outcome(err)).Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(duration)
		},
		OnComplete: func(path string, duration float64) {
			m.AnalysesTotal.WithLabelValues(path).Inc()
			m.AnalysisDuration.WithLabelValues(path).Observe(duration)
		},
	}
}

// OnEnrichmentDegraded counts a context source that could not be read.
func (m *Metrics) OnEnrichmentDegraded(source string) {
	m.EnrichmentDegraded.WithLabelValues(source).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
