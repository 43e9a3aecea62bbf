package analysis

import (
	"time"

	"github.com/linnemanlabs/responder/internal/alert"
)

// Confidence is the analyst's confidence in a report.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Origin records which path produced a report.
type Origin string

const (
	// OriginLLM is a parsed structured model response
	OriginLLM Origin = "llm"

	// OriginDegraded is free text from the model with no JSON object in it
	OriginDegraded Origin = "degraded"

	// OriginFallback is synthesized from the alert alone
	OriginFallback Origin = "fallback"
)

// Result is a structured diagnostic report. It is immutable once produced.
type Result struct {
	Summary                    string     `json:"summary,omitempty"`
	SeverityAssessment         string     `json:"severity_assessment,omitempty"`
	RootCauseHypothesis        string     `json:"root_cause_hypothesis,omitempty"`
	ImpactAssessment           string     `json:"impact_assessment,omitempty"`
	AffectedComponents         []string   `json:"affected_components,omitempty"`
	RemediationSteps           []string   `json:"remediation_steps,omitempty"`
	MonitoringRecommendations  []string   `json:"monitoring_recommendations,omitempty"`
	RelatedDocumentation       []string   `json:"related_documentation,omitempty"`
	RequiresImmediateAttention bool       `json:"requires_immediate_attention"`
	ConfidenceLevel            Confidence `json:"confidence_level"`
	AnalysisText               string     `json:"analysis_text,omitempty"`
	Model                      string     `json:"model,omitempty"`
	Origin                     Origin     `json:"origin,omitempty"`
}

// CacheEntry is a cached Result keyed by error signature.
type CacheEntry struct {
	Analysis  *Result   `json:"analysis"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Frequency buckets how often a signature has been seen recently.
type Frequency string

const (
	FrequencyFirstOccurrence Frequency = "first_occurrence"
	FrequencyRare            Frequency = "rare"
	FrequencyOccasional      Frequency = "occasional"
	FrequencyFrequent        Frequency = "frequent"
	FrequencyVeryFrequent    Frequency = "very_frequent"
)

// HistoricalPattern aggregates prior alerts sharing a signature. It is
// recomputed for every analysis and never stored.
type HistoricalPattern struct {
	Occurrences int       `json:"occurrence_count"`
	FirstSeen   time.Time `json:"first_seen,omitzero"`
	LastSeen    time.Time `json:"last_seen,omitzero"`
	Frequency   Frequency `json:"frequency"`
}

// Context is the enrichment bundle consumed by the prompt builder.
type Context struct {
	SimilarAlerts []alert.Alert
	Logs          string
	Pattern       HistoricalPattern
}

// DistributionRecord is the per-channel dispatch outcome of one alert.
type DistributionRecord struct {
	Channels      map[string]bool `json:"channels"`
	DistributedAt time.Time       `json:"distributed_at"`
}

// Record is the durable alert+analysis row keyed by alert ID.
type Record struct {
	Alert                      alert.Alert         `json:"alert"`
	Analysis                   *Result             `json:"analysis"`
	ErrorSignature             string              `json:"error_signature"`
	RequiresImmediateAttention bool                `json:"requires_immediate_attention"`
	ProcessedAt                time.Time           `json:"processed_at"`
	Distribution               *DistributionRecord `json:"distribution,omitempty"`
}

// Report is the payload handed from analysis to distribution.
type Report struct {
	Alert    alert.Alert `json:"alert"`
	Analysis Result      `json:"analysis"`
}
