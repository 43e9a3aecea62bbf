package analysis

import "github.com/linnemanlabs/responder/internal/alert"

const fallbackImpact = "Automated analysis unavailable"

func genericRemediation() []string {
	return []string{
		"Review alert details",
		"Check related logs and metrics",
		"Investigate affected service",
	}
}

// Fallback builds the deterministic report used when no model analysis is
// available. It depends on the alert alone.
func Fallback(a *alert.Alert) *Result {
	return &Result{
		Summary:                    "Alert: " + a.Title,
		SeverityAssessment:         string(a.Severity),
		ImpactAssessment:           fallbackImpact,
		RemediationSteps:           genericRemediation(),
		RequiresImmediateAttention: a.Severity.Urgent(),
		ConfidenceLevel:            ConfidenceLow,
		Origin:                     OriginFallback,
	}
}
