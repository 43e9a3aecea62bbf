package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
)

const degradedSummaryChars = 200

// ParseResponse extracts the report from raw model output. The substring from
// the first '{' to the last '}' is decoded as the report. Output without
// braces yields a degraded report built from the text itself. A brace-bearing
// response that does not decode returns ErrAnalysisUnavailable.
func ParseResponse(text string) (*Result, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return degraded(text), nil
	}

	var r Result
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrAnalysisUnavailable, err)
	}

	switch c := Confidence(strings.ToUpper(strings.TrimSpace(string(r.ConfidenceLevel)))); c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		r.ConfidenceLevel = c
	default:
		r.ConfidenceLevel = ConfidenceLow
	}
	r.Origin = OriginLLM
	return &r, nil
}

func degraded(text string) *Result {
	return &Result{
		Summary:                    truncateRunes(strings.TrimSpace(text), degradedSummaryChars),
		AnalysisText:               text,
		RequiresImmediateAttention: strings.Contains(strings.ToLower(text), "critical"),
		RemediationSteps:           genericRemediation(),
		ConfidenceLevel:            ConfidenceLow,
		Origin:                     OriginDegraded,
	}
}
