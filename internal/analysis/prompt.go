package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/responder/internal/alert"
)

const (
	maxPromptLogChars = 2000
	maxPromptRawChars = 1000
)

const systemPrompt = `You are an incident analyst for production infrastructure. You receive one alert
together with whatever context could be collected and you write a short, technical incident report
that helps an on-call engineer act quickly.

Respond with a single JSON object and nothing else, using exactly these fields:

{
  "summary": "one line describing the problem",
  "severity_assessment": "CRITICAL, HIGH, MEDIUM or LOW, followed by a short justification",
  "root_cause_hypothesis": "the most likely cause given the evidence",
  "affected_components": ["services or resources involved"],
  "impact_assessment": "technical and user-facing impact",
  "remediation_steps": ["ordered steps, most urgent first"],
  "monitoring_recommendations": ["metrics or logs to watch"],
  "related_documentation": ["runbooks or references"],
  "confidence_level": "HIGH, MEDIUM or LOW",
  "requires_immediate_attention": true
}

Prefer concrete commands and resource names over general advice.`

// SystemPrompt returns the fixed instruction sent with every analysis request.
func SystemPrompt() string { return systemPrompt }

// BuildPrompt renders the user prompt for one alert and its context.
func BuildPrompt(a *alert.Alert, c Context) string {
	var b strings.Builder

	b.WriteString("Analyze the following production alert and produce the incident report.\n\n")
	fmt.Fprintf(&b, "Source: %s\n", a.Source)
	fmt.Fprintf(&b, "Title: %s\n", a.Title)
	fmt.Fprintf(&b, "Severity: %s\n", a.Severity)
	fmt.Fprintf(&b, "Timestamp: %s\n", a.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "\nMessage:\n%s\n", a.Message)

	if c.Logs != "" {
		fmt.Fprintf(&b, "\nRecent Log Entries:\n%s\n", truncateRunes(c.Logs, maxPromptLogChars))
	}

	b.WriteString("\nHistorical Pattern:\n")
	fmt.Fprintf(&b, "- Occurrences in the past 7 days: %d\n", c.Pattern.Occurrences)
	fmt.Fprintf(&b, "- Frequency: %s\n", c.Pattern.Frequency)
	if !c.Pattern.FirstSeen.IsZero() {
		fmt.Fprintf(&b, "- First seen: %s\n", c.Pattern.FirstSeen.UTC().Format(time.RFC3339))
		fmt.Fprintf(&b, "- Last seen: %s\n", c.Pattern.LastSeen.UTC().Format(time.RFC3339))
	}

	if n := len(c.SimilarAlerts); n > 0 {
		fmt.Fprintf(&b, "\nSimilar Alerts (past 24h): %d\n", n)
	}

	if raw := renderRaw(a.RawPayload); raw != "" {
		fmt.Fprintf(&b, "\nRaw Alert Data:\n%s\n", truncateRunes(raw, maxPromptRawChars))
	}

	b.WriteString("\nReturn the report as the JSON object described in your instructions.")
	return b.String()
}

func renderRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
