// Package alert defines the canonical alert record and the normalization of
// source-specific payloads into it.
package alert

import (
	"encoding/json"
	"strings"
	"time"
)

// Source identifies which kind of upstream produced an alert.
type Source string

const (
	SourceCloudWatchAlarm Source = "cloudwatch_alarm"
	SourceCloudWatchLogs  Source = "cloudwatch_logs"
	SourceSNS             Source = "sns"
	SourceGeneric         Source = "generic"
)

// Severity is the normalized alert severity.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// ParseSeverity maps a case-insensitive severity name onto a Severity.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical, true
	case SeverityHigh:
		return SeverityHigh, true
	case SeverityMedium:
		return SeverityMedium, true
	case SeverityLow:
		return SeverityLow, true
	}
	return "", false
}

// Urgent reports whether the severity warrants immediate attention by default.
func (s Severity) Urgent() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// Dimension is one name/value pair of an alarm's metric dimensions.
type Dimension struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Alert is the canonical normalized incident record.
type Alert struct {
	ID         string          `json:"alert_id"`
	Source     Source          `json:"source"`
	SourceID   string          `json:"source_id,omitempty"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Severity   Severity        `json:"severity"`
	Timestamp  time.Time       `json:"timestamp"`
	ReceivedAt time.Time       `json:"received_at"`
	LogGroup   string          `json:"log_group,omitempty"`
	LogStream  string          `json:"log_stream,omitempty"`
	MetricName string          `json:"metric_name,omitempty"`
	Namespace  string          `json:"namespace,omitempty"`
	Dimensions []Dimension     `json:"dimensions,omitempty"`
	RawPayload json.RawMessage `json:"raw_data,omitempty"`
}
