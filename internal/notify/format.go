package notify

import (
	"time"

	"github.com/linnemanlabs/responder/internal/alert"
)

const shortIDLen = 12

// ShortID truncates an alert ID for display.
func ShortID(id string) string {
	if len(id) <= shortIDLen {
		return id
	}
	return id[:shortIDLen]
}

// FormatTime renders a timestamp for humans.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

// Truncate cuts s to at most limit runes, marking the cut with "...".
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

// SeverityColor returns the hex colour used for a severity across channels.
func SeverityColor(s alert.Severity) string {
	switch s {
	case alert.SeverityCritical:
		return "#DC3545"
	case alert.SeverityHigh:
		return "#FD7E14"
	case alert.SeverityMedium:
		return "#FFC107"
	case alert.SeverityLow:
		return "#28A745"
	default:
		return "#6C757D"
	}
}
