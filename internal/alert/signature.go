package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// idLen is the display length of alert IDs. Truncated IDs are not checked for
// collisions against stored records.
const idLen = 16

// ErrorType returns the text before the first colon of the first message line
// mentioning an Exception or Error, or "" if no line does.
func ErrorType(message string) string {
	for _, line := range strings.Split(message, "\n") {
		if !strings.Contains(line, "Exception") && !strings.Contains(line, "Error") {
			continue
		}
		before, _, _ := strings.Cut(line, ":")
		return strings.TrimSpace(before)
	}
	return ""
}

// Signature returns the grouping key of an alert over its source, title and
// extracted error type. It is used as the analysis cache key and for
// historical pattern lookups.
func Signature(a *Alert) string {
	return digest(string(a.Source), a.Title, ErrorType(a.Message))
}

// ID derives the stable alert identifier from source, source ID, title and
// the condition timestamp. A zero timestamp contributes an empty string.
func ID(a *Alert) string {
	return digest(string(a.Source), a.SourceID, a.Title, timestampKey(a.Timestamp))[:idLen]
}

func timestampKey(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func digest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
