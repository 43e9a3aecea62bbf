package alert

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	defaultGenericTitle = "Alert"
	defaultSNSTitle     = "SNS Alert"

	// log batches without a matching line keep this many raw lines.
	logPreviewLines = 5

	// upper bound on a decompressed awslogs subscription payload.
	maxLogPayload = 4 << 20
)

// shape is the kind of payload recognized by the normalizer. Shapes are
// checked in declaration order and the first match wins.
type shape int

const (
	shapeEnvelope shape = iota
	shapeAlarm
	shapeLogBatch
	shapeGeneric
)

// logKeywords mark a log line as an error line.
var logKeywords = []string{"error", "exception", "fatal", "critical"}

// severityKeywords are checked in order; the first group with a hit wins.
var severityKeywords = []struct {
	severity Severity
	words    []string
}{
	{SeverityCritical, []string{"critical", "fatal", "emergency"}},
	{SeverityHigh, []string{"error", "exception", "failed"}},
	{SeverityMedium, []string{"warning", "warn"}},
}

var alarmStates = map[string]Severity{
	"ALARM":             SeverityHigh,
	"INSUFFICIENT_DATA": SeverityMedium,
	"OK":                SeverityLow,
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02 15:04:05",
}

type fields map[string]json.RawMessage

// Normalizer converts source-specific payloads into Alerts.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer returns a Normalizer stamping alerts with the wall clock.
func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// Normalize converts one payload into exactly one Alert. It returns a
// *MalformedInputError when the payload matches no known shape and carries
// no usable generic fields. The returned alert always has an ID and severity.
func (n *Normalizer) Normalize(raw []byte) (*Alert, error) {
	f, err := decodeObject(raw)
	if err != nil {
		return nil, malformed("payload is not a JSON object")
	}

	a, err := n.parse(detect(f), f)
	if err != nil {
		return nil, err
	}

	a.RawPayload = append(json.RawMessage(nil), raw...)
	a.ReceivedAt = n.now().UTC()
	if a.Severity == "" {
		a.Severity = SeverityMedium
	}
	a.ID = ID(a)
	if a.Timestamp.IsZero() {
		a.Timestamp = a.ReceivedAt
	}
	return a, nil
}

func (n *Normalizer) parse(s shape, f fields) (*Alert, error) {
	switch s {
	case shapeEnvelope:
		return n.parseEnvelope(f)
	case shapeAlarm:
		return parseAlarm(f)
	case shapeLogBatch:
		return parseLogBatch(f)
	default:
		return parseGeneric(f)
	}
}

func detect(f fields) shape {
	switch {
	case isEnvelope(f):
		return shapeEnvelope
	case has(f, "AlarmName"):
		return shapeAlarm
	case has(f, "logEvents"), has(f, "awslogs"):
		return shapeLogBatch
	default:
		return shapeGeneric
	}
}

type snsNotification struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	Subject   string `json:"Subject"`
	Message   string `json:"Message"`
	Timestamp string `json:"Timestamp"`
}

type snsEvent struct {
	Records []struct {
		EventSource string          `json:"EventSource"`
		SNS         snsNotification `json:"Sns"`
	} `json:"Records"`
}

// isEnvelope matches both the lambda-style SNS event and a bare SNS
// HTTP notification.
func isEnvelope(f fields) bool {
	if has(f, "Records") {
		var ev snsEvent
		if err := json.Unmarshal(mustObject(f), &ev); err == nil &&
			len(ev.Records) > 0 && ev.Records[0].EventSource == "aws:sns" {
			return true
		}
	}
	return stringField(f, "Type") == "Notification" && has(f, "Message")
}

func (n *Normalizer) parseEnvelope(f fields) (*Alert, error) {
	raw := mustObject(f)

	var note snsNotification
	if has(f, "Records") {
		var ev snsEvent
		if err := json.Unmarshal(raw, &ev); err != nil || len(ev.Records) == 0 {
			return nil, malformed("invalid sns event")
		}
		note = ev.Records[0].SNS
	} else if err := json.Unmarshal(raw, &note); err != nil {
		return nil, malformed("invalid sns notification")
	}

	inner, innerErr := decodeObject([]byte(note.Message))
	if innerErr == nil {
		if s := detect(inner); s == shapeAlarm || s == shapeLogBatch {
			return n.parse(s, inner)
		}
	}

	a := &Alert{
		Source:    SourceSNS,
		SourceID:  note.MessageID,
		Timestamp: parseTime(note.Timestamp),
	}
	if innerErr == nil {
		a.Title = firstNonEmpty(stringField(inner, "title"), stringField(inner, "subject"), note.Subject, defaultSNSTitle)
		a.Message = firstNonEmpty(stringField(inner, "message"), stringField(inner, "description"), note.Message)
		a.Severity = explicitSeverity(inner)
		if ts := timeField(inner, "timestamp"); !ts.IsZero() {
			a.Timestamp = ts
		}
	} else {
		a.Title = firstNonEmpty(note.Subject, defaultSNSTitle)
		a.Message = note.Message
	}
	if a.Severity == "" {
		a.Severity = InferSeverity(firstNonEmpty(a.Message, a.Title))
	}
	return a, nil
}

type alarmPayload struct {
	AlarmName        string `json:"AlarmName"`
	AlarmDescription string `json:"AlarmDescription"`
	NewStateValue    string `json:"NewStateValue"`
	NewStateReason   string `json:"NewStateReason"`
	StateChangeTime  string `json:"StateChangeTime"`
	Trigger          struct {
		MetricName string      `json:"MetricName"`
		Namespace  string      `json:"Namespace"`
		Dimensions []Dimension `json:"Dimensions"`
	} `json:"Trigger"`
}

func parseAlarm(f fields) (*Alert, error) {
	var p alarmPayload
	if err := json.Unmarshal(mustObject(f), &p); err != nil {
		return nil, malformed("invalid alarm state change: " + err.Error())
	}

	sev, ok := alarmStates[strings.ToUpper(p.NewStateValue)]
	if !ok {
		sev = SeverityMedium
	}

	return &Alert{
		Source:     SourceCloudWatchAlarm,
		SourceID:   p.AlarmName,
		Title:      "CloudWatch Alarm: " + p.AlarmName,
		Message:    firstNonEmpty(p.AlarmDescription, p.NewStateReason),
		Severity:   sev,
		Timestamp:  parseTime(p.StateChangeTime),
		MetricName: p.Trigger.MetricName,
		Namespace:  p.Trigger.Namespace,
		Dimensions: p.Trigger.Dimensions,
	}, nil
}

type logEvent struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

type logBatch struct {
	LogGroup  string     `json:"logGroup"`
	LogStream string     `json:"logStream"`
	LogEvents []logEvent `json:"logEvents"`
	AWSLogs   *struct {
		Data string `json:"data"`
	} `json:"awslogs"`
}

func parseLogBatch(f fields) (*Alert, error) {
	var b logBatch
	if err := json.Unmarshal(mustObject(f), &b); err != nil {
		return nil, malformed("invalid log batch: " + err.Error())
	}
	if b.AWSLogs != nil && len(b.LogEvents) == 0 {
		decoded, err := decodeSubscription(b.AWSLogs.Data)
		if err != nil {
			return nil, malformed(err.Error())
		}
		b = *decoded
	}

	var (
		matched []string
		preview []string
		latest  int64
	)
	for _, ev := range b.LogEvents {
		lower := strings.ToLower(ev.Message)
		for _, kw := range logKeywords {
			if strings.Contains(lower, kw) {
				matched = append(matched, ev.Message)
				break
			}
		}
		if len(preview) < logPreviewLines {
			preview = append(preview, ev.Message)
		}
		if ev.Timestamp > latest {
			latest = ev.Timestamp
		}
	}

	a := &Alert{
		Source:    SourceCloudWatchLogs,
		SourceID:  b.LogGroup,
		Title:     "Log Alert: " + b.LogGroup,
		Severity:  SeverityMedium,
		Message:   strings.Join(preview, "\n"),
		LogGroup:  b.LogGroup,
		LogStream: b.LogStream,
	}
	if len(matched) > 0 {
		a.Severity = SeverityHigh
		a.Message = strings.Join(matched, "\n")
	}
	if latest > 0 {
		a.Timestamp = time.UnixMilli(latest).UTC()
	}
	return a, nil
}

// decodeSubscription unpacks the base64 gzip body of a CloudWatch Logs
// subscription delivery.
func decodeSubscription(data string) (*logBatch, error) {
	compressed, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("awslogs data: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("awslogs data: %w", err)
	}
	defer func() { _ = zr.Close() }()

	body, err := io.ReadAll(io.LimitReader(zr, maxLogPayload))
	if err != nil {
		return nil, fmt.Errorf("awslogs data: %w", err)
	}
	var b logBatch
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("awslogs data: %w", err)
	}
	return &b, nil
}

func parseGeneric(f fields) (*Alert, error) {
	title := firstNonEmpty(stringField(f, "title"), stringField(f, "subject"))
	msg := firstNonEmpty(stringField(f, "message"), stringField(f, "description"))
	if title == "" && msg == "" {
		return nil, malformed("no title, subject, message or description field")
	}

	a := &Alert{
		Source:    SourceGeneric,
		SourceID:  firstNonEmpty(stringField(f, "id"), stringField(f, "alert_id")),
		Title:     firstNonEmpty(title, defaultGenericTitle),
		Message:   msg,
		Severity:  explicitSeverity(f),
		Timestamp: timeField(f, "timestamp"),
	}
	if a.Severity == "" {
		a.Severity = InferSeverity(firstNonEmpty(msg, title))
	}
	return a, nil
}

// InferSeverity scans text for severity keywords, most severe group first.
// Text with no keyword is MEDIUM.
func InferSeverity(text string) Severity {
	lower := strings.ToLower(text)
	for _, group := range severityKeywords {
		for _, w := range group.words {
			if strings.Contains(lower, w) {
				return group.severity
			}
		}
	}
	return SeverityMedium
}

func explicitSeverity(f fields) Severity {
	for _, key := range []string{"severity", "priority"} {
		if sev, ok := ParseSeverity(stringField(f, key)); ok {
			return sev
		}
	}
	return ""
}

func decodeObject(raw []byte) (fields, error) {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("null payload")
	}
	return f, nil
}

// mustObject re-encodes decoded fields. Marshaling a map of raw messages that
// were just decoded cannot fail.
func mustObject(f fields) json.RawMessage {
	b, _ := json.Marshal(f)
	return b
}

func has(f fields, key string) bool {
	_, ok := f[key]
	return ok
}

// stringField reads a string, number or bool field as text.
func stringField(f fields, key string) string {
	raw, ok := f[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b)
	}
	return ""
}

func timeField(f fields, key string) time.Time {
	raw, ok := f[key]
	if !ok {
		return time.Time{}
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return epoch(v)
		}
		return time.Time{}
	}
	return parseTime(stringField(f, key))
}

// epoch interprets large values as milliseconds.
func epoch(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return epoch(v)
	}
	return time.Time{}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
