// Package slack sends incident reports to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/responder/internal/alert"
	"github.com/linnemanlabs/responder/internal/analysis"
	"github.com/linnemanlabs/responder/internal/notify"
)

const (
	maxSectionLen = 2900
	httpTimeout   = 10 * time.Second
)

// Notifier sends reports to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

var _ notify.Channel = (*Notifier)(nil)

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Name returns the channel key recorded in distribution status.
func (n *Notifier) Name() string { return "slack" }

// Send posts a report to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, r *analysis.Report) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(r))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(r *analysis.Report) map[string]any {
	blocks := []map[string]any{
		headerBlock(r),
		fieldsBlock(r),
		textSection("Summary", r.Analysis.Summary),
		textSection("Root Cause", r.Analysis.RootCauseHypothesis),
		textSection("Impact", r.Analysis.ImpactAssessment),
		textSection("Remediation", numbered(r.Analysis.RemediationSteps)),
	}
	if len(r.Analysis.AffectedComponents) > 0 {
		blocks = append(blocks, textSection("Affected Components", strings.Join(r.Analysis.AffectedComponents, ", ")))
	}
	blocks = append(blocks,
		map[string]any{"type": "divider"},
		actionsBlock(r),
		contextBlock(r),
	)

	text := "Alert: " + r.Alert.Title
	if r.Analysis.RequiresImmediateAttention {
		text = "<!channel> IMMEDIATE ATTENTION REQUIRED: " + r.Alert.Title
	}

	return map[string]any{
		"text":   text,
		"blocks": blocks,
		"attachments": []map[string]any{{
			"color":    notify.SeverityColor(r.Alert.Severity),
			"fallback": text,
		}},
	}
}

func headerBlock(r *analysis.Report) map[string]any {
	title := r.Alert.Title
	if title == "" {
		title = "Alert"
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type":  "plain_text",
			"text":  notify.Truncate(severityEmoji(r.Alert.Severity)+" "+title, 150),
			"emoji": true,
		},
	}
}

func fieldsBlock(r *analysis.Report) map[string]any {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:*\n%s", r.Alert.Severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Source:*\n%s", r.Alert.Source)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Time:*\n%s", notify.FormatTime(r.Alert.Timestamp))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Alert ID:*\n`%s`", notify.ShortID(r.Alert.ID))},
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func textSection(label, body string) map[string]any {
	if body == "" {
		body = "_Not available._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s:*\n%s", label, notify.Truncate(body, maxSectionLen)),
		},
	}
}

func actionsBlock(r *analysis.Report) map[string]any {
	elements := []map[string]any{button("Acknowledge", "primary", r.Alert.ID)}
	if r.Analysis.RequiresImmediateAttention {
		elements = append(elements, button("Escalate", "danger", r.Alert.ID))
	}
	return map[string]any{
		"type":     "actions",
		"elements": elements,
	}
}

func button(text, style, value string) map[string]any {
	return map[string]any{
		"type":  "button",
		"text":  map[string]any{"type": "plain_text", "text": text},
		"style": style,
		"value": value,
	}
}

func contextBlock(r *analysis.Report) map[string]any {
	parts := []string{"responder", string(r.Analysis.Origin)}
	if r.Analysis.Model != "" {
		parts = append(parts, shortModel(r.Analysis.Model))
	}
	parts = append(parts, fmt.Sprintf("confidence %s", r.Analysis.ConfidenceLevel))
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": strings.Join(parts, " • ")},
		},
	}
}

func numbered(steps []string) string {
	var b strings.Builder
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return strings.TrimRight(b.String(), "\n")
}

func severityEmoji(s alert.Severity) string {
	switch s {
	case alert.SeverityCritical:
		return ":rotating_light:"
	case alert.SeverityHigh:
		return ":warning:"
	case alert.SeverityMedium:
		return ":large_orange_diamond:"
	case alert.SeverityLow:
		return ":information_source:"
	default:
		return ":question:"
	}
}

// dateModelRe matches model names ending with a YYYYMMDD date suffix.
var dateModelRe = regexp.MustCompile(`-\d{8}$`)

func shortModel(model string) string {
	return dateModelRe.ReplaceAllString(model, "")
}
