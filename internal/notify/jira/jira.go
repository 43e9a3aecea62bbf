// Package jira opens an Incident issue for each report through the Jira REST
// API.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/responder/internal/alert"
	"github.com/linnemanlabs/responder/internal/analysis"
	"github.com/linnemanlabs/responder/internal/notify"
)

const (
	httpTimeout   = 10 * time.Second
	maxMessageLen = 1000
	maxComponents = 5
	issueType     = "Incident"
)

// Notifier creates Jira issues.
type Notifier struct {
	baseURL string
	token   string
	project string
	client  *http.Client
}

var _ notify.Channel = (*Notifier)(nil)

// New creates a Jira notifier for the given project key.
func New(baseURL, token, project string) *Notifier {
	return &Notifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		project: project,
		client:  &http.Client{Timeout: httpTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Name returns the channel key recorded in distribution status.
func (n *Notifier) Name() string { return "jira" }

type issue struct {
	Fields fields `json:"fields"`
}

type project struct {
	Key string `json:"key"`
}

type named struct {
	Name string `json:"name"`
}

type fields struct {
	Project     project  `json:"project"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	IssueType   named    `json:"issuetype"`
	Priority    named    `json:"priority"`
	Labels      []string `json:"labels"`
	Components  []named  `json:"components,omitempty"`
}

// Send creates one issue for the report. Jira rejects component names the
// project does not define, so a 400 on an issue with components is retried
// once without them; the description still lists them.
func (n *Notifier) Send(ctx context.Context, r *analysis.Report) error {
	if n.baseURL == "" || n.token == "" || n.project == "" {
		return fmt.Errorf("jira: configuration incomplete")
	}

	is := buildIssue(n.project, r)
	status, err := n.create(ctx, is)
	if status == http.StatusBadRequest && len(is.Fields.Components) > 0 {
		is.Fields.Components = nil
		_, err = n.create(ctx, is)
	}
	return err
}

// create posts one issue and returns the response status, 0 when no
// response was received.
func (n *Notifier) create(ctx context.Context, is issue) (int, error) {
	body, err := json.Marshal(is)
	if err != nil {
		return 0, fmt.Errorf("jira: marshal issue: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/rest/api/2/issue", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("jira: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.token)

	resp, err := n.client.Do(req) //nolint:gosec // G704: baseURL is from trusted config, not user input
	if err != nil {
		return 0, fmt.Errorf("jira: create issue: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("jira: create issue returned %d: %s", resp.StatusCode, string(respBody))
	}
	return resp.StatusCode, nil
}

func buildIssue(projectKey string, r *analysis.Report) issue {
	f := fields{
		Project:     project{Key: projectKey},
		Summary:     r.Alert.Title,
		Description: Description(r),
		IssueType:   named{Name: issueType},
		Priority:    named{Name: Priority(r.Alert.Severity, r.Analysis.RequiresImmediateAttention)},
		Labels: []string{
			"automated-alert",
			"severity-" + strings.ToLower(string(r.Alert.Severity)),
			string(r.Alert.Source),
		},
	}

	comps := r.Analysis.AffectedComponents
	if len(comps) > maxComponents {
		comps = comps[:maxComponents]
	}
	for _, c := range comps {
		f.Components = append(f.Components, named{Name: c})
	}
	return issue{Fields: f}
}

// Priority maps a severity to a Jira priority name. Urgent reports are
// always Highest.
func Priority(s alert.Severity, urgent bool) string {
	if urgent {
		return "Highest"
	}
	switch s {
	case alert.SeverityCritical:
		return "Highest"
	case alert.SeverityHigh:
		return "High"
	case alert.SeverityLow:
		return "Low"
	default:
		return "Medium"
	}
}

// Description renders the issue body in Jira wiki markup.
func Description(r *analysis.Report) string {
	var b strings.Builder
	summary := r.Analysis.Summary
	if summary == "" {
		summary = "Automated alert triggered"
	}

	fmt.Fprintf(&b, "h2. Incident Summary\n%s\n\n", summary)
	fmt.Fprintf(&b, "h3. Alert Details\n")
	fmt.Fprintf(&b, "* *Source:* %s\n", r.Alert.Source)
	fmt.Fprintf(&b, "* *Severity:* %s\n", r.Alert.Severity)
	fmt.Fprintf(&b, "* *Timestamp:* %s\n", notify.FormatTime(r.Alert.Timestamp))
	fmt.Fprintf(&b, "* *Alert ID:* %s\n\n", r.Alert.ID)

	if r.Analysis.RootCauseHypothesis != "" {
		fmt.Fprintf(&b, "h3. Root Cause Hypothesis\n%s\n\n", r.Analysis.RootCauseHypothesis)
	}
	if r.Analysis.ImpactAssessment != "" {
		fmt.Fprintf(&b, "h3. Impact Assessment\n%s\n\n", r.Analysis.ImpactAssessment)
	}
	if len(r.Analysis.AffectedComponents) > 0 {
		b.WriteString("h3. Affected Components\n")
		for _, c := range r.Analysis.AffectedComponents {
			fmt.Fprintf(&b, "* %s\n", c)
		}
		b.WriteString("\n")
	}
	if len(r.Analysis.RemediationSteps) > 0 {
		b.WriteString("h3. Remediation Steps\n")
		for _, s := range r.Analysis.RemediationSteps {
			fmt.Fprintf(&b, "# %s\n", s)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "h3. Alert Message\n{code}\n%s\n{code}", notify.Truncate(r.Alert.Message, maxMessageLen))
	return b.String()
}
