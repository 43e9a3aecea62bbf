// Package email sends incident reports through Amazon SES.
package email

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"io"
	"strings"
	texttemplate "text/template"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/linnemanlabs/responder/internal/analysis"
	"github.com/linnemanlabs/responder/internal/notify"
)

const maxMessageLen = 500

// API is the subset of the SES v2 client the notifier uses.
type API interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Notifier emails reports to a fixed recipient list.
type Notifier struct {
	api  API
	from string
	to   []string
}

var _ notify.Channel = (*Notifier)(nil)

// New creates an email notifier.
func New(api API, from string, to []string) *Notifier {
	return &Notifier{api: api, from: from, to: to}
}

// NewClient builds an SES v2 client from an AWS config.
func NewClient(cfg aws.Config) *sesv2.Client {
	return sesv2.NewFromConfig(cfg)
}

// Name returns the channel key recorded in distribution status.
func (n *Notifier) Name() string { return "email" }

// Send renders the report and sends one message to all recipients.
func (n *Notifier) Send(ctx context.Context, r *analysis.Report) error {
	if len(n.to) == 0 {
		return fmt.Errorf("email: no recipients configured")
	}

	v := newView(r)
	html, err := render(htmlTmpl, v)
	if err != nil {
		return fmt.Errorf("email: render html: %w", err)
	}
	text, err := render(textTmpl, v)
	if err != nil {
		return fmt.Errorf("email: render text: %w", err)
	}

	_, err = n.api.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(n.from),
		Destination:      &types.Destination{ToAddresses: n.to},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(Subject(r)), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(html), Charset: aws.String("UTF-8")},
					Text: &types.Content{Data: aws.String(text), Charset: aws.String("UTF-8")},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	return nil
}

// Subject returns "[SEVERITY] title".
func Subject(r *analysis.Report) string {
	return fmt.Sprintf("[%s] %s", r.Alert.Severity, r.Alert.Title)
}

type view struct {
	Title      string
	Severity   string
	Color      string
	Source     string
	Time       string
	ShortID    string
	Summary    string
	RootCause  string
	Impact     string
	Steps      []string
	Components string
	Message    string
	Urgent     bool
	Confidence string
	Origin     string
}

func newView(r *analysis.Report) view {
	return view{
		Title:      r.Alert.Title,
		Severity:   string(r.Alert.Severity),
		Color:      notify.SeverityColor(r.Alert.Severity),
		Source:     string(r.Alert.Source),
		Time:       notify.FormatTime(r.Alert.Timestamp),
		ShortID:    notify.ShortID(r.Alert.ID),
		Summary:    r.Analysis.Summary,
		RootCause:  r.Analysis.RootCauseHypothesis,
		Impact:     r.Analysis.ImpactAssessment,
		Steps:      r.Analysis.RemediationSteps,
		Components: strings.Join(r.Analysis.AffectedComponents, ", "),
		Message:    notify.Truncate(r.Alert.Message, maxMessageLen),
		Urgent:     r.Analysis.RequiresImmediateAttention,
		Confidence: string(r.Analysis.ConfidenceLevel),
		Origin:     string(r.Analysis.Origin),
	}
}

type templateExecutor interface {
	Execute(w io.Writer, data any) error
}

func render(t templateExecutor, v view) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var htmlTmpl = htmltemplate.Must(htmltemplate.New("html").Parse(`<html>
<head>
<style>
  body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
  .header { background-color: {{.Color}}; color: white; padding: 20px; }
  .urgent { background-color: #DC3545; color: white; padding: 10px; font-weight: bold; }
  .section { padding: 10px 20px; }
  .code { background-color: #f4f4f4; padding: 10px; border-left: 3px solid #007bff; white-space: pre-wrap; }
</style>
</head>
<body>
<div class="header"><h2>{{.Title}}</h2><p>Severity: {{.Severity}}</p></div>
{{if .Urgent}}<div class="urgent">IMMEDIATE ATTENTION REQUIRED</div>{{end}}
<div class="section">
  <p><strong>Source:</strong> {{.Source}}<br>
  <strong>Time:</strong> {{.Time}}<br>
  <strong>Alert ID:</strong> {{.ShortID}}</p>
</div>
<div class="section"><h3>Summary</h3><p>{{.Summary}}</p></div>
<div class="section"><h3>Root Cause</h3><p>{{.RootCause}}</p></div>
<div class="section"><h3>Impact</h3><p>{{.Impact}}</p></div>
<div class="section"><h3>Remediation</h3><ol>{{range .Steps}}<li>{{.}}</li>{{end}}</ol></div>
{{if .Components}}<div class="section"><h3>Affected Components</h3><p>{{.Components}}</p></div>{{end}}
<div class="section"><h3>Alert Message</h3><div class="code">{{.Message}}</div></div>
<div class="section"><small>Confidence: {{.Confidence}} ({{.Origin}})</small></div>
</body>
</html>
`))

var textTmpl = texttemplate.Must(texttemplate.New("text").Funcs(texttemplate.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(`{{if .Urgent}}*** IMMEDIATE ATTENTION REQUIRED ***

{{end}}{{.Title}}
Severity: {{.Severity}}
Source: {{.Source}}
Time: {{.Time}}
Alert ID: {{.ShortID}}

Summary:
{{.Summary}}

Root Cause:
{{.RootCause}}

Impact:
{{.Impact}}

Remediation:
{{range $i, $s := .Steps}}{{inc $i}}. {{$s}}
{{end}}{{if .Components}}
Affected Components: {{.Components}}
{{end}}
Alert Message:
{{.Message}}

Confidence: {{.Confidence}} ({{.Origin}})
`))
