package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/responder/internal/alert"
	"github.com/linnemanlabs/responder/internal/analysis"
	"github.com/linnemanlabs/responder/internal/analysis/memcache"
	"github.com/linnemanlabs/responder/internal/analysis/memstore"
	"github.com/linnemanlabs/responder/internal/notify"
	"github.com/linnemanlabs/responder/internal/queue"
	"github.com/linnemanlabs/responder/internal/queue/memq"
)

const alarmPayload = `{"AlarmName":"HighCPU","NewStateValue":"ALARM","StateChangeTime":"2024-01-01T00:00:00Z"}`

type capturePublisher struct {
	mu   sync.Mutex
	msgs []*queue.Message
	err  error
}

func (p *capturePublisher) Publish(_ context.Context, m *queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type stubProcessor struct {
	report *analysis.Report
	err    error
	calls  int
}

func (s *stubProcessor) Process(_ context.Context, a *alert.Alert) (*analysis.Report, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.report != nil {
		return s.report, nil
	}
	return &analysis.Report{Alert: *a, Analysis: analysis.Result{RequiresImmediateAttention: true}}, nil
}

type stubDispatcher struct {
	got *analysis.Report
}

func (s *stubDispatcher) Distribute(_ context.Context, r *analysis.Report) *analysis.DistributionRecord {
	s.got = r
	return &analysis.DistributionRecord{Channels: map[string]bool{"slack": true, "jira": false}}
}

func TestReception_PublishesAlert(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	m := NewMetrics(prometheus.NewRegistry())
	r := NewReception(alert.NewNormalizer(), pub, log.Nop(), m)

	a, err := r.Receive(context.Background(), []byte(alarmPayload))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.msgs))
	}
	msg := pub.msgs[0]
	if msg.Key != a.ID {
		t.Errorf("Key = %q, want alert id %q", msg.Key, a.ID)
	}
	if msg.Attributes[queue.AttrSeverity] != string(alert.SeverityHigh) {
		t.Errorf("severity attribute = %q, want HIGH", msg.Attributes[queue.AttrSeverity])
	}

	var decoded alert.Alert
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.ID != a.ID || decoded.Title != "CloudWatch Alarm: HighCPU" {
		t.Errorf("decoded = %+v", decoded)
	}
	if got := testutil.ToFloat64(m.AlertsReceivedTotal.WithLabelValues("cloudwatch_alarm", "accepted")); got != 1 {
		t.Errorf("accepted count = %v, want 1", got)
	}
}

func TestReception_SameIDOnRedelivery(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	r := NewReception(alert.NewNormalizer(), pub, nil, nil)

	a1, err := r.Receive(context.Background(), []byte(alarmPayload))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	a2, err := r.Receive(context.Background(), []byte(alarmPayload))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if a1.ID != a2.ID {
		t.Errorf("ids differ across identical payloads: %q vs %q", a1.ID, a2.ID)
	}
}

func TestReception_Malformed(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	m := NewMetrics(prometheus.NewRegistry())
	r := NewReception(alert.NewNormalizer(), pub, nil, m)

	_, err := r.Receive(context.Background(), []byte(`not json`))
	if !errors.Is(err, alert.ErrMalformedInput) {
		t.Fatalf("err = %v, want ErrMalformedInput", err)
	}
	if len(pub.msgs) != 0 {
		t.Error("malformed alert was published")
	}
	if got := testutil.ToFloat64(m.AlertsReceivedTotal.WithLabelValues("unknown", "malformed")); got != 1 {
		t.Errorf("malformed count = %v, want 1", got)
	}
}

func TestReception_PublishError(t *testing.T) {
	t.Parallel()

	boom := errors.New("broker down")
	r := NewReception(alert.NewNormalizer(), &capturePublisher{err: boom}, nil, nil)

	_, err := r.Receive(context.Background(), []byte(alarmPayload))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	if errors.Is(err, alert.ErrMalformedInput) {
		t.Error("publish failure reported as malformed input")
	}
}

func encodedAlert(t *testing.T) *queue.Message {
	t.Helper()
	a, err := alert.NewNormalizer().Normalize([]byte(alarmPayload))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	body, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return queue.NewMessage(a.ID, body, nil)
}

func TestAnalyzer_PublishesReport(t *testing.T) {
	t.Parallel()

	out := &capturePublisher{}
	h := NewAnalyzer(&stubProcessor{}, out, nil, nil)

	in := encodedAlert(t)
	if err := h.Handle(context.Background(), in); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(out.msgs) != 1 {
		t.Fatalf("published %d reports, want 1", len(out.msgs))
	}
	m := out.msgs[0]
	if m.Key != in.Key {
		t.Errorf("Key = %q, want %q", m.Key, in.Key)
	}
	if m.Attributes[queue.AttrImmediateAttention] != "true" {
		t.Errorf("immediate_attention = %q, want true", m.Attributes[queue.AttrImmediateAttention])
	}
	if m.Attributes[queue.AttrSeverity] != "HIGH" {
		t.Errorf("severity = %q, want HIGH", m.Attributes[queue.AttrSeverity])
	}
}

func TestAnalyzer_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		msg       func(*testing.T) *queue.Message
		proc      *stubProcessor
		pub       *capturePublisher
		permanent bool
	}{
		{
			name:      "undecodable body",
			msg:       func(*testing.T) *queue.Message { return queue.NewMessage("k", []byte("{"), nil) },
			proc:      &stubProcessor{},
			pub:       &capturePublisher{},
			permanent: true,
		},
		{
			name:      "missing alert id",
			msg:       func(*testing.T) *queue.Message { return queue.NewMessage("k", []byte(`{"title":"x"}`), nil) },
			proc:      &stubProcessor{},
			pub:       &capturePublisher{},
			permanent: true,
		},
		{
			name: "persistence failure retried",
			msg:  encodedAlert,
			proc: &stubProcessor{err: &analysis.PersistenceError{AlertID: "x", Err: errors.New("db down")}},
			pub:  &capturePublisher{},
		},
		{
			name: "publish failure retried",
			msg:  encodedAlert,
			proc: &stubProcessor{},
			pub:  &capturePublisher{err: errors.New("broker down")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := NewAnalyzer(tt.proc, tt.pub, nil, nil).Handle(context.Background(), tt.msg(t))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := queue.IsPermanent(err); got != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v (err %v)", got, tt.permanent, err)
			}
			if len(tt.pub.msgs) != 0 {
				t.Error("report published despite error")
			}
		})
	}
}

func TestDistributor_Handle(t *testing.T) {
	t.Parallel()

	d := &stubDispatcher{}
	h := NewDistributor(d, nil, nil)

	body, _ := json.Marshal(analysis.Report{Alert: alert.Alert{ID: "a-1"}, Analysis: analysis.Result{Summary: "s"}})
	if err := h.Handle(context.Background(), queue.NewMessage("a-1", body, nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if d.got == nil || d.got.Alert.ID != "a-1" || d.got.Analysis.Summary != "s" {
		t.Errorf("dispatched = %+v", d.got)
	}

	err := h.Handle(context.Background(), queue.NewMessage("a-2", []byte("nope"), nil))
	if !queue.IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}

type signalChannel struct {
	name string
	fail bool
	sent chan *analysis.Report
}

func (c *signalChannel) Name() string { return c.name }

func (c *signalChannel) Send(_ context.Context, r *analysis.Report) error {
	c.sent <- r
	if c.fail {
		return errors.New("channel down")
	}
	return nil
}

func TestPipeline_EndToEnd(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy := queue.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxElapsed: 10 * time.Millisecond}
	processQ := memq.New("process", 8, nil, nil, policy)
	distQ := memq.New("distribute", 8, nil, nil, policy)
	defer func() { _ = processQ.Close() }()
	defer func() { _ = distQ.Close() }()

	store := memstore.New()
	engine := analysis.NewEngine(memcache.New(), nil, nil, nil, analysis.EngineHooks{})
	svc := analysis.NewService(store, engine, nil, nil)

	slack := &signalChannel{name: "slack", sent: make(chan *analysis.Report, 1)}
	email := &signalChannel{name: "email", sent: make(chan *analysis.Report, 1)}
	jira := &signalChannel{name: "jira", fail: true, sent: make(chan *analysis.Report, 1)}
	coord := notify.NewCoordinator([]notify.Channel{slack, email, jira}, store, nil, nil)

	go func() { _ = processQ.Consume(ctx, NewAnalyzer(svc, distQ, nil, nil).Handle) }()
	go func() { _ = distQ.Consume(ctx, NewDistributor(coord, nil, nil).Handle) }()

	a, err := NewReception(alert.NewNormalizer(), processQ, nil, nil).Receive(ctx, []byte(alarmPayload))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	var report *analysis.Report
	select {
	case report = <-slack.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("report never reached slack")
	}
	if report.Alert.ID != a.ID {
		t.Errorf("report alert id = %q, want %q", report.Alert.ID, a.ID)
	}
	if report.Analysis.ConfidenceLevel != analysis.ConfidenceLow || !report.Analysis.RequiresImmediateAttention {
		t.Errorf("analysis = %+v, want LOW confidence fallback needing attention", report.Analysis)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, ok, err := store.Get(ctx, a.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok && rec.Distribution != nil {
			ch := rec.Distribution.Channels
			if len(ch) != 3 || !ch["slack"] || !ch["email"] || ch["jira"] {
				t.Errorf("channels = %v, want slack and email true, jira false", ch)
			}
			if rec.ErrorSignature == "" {
				t.Error("stored record has no error signature")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("distribution status never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
