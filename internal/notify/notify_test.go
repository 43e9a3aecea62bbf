package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/responder/internal/alert"
	"github.com/linnemanlabs/responder/internal/analysis"
)

type fakeChannel struct {
	name  string
	err   error
	panic bool
	delay time.Duration

	mu    sync.Mutex
	calls int
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, _ *analysis.Report) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.panic {
		panic("formatter bug")
	}
	return f.err
}

type fakeRecorder struct {
	mu  sync.Mutex
	id  string
	rec *analysis.DistributionRecord
	err error
}

func (r *fakeRecorder) UpdateDistribution(_ context.Context, id string, d *analysis.DistributionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id, r.rec = id, d
	return r.err
}

func testReport() *analysis.Report {
	return &analysis.Report{
		Alert:    alert.Alert{ID: "abc123", Title: "Disk full", Severity: alert.SeverityHigh},
		Analysis: analysis.Result{Summary: "disk full"},
	}
}

func TestDistribute_FanOutIsolation(t *testing.T) {
	t.Parallel()

	slack := &fakeChannel{name: "slack"}
	email := &fakeChannel{name: "email", err: errors.New("ses throttled")}
	jira := &fakeChannel{name: "jira", delay: 20 * time.Millisecond}
	rec := &fakeRecorder{}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewCoordinator([]Channel{slack, email, jira}, rec, log.Nop(), m)
	c.now = func() time.Time { return now }

	d := c.Distribute(context.Background(), testReport())

	want := map[string]bool{"slack": true, "email": false, "jira": true}
	for name, ok := range want {
		if d.Channels[name] != ok {
			t.Errorf("Channels[%s] = %v, want %v", name, d.Channels[name], ok)
		}
	}
	if !d.DistributedAt.Equal(now) {
		t.Errorf("DistributedAt = %v", d.DistributedAt)
	}
	if rec.id != "abc123" || rec.rec != d {
		t.Errorf("recorder got id=%q rec=%p, want abc123 %p", rec.id, rec.rec, d)
	}
	if got := testutil.ToFloat64(m.DispatchesTotal.WithLabelValues("email", "error")); got != 1 {
		t.Errorf("email errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DispatchesTotal.WithLabelValues("slack", "success")); got != 1 {
		t.Errorf("slack successes = %v, want 1", got)
	}
}

func TestDistribute_PanicIsolated(t *testing.T) {
	t.Parallel()

	bad := &fakeChannel{name: "slack", panic: true}
	good := &fakeChannel{name: "jira"}
	c := NewCoordinator([]Channel{bad, good}, nil, nil, nil)

	d := c.Distribute(context.Background(), testReport())
	if d.Channels["slack"] || !d.Channels["jira"] {
		t.Errorf("Channels = %v, want slack=false jira=true", d.Channels)
	}
}

func TestDistribute_RecorderFailureSwallowed(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{name: "slack"}
	c := NewCoordinator([]Channel{ch}, &fakeRecorder{err: errors.New("db down")}, log.Nop(), nil)

	d := c.Distribute(context.Background(), testReport())
	if !d.Channels["slack"] {
		t.Error("dispatch outcome should survive a recorder failure")
	}
}

func TestDistribute_NoChannels(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	c := NewCoordinator(nil, rec, nil, nil)
	d := c.Distribute(context.Background(), testReport())
	if len(d.Channels) != 0 {
		t.Errorf("Channels = %v, want empty", d.Channels)
	}
	if rec.rec == nil {
		t.Error("empty distribution should still be recorded")
	}
}

func TestDispatchError(t *testing.T) {
	t.Parallel()

	base := errors.New("timeout")
	err := error(&DispatchError{Channel: "jira", Err: base})
	if !errors.Is(err, base) {
		t.Error("DispatchError should unwrap to the channel error")
	}
	if err.Error() != "dispatch to jira: timeout" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestChannels(t *testing.T) {
	t.Parallel()

	c := NewCoordinator([]Channel{&fakeChannel{name: "slack"}, &fakeChannel{name: "email"}}, nil, nil, nil)
	if got := c.Channels(); len(got) != 2 || got[0] != "slack" || got[1] != "email" {
		t.Errorf("Channels() = %v", got)
	}
}
