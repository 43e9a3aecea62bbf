package analysis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/responder/internal/alert"
)

const testModel = "claude-sonnet-4-20250514"

const validResponse = `Here is the report:
{"summary":"DB connection pool exhausted","severity_assessment":"HIGH - writes failing",
"root_cause_hypothesis":"leaked connections","affected_components":["api","postgres"],
"impact_assessment":"checkout degraded","remediation_steps":["restart api","raise pool size"],
"confidence_level":"high","requires_immediate_attention":true}`

// fakeCache is a map-backed Cache with optional injected errors.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry
	ttls    map[string]time.Duration
	getErr  error
	setErr  error
	sets    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]*CacheEntry{}, ttls: map[string]time.Duration{}}
}

func (c *fakeCache) Get(_ context.Context, sig string) (*CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	e, ok := c.entries[sig]
	return e, ok, nil
}

func (c *fakeCache) Set(_ context.Context, sig string, e *CacheEntry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	if c.setErr != nil {
		return c.setErr
	}
	c.entries[sig] = e
	c.ttls[sig] = ttl
	return nil
}

// mockProvider returns a fixed completion or error and records requests.
type mockProvider struct {
	mu    sync.Mutex
	text  string
	err   error
	calls []*CompletionRequest
}

func (p *mockProvider) Complete(_ context.Context, req *CompletionRequest) (*Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.err != nil {
		return nil, p.err
	}
	return &Completion{Text: p.text, Model: testModel, InputTokens: 120, OutputTokens: 80}, nil
}

func (p *mockProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type stubGatherer struct {
	ctx   Context
	calls int
}

func (g *stubGatherer) Gather(_ context.Context, _ *alert.Alert, _ string) Context {
	g.calls++
	return g.ctx
}

func testAlert() *alert.Alert {
	return &alert.Alert{
		ID:        "0123456789abcdef",
		Source:    alert.SourceCloudWatchAlarm,
		Title:     "CloudWatch Alarm: HighCPU",
		Message:   "CPU above 90%",
		Severity:  alert.SeverityHigh,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestEngine(cache Cache, g Gatherer, p Provider, now time.Time) *Engine {
	e := NewEngine(cache, g, p, log.Nop(), EngineHooks{})
	e.now = func() time.Time { return now }
	return e
}

func TestAnalyze_LLMSuccessWritesCache(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := newFakeCache()
	p := &mockProvider{text: validResponse}
	g := &stubGatherer{}
	e := newTestEngine(cache, g, p, now)

	out := e.Analyze(context.Background(), testAlert())

	if out.Path != PathLLM {
		t.Fatalf("Path = %q, want %q", out.Path, PathLLM)
	}
	if out.Result.Summary != "DB connection pool exhausted" {
		t.Errorf("Summary = %q", out.Result.Summary)
	}
	if out.Result.ConfidenceLevel != ConfidenceHigh {
		t.Errorf("ConfidenceLevel = %q, want HIGH", out.Result.ConfidenceLevel)
	}
	if out.Result.Model != testModel {
		t.Errorf("Model = %q", out.Result.Model)
	}
	if out.Signature != alert.Signature(testAlert()) {
		t.Errorf("Signature = %q, want alert signature", out.Signature)
	}
	if g.calls != 1 {
		t.Errorf("gatherer calls = %d, want 1", g.calls)
	}

	entry, ok := cache.entries[out.Signature]
	if !ok {
		t.Fatal("expected cache write")
	}
	if !entry.CachedAt.Equal(now) {
		t.Errorf("CachedAt = %v, want %v", entry.CachedAt, now)
	}
	if !entry.ExpiresAt.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("ExpiresAt = %v, want now+24h", entry.ExpiresAt)
	}
	if cache.ttls[out.Signature] != CacheTTL {
		t.Errorf("ttl = %v, want %v", cache.ttls[out.Signature], CacheTTL)
	}

	req := p.calls[0]
	if req.Temperature != 0 {
		t.Errorf("Temperature = %v, want 0", req.Temperature)
	}
	if req.MaxTokens != ResponseTokens {
		t.Errorf("MaxTokens = %d, want %d", req.MaxTokens, ResponseTokens)
	}
	if !strings.Contains(req.System, "requires_immediate_attention") {
		t.Error("system prompt should enumerate the report fields")
	}
}

func TestAnalyze_CacheRecencyWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		age      time.Duration
		wantPath string
	}{
		{"fresh", 10 * time.Minute, PathCacheHit},
		{"just inside window", time.Hour - time.Nanosecond, PathCacheHit},
		{"at window", time.Hour, PathLLM},
		{"stale but unexpired", 5 * time.Hour, PathLLM},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := testAlert()
			cache := newFakeCache()
			cache.entries[alert.Signature(a)] = &CacheEntry{
				Analysis:  &Result{Summary: "cached", ConfidenceLevel: ConfidenceMedium, Origin: OriginLLM},
				CachedAt:  now.Add(-tt.age),
				ExpiresAt: now.Add(-tt.age).Add(CacheTTL),
			}
			p := &mockProvider{text: validResponse}
			g := &stubGatherer{}
			e := newTestEngine(cache, g, p, now)

			out := e.Analyze(context.Background(), a)
			if out.Path != tt.wantPath {
				t.Fatalf("Path = %q, want %q", out.Path, tt.wantPath)
			}
			if tt.wantPath == PathCacheHit {
				if out.Result.Summary != "cached" {
					t.Errorf("Summary = %q, want cached result", out.Result.Summary)
				}
				if p.callCount() != 0 || g.calls != 0 {
					t.Errorf("cache hit should skip context and model (provider=%d gatherer=%d)", p.callCount(), g.calls)
				}
			} else if p.callCount() != 1 {
				t.Errorf("provider calls = %d, want 1", p.callCount())
			}
		})
	}
}

func TestAnalyze_FallbackGuarantee(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider Provider
	}{
		{"provider error", &mockProvider{err: errors.New("timeout")}},
		{"unparsable json", &mockProvider{text: "{not json at all}"}},
		{"no provider", nil},
		{"empty completion", &mockProvider{text: ""}},
		{"whitespace completion", &mockProvider{text: " \n\t "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cache := newFakeCache()
			e := newTestEngine(cache, nil, tt.provider, time.Now())
			a := testAlert()

			out := e.Analyze(context.Background(), a)
			if out.Path != PathFallback {
				t.Fatalf("Path = %q, want fallback", out.Path)
			}
			r := out.Result
			if r.ConfidenceLevel != ConfidenceLow {
				t.Errorf("ConfidenceLevel = %q, want LOW", r.ConfidenceLevel)
			}
			if len(r.RemediationSteps) == 0 {
				t.Error("fallback must include remediation steps")
			}
			if !r.RequiresImmediateAttention {
				t.Error("HIGH alert fallback should require immediate attention")
			}
			if cache.sets != 0 {
				t.Errorf("fallback should not be cached, sets = %d", cache.sets)
			}
		})
	}
}

func TestAnalyze_EmptyCompletionKeepsEscalation(t *testing.T) {
	t.Parallel()

	var llmErr error
	e := NewEngine(newFakeCache(), nil, &mockProvider{text: ""}, log.Nop(), EngineHooks{
		OnLLMCall: func(_, _ int, _ float64, err error) { llmErr = err },
	})
	a := testAlert()
	a.Severity = alert.SeverityCritical

	out := e.Analyze(context.Background(), a)
	if out.Path != PathFallback {
		t.Fatalf("Path = %q, want fallback", out.Path)
	}
	if !out.Result.RequiresImmediateAttention {
		t.Error("CRITICAL alert lost its escalation on an empty completion")
	}
	if out.Result.Summary == "" || out.Result.SeverityAssessment != string(alert.SeverityCritical) {
		t.Errorf("fallback report incomplete: summary=%q severity=%q", out.Result.Summary, out.Result.SeverityAssessment)
	}
	if !errors.Is(llmErr, ErrAnalysisUnavailable) {
		t.Errorf("OnLLMCall err = %v, want ErrAnalysisUnavailable", llmErr)
	}
}

func TestAnalyze_DegradedNotCached(t *testing.T) {
	t.Parallel()

	cache := newFakeCache()
	e := newTestEngine(cache, nil, &mockProvider{text: "Critical outage, restart the service"}, time.Now())

	out := e.Analyze(context.Background(), testAlert())
	if out.Path != PathDegraded {
		t.Fatalf("Path = %q, want degraded", out.Path)
	}
	if !out.Result.RequiresImmediateAttention {
		t.Error("text mentioning critical should require attention")
	}
	if cache.sets != 0 {
		t.Errorf("degraded result should not be cached, sets = %d", cache.sets)
	}
}

func TestAnalyze_CacheErrorsAreNonFatal(t *testing.T) {
	t.Parallel()

	cache := newFakeCache()
	cache.getErr = errors.New("redis down")
	cache.setErr = errors.New("redis down")

	var lookups []string
	var writeErr error
	e := NewEngine(cache, nil, &mockProvider{text: validResponse}, log.Nop(), EngineHooks{
		OnCacheLookup: func(r string) { lookups = append(lookups, r) },
		OnCacheWrite:  func(err error) { writeErr = err },
	})

	out := e.Analyze(context.Background(), testAlert())
	if out.Path != PathLLM {
		t.Fatalf("Path = %q, want llm despite cache errors", out.Path)
	}
	if len(lookups) != 1 || lookups[0] != "error" {
		t.Errorf("lookups = %v, want [error]", lookups)
	}
	if writeErr == nil {
		t.Error("OnCacheWrite should receive the write error")
	}
}

func TestAnalyze_PromptIncludesContext(t *testing.T) {
	t.Parallel()

	p := &mockProvider{text: validResponse}
	g := &stubGatherer{ctx: Context{
		Logs:          "line one\nline two",
		SimilarAlerts: []alert.Alert{{ID: "x"}, {ID: "y"}},
		Pattern:       HistoricalPattern{Occurrences: 4, Frequency: FrequencyOccasional},
	}}
	e := newTestEngine(newFakeCache(), g, p, time.Now())

	e.Analyze(context.Background(), testAlert())

	prompt := p.calls[0].Prompt
	for _, want := range []string{"line two", "Similar Alerts (past 24h): 2", "Occurrences in the past 7 days: 4", "occasional"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestAnalyze_HooksCalled(t *testing.T) {
	t.Parallel()

	var (
		llmCalls  int
		tokensIn  int
		completed string
	)
	e := NewEngine(newFakeCache(), nil, &mockProvider{text: validResponse}, log.Nop(), EngineHooks{
		OnLLMCall: func(in, _ int, _ float64, err error) {
			llmCalls++
			tokensIn += in
			if err != nil {
				t.Errorf("unexpected llm error: %v", err)
			}
		},
		OnComplete: func(path string, _ float64) { completed = path },
	})

	e.Analyze(context.Background(), testAlert())

	if llmCalls != 1 || tokensIn != 120 {
		t.Errorf("llmCalls=%d tokensIn=%d, want 1/120", llmCalls, tokensIn)
	}
	if completed != PathLLM {
		t.Errorf("OnComplete path = %q, want llm", completed)
	}
}

func TestNewEngine_NilCachePanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil cache")
		}
	}()
	NewEngine(nil, nil, nil, nil, EngineHooks{})
}

func TestAnalyze_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	e := newTestEngine(newFakeCache(), nil, &mockProvider{text: validResponse}, time.Now())
	e.Analyze(context.Background(), testAlert())

	attrsByName := make(map[string]map[string]any)
	for _, s := range exporter.GetSpans() {
		attrs := make(map[string]any)
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		attrsByName[s.Name] = attrs
	}

	root, ok := attrsByName["analysis.analyze"]
	if !ok {
		t.Fatal("missing analysis.analyze span")
	}
	if root["responder.alert.id"] != "0123456789abcdef" {
		t.Errorf("responder.alert.id = %v", root["responder.alert.id"])
	}
	if root["responder.analysis.path"] != PathLLM {
		t.Errorf("responder.analysis.path = %v, want llm", root["responder.analysis.path"])
	}

	call, ok := attrsByName["llm.call"]
	if !ok {
		t.Fatal("missing llm.call span")
	}
	if call["gen_ai.response.model"] != testModel {
		t.Errorf("gen_ai.response.model = %v", call["gen_ai.response.model"])
	}
	if call["gen_ai.usage.input_tokens"] != int64(120) {
		t.Errorf("gen_ai.usage.input_tokens = %v", call["gen_ai.usage.input_tokens"])
	}
}
