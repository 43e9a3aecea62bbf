package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/responder/internal/alert"
)

const tracerName = "github.com/linnemanlabs/responder/internal/analysis"

const (
	// RecencyWindow is how old a cached analysis may be and still be reused.
	RecencyWindow = time.Hour

	// CacheTTL is the store-side expiry of cached analyses.
	CacheTTL = 24 * time.Hour

	// ResponseTokens caps the model output.
	ResponseTokens = 4000
)

// Analysis paths reported to hooks.
const (
	PathCacheHit = "cache_hit"
	PathLLM      = "llm"
	PathDegraded = "degraded"
	PathFallback = "fallback"
)

// EngineHooks receives engine events, typically for metrics. Nil fields are skipped.
type EngineHooks struct {
	OnCacheLookup func(result string)
	OnCacheWrite  func(err error)
	OnLLMCall     func(inputTokens, outputTokens int, duration float64, err error)
	OnComplete    func(path string, duration float64)
}

// Outcome is the engine's result for one alert.
type Outcome struct {
	Result    *Result
	Signature string
	Path      string
}

// Engine runs the cache, context, model and fallback sequence for an alert.
// It holds no per-alert state and is safe for concurrent use.
type Engine struct {
	cache    Cache
	gatherer Gatherer
	provider Provider
	logger   log.Logger
	hooks    EngineHooks
	now      func() time.Time
}

// NewEngine creates an engine. A nil gatherer yields empty context and a nil
// provider sends every cache miss to the fallback report.
func NewEngine(cache Cache, gatherer Gatherer, provider Provider, logger log.Logger, hooks EngineHooks) *Engine {
	if cache == nil {
		panic(xerrors.New("analysis cache is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		cache:    cache,
		gatherer: gatherer,
		provider: provider,
		logger:   logger,
		hooks:    hooks,
		now:      time.Now,
	}
}

// Analyze produces a report for the alert. It always returns a result: cache,
// context and model failures degrade to a miss, empty context or the
// fallback report respectively.
func (e *Engine) Analyze(ctx context.Context, a *alert.Alert) *Outcome {
	start := time.Now()
	sig := alert.Signature(a)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "analysis.analyze", trace.WithAttributes(
		attribute.String("responder.alert.id", a.ID),
		attribute.String("responder.alert.source", string(a.Source)),
		attribute.String("responder.alert.signature", sig),
	))
	defer span.End()

	L := e.logger.With("alert_id", a.ID, "error_signature", sig)

	out := &Outcome{Signature: sig}
	if r, ok := e.lookup(ctx, L, sig); ok {
		out.Result, out.Path = r, PathCacheHit
	} else {
		out.Result, out.Path = e.compute(ctx, L, a, sig)
	}

	span.SetAttributes(
		attribute.String("responder.analysis.path", out.Path),
		attribute.Bool("responder.analysis.immediate_attention", out.Result.RequiresImmediateAttention),
	)
	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(out.Path, time.Since(start).Seconds())
	}
	L.Info(ctx, "analysis complete",
		"path", out.Path,
		"confidence", out.Result.ConfidenceLevel,
		"immediate_attention", out.Result.RequiresImmediateAttention,
	)
	return out
}

func (e *Engine) lookup(ctx context.Context, L log.Logger, sig string) (*Result, bool) {
	entry, ok, err := e.cache.Get(ctx, sig)
	switch {
	case err != nil:
		L.Warn(ctx, "analysis cache read failed, treating as miss", "error", err)
		e.cacheLookup("error")
		return nil, false
	case !ok || entry == nil || entry.Analysis == nil:
		e.cacheLookup("miss")
		return nil, false
	case e.now().Sub(entry.CachedAt) >= RecencyWindow:
		e.cacheLookup("stale")
		return nil, false
	}
	e.cacheLookup("hit")
	return entry.Analysis, true
}

func (e *Engine) compute(ctx context.Context, L log.Logger, a *alert.Alert, sig string) (*Result, string) {
	var c Context
	if e.gatherer != nil {
		c = e.gatherer.Gather(ctx, a, sig)
	}

	r, err := e.callModel(ctx, a, c)
	if err != nil {
		L.Warn(ctx, "analysis unavailable, using fallback", "error", err)
		return Fallback(a), PathFallback
	}
	if r.Origin == OriginDegraded {
		return r, PathDegraded
	}

	now := e.now()
	werr := e.cache.Set(ctx, sig, &CacheEntry{
		Analysis:  r,
		CachedAt:  now,
		ExpiresAt: now.Add(CacheTTL),
	}, CacheTTL)
	if werr != nil {
		L.Warn(ctx, "analysis cache write failed", "error", werr)
	}
	if e.hooks.OnCacheWrite != nil {
		e.hooks.OnCacheWrite(werr)
	}
	return r, PathLLM
}

func (e *Engine) callModel(ctx context.Context, a *alert.Alert, c Context) (*Result, error) {
	if e.provider == nil {
		return nil, fmt.Errorf("%w: no provider configured", ErrAnalysisUnavailable)
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "llm.call"),
		attribute.Int("gen_ai.request.max_tokens", ResponseTokens),
		attribute.String("responder.alert.id", a.ID),
	))
	defer span.End()

	start := time.Now()
	resp, err := e.provider.Complete(ctx, &CompletionRequest{
		System:      SystemPrompt(),
		Prompt:      BuildPrompt(a, c),
		MaxTokens:   ResponseTokens,
		Temperature: 0,
	})
	dur := time.Since(start).Seconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.hooks.OnLLMCall != nil {
			e.hooks.OnLLMCall(0, 0, dur, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrAnalysisUnavailable, err)
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.Int("gen_ai.usage.input_tokens", resp.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.OutputTokens),
	)

	// blocked or truncated generations come back empty without an error
	if strings.TrimSpace(resp.Text) == "" {
		err := fmt.Errorf("%w: empty completion", ErrAnalysisUnavailable)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.hooks.OnLLMCall != nil {
			e.hooks.OnLLMCall(resp.InputTokens, resp.OutputTokens, dur, err)
		}
		return nil, err
	}

	r, err := ParseResponse(resp.Text)
	if e.hooks.OnLLMCall != nil {
		e.hooks.OnLLMCall(resp.InputTokens, resp.OutputTokens, dur, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	r.Model = resp.Model
	return r, nil
}

func (e *Engine) cacheLookup(result string) {
	if e.hooks.OnCacheLookup != nil {
		e.hooks.OnCacheLookup(result)
	}
}
