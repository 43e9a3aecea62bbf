// Package enrich collects the context an analysis is built from: similar
// recent alerts, recent log lines and the historical pattern for a signature.
//
// Every source is best-effort. A failing source is logged, reported through
// the degraded callback and replaced by its empty value.
package enrich

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/responder/internal/alert"
	"github.com/linnemanlabs/responder/internal/analysis"
)

const (
	similarWindow = 24 * time.Hour
	similarLimit  = 10
	patternWindow = 7 * 24 * time.Hour
	logFetchLimit = 50
	logKeepLines  = 20
)

// Degraded sources reported to the callback.
const (
	SourceSimilar = "similar_alerts"
	SourceLogs    = "logs"
	SourcePattern = "pattern"
)

// History is the subset of the record store the gatherer reads.
type History interface {
	RecentBySeverity(ctx context.Context, sev alert.Severity, since time.Time, limit int) ([]alert.Alert, error)
	BySignature(ctx context.Context, signature string, since time.Time) ([]alert.Alert, error)
}

// LogSource returns recent log lines for a group and optional stream in
// chronological order.
type LogSource interface {
	RecentLines(ctx context.Context, group, stream string, limit int) ([]string, error)
}

// Gatherer implements analysis.Gatherer.
type Gatherer struct {
	history    History
	logs       LogSource
	logger     log.Logger
	onDegraded func(source string)
	now        func() time.Time
}

var _ analysis.Gatherer = (*Gatherer)(nil)

// New creates a gatherer. logs may be nil when no log backend is configured.
func New(history History, logs LogSource, logger log.Logger, onDegraded func(source string)) *Gatherer {
	if logger == nil {
		logger = log.Nop()
	}
	if onDegraded == nil {
		onDegraded = func(string) {}
	}
	return &Gatherer{
		history:    history,
		logs:       logs,
		logger:     logger,
		onDegraded: onDegraded,
		now:        time.Now,
	}
}

// Gather runs the three context queries concurrently. It never fails.
func (g *Gatherer) Gather(ctx context.Context, a *alert.Alert, sig string) analysis.Context {
	ctx, span := otel.Tracer("github.com/linnemanlabs/responder/internal/enrich").Start(ctx, "enrich.gather",
		trace.WithAttributes(attribute.String("responder.alert.id", a.ID)))
	defer span.End()

	lg := g.logger.With("alert_id", a.ID, "error_signature", sig)
	now := g.now()
	var (
		out analysis.Context
		wg  sync.WaitGroup
	)
	wg.Go(func() { out.SimilarAlerts = g.similar(ctx, lg, a, now) })
	wg.Go(func() { out.Logs = g.recentLogs(ctx, lg, a) })
	wg.Go(func() { out.Pattern = g.pattern(ctx, lg, sig, now) })
	wg.Wait()

	span.SetAttributes(
		attribute.Int("responder.enrich.similar", len(out.SimilarAlerts)),
		attribute.Int("responder.enrich.occurrences", out.Pattern.Occurrences),
		attribute.Bool("responder.enrich.logs", out.Logs != ""),
	)
	return out
}

func (g *Gatherer) similar(ctx context.Context, lg log.Logger, a *alert.Alert, now time.Time) []alert.Alert {
	if g.history == nil {
		return nil
	}
	as, err := g.history.RecentBySeverity(ctx, a.Severity, now.Add(-similarWindow), similarLimit)
	if err != nil {
		g.degraded(ctx, lg, SourceSimilar, err)
		return nil
	}
	return as
}

func (g *Gatherer) recentLogs(ctx context.Context, lg log.Logger, a *alert.Alert) string {
	if g.logs == nil || a.Source != alert.SourceCloudWatchLogs || a.LogGroup == "" {
		return ""
	}
	lines, err := g.logs.RecentLines(ctx, a.LogGroup, a.LogStream, logFetchLimit)
	if err != nil {
		g.degraded(ctx, lg, SourceLogs, err)
		return ""
	}
	if len(lines) > logKeepLines {
		lines = lines[len(lines)-logKeepLines:]
	}
	return strings.Join(lines, "\n")
}

func (g *Gatherer) pattern(ctx context.Context, lg log.Logger, sig string, now time.Time) analysis.HistoricalPattern {
	empty := analysis.HistoricalPattern{Frequency: analysis.FrequencyFirstOccurrence}
	if g.history == nil {
		return empty
	}
	as, err := g.history.BySignature(ctx, sig, now.Add(-patternWindow))
	if err != nil {
		g.degraded(ctx, lg, SourcePattern, err)
		return empty
	}
	if len(as) == 0 {
		return empty
	}

	first, last := as[0].Timestamp, as[0].Timestamp
	for i := range as {
		ts := as[i].Timestamp
		if ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}
	return analysis.HistoricalPattern{
		Occurrences: len(as),
		FirstSeen:   first,
		LastSeen:    last,
		Frequency:   Bucket(len(as)),
	}
}

func (g *Gatherer) degraded(ctx context.Context, lg log.Logger, source string, err error) {
	lg.Warn(ctx, "context source unavailable", "source", source, "error", err)
	g.onDegraded(source)
}

// Bucket maps a 7-day occurrence count to a frequency label.
func Bucket(n int) analysis.Frequency {
	switch {
	case n == 0:
		return analysis.FrequencyFirstOccurrence
	case n > 50:
		return analysis.FrequencyVeryFrequent
	case n > 10:
		return analysis.FrequencyFrequent
	case n > 3:
		return analysis.FrequencyOccasional
	default:
		return analysis.FrequencyRare
	}
}
