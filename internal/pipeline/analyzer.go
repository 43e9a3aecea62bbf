package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/responder/internal/alert"
	"github.com/linnemanlabs/responder/internal/analysis"
	"github.com/linnemanlabs/responder/internal/postgres"
	"github.com/linnemanlabs/responder/internal/queue"
)

// Processor analyzes and persists one alert.
type Processor interface {
	Process(ctx context.Context, a *alert.Alert) (*analysis.Report, error)
}

// Analyzer consumes the processing queue.
type Analyzer struct {
	svc     Processor
	out     queue.Publisher
	logger  log.Logger
	metrics *Metrics
}

// NewAnalyzer creates the analysis stage publishing reports to out.
func NewAnalyzer(svc Processor, out queue.Publisher, logger log.Logger, metrics *Metrics) *Analyzer {
	if svc == nil {
		panic(xerrors.New("analysis processor is required"))
	}
	if out == nil {
		panic(xerrors.New("distribution queue publisher is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Analyzer{svc: svc, out: out, logger: logger, metrics: metrics}
}

// Handle is a queue.Handler. An undecodable message is dropped. Persistence
// and publish failures are returned so the message is redelivered; the
// record write is an idempotent overwrite by alert ID.
func (h *Analyzer) Handle(ctx context.Context, m *queue.Message) error {
	start := time.Now()
	ctx = postgres.WithOperation(ctx, StageAnalyze)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.analyze",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.message.id", m.ID)),
	)
	defer span.End()

	err := h.handle(ctx, m)
	h.metrics.stage(StageAnalyze, err, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (h *Analyzer) handle(ctx context.Context, m *queue.Message) error {
	var a alert.Alert
	if err := json.Unmarshal(m.Body, &a); err != nil {
		return queue.Permanent(fmt.Errorf("decode alert message %s: %w", m.ID, err))
	}
	if a.ID == "" {
		return queue.Permanent(fmt.Errorf("alert message %s has no alert id", m.ID))
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("responder.alert.id", a.ID))

	report, err := h.svc.Process(ctx, &a)
	if err != nil {
		return err
	}

	body, err := json.Marshal(report)
	if err != nil {
		return queue.Permanent(fmt.Errorf("encode report %s: %w", a.ID, err))
	}
	out := queue.NewMessage(a.ID, body, map[string]string{
		queue.AttrSeverity:           string(a.Severity),
		queue.AttrImmediateAttention: strconv.FormatBool(report.Analysis.RequiresImmediateAttention),
	})
	if err := h.out.Publish(ctx, out); err != nil {
		h.logger.Error(ctx, err, "failed to enqueue report", "alert_id", a.ID)
		return fmt.Errorf("publish report %s: %w", a.ID, err)
	}
	return nil
}
