package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/responder/internal/alert"
	"github.com/linnemanlabs/responder/internal/queue"
)

const tracerName = "github.com/linnemanlabs/responder/internal/pipeline"

// Stage names used in metrics.
const (
	StageReception = "reception"
	StageAnalyze   = "analyze"
	StageDistrib   = "distribute"
)

// Reception is the inbound stage.
type Reception struct {
	normalizer *alert.Normalizer
	out        queue.Publisher
	logger     log.Logger
	metrics    *Metrics
}

// NewReception creates the inbound stage publishing to out. metrics may be nil.
func NewReception(n *alert.Normalizer, out queue.Publisher, logger log.Logger, metrics *Metrics) *Reception {
	if n == nil {
		panic(xerrors.New("normalizer is required"))
	}
	if out == nil {
		panic(xerrors.New("processing queue publisher is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Reception{normalizer: n, out: out, logger: logger, metrics: metrics}
}

// Receive normalizes one payload and enqueues it for analysis. A payload
// that matches no alert shape is returned as *alert.MalformedInputError and
// nothing is published.
func (r *Reception) Receive(ctx context.Context, raw []byte) (*alert.Alert, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.receive")
	defer span.End()

	a, err := r.normalizer.Normalize(raw)
	if err != nil {
		r.metrics.received("unknown", "malformed")
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn(ctx, "rejected malformed alert", "error", err, "bytes", len(raw))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("responder.alert.id", a.ID),
		attribute.String("responder.alert.source", string(a.Source)),
		attribute.String("responder.alert.severity", string(a.Severity)),
	)

	err = r.publish(ctx, a)
	r.metrics.stage(StageReception, err, time.Since(start).Seconds())
	if err != nil {
		r.metrics.received(string(a.Source), "publish_error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error(ctx, err, "failed to enqueue alert", "alert_id", a.ID)
		return nil, err
	}

	r.metrics.received(string(a.Source), "accepted")
	r.logger.Info(ctx, "alert received",
		"alert_id", a.ID,
		"source", a.Source,
		"severity", a.Severity,
	)
	return a, nil
}

func (r *Reception) publish(ctx context.Context, a *alert.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", a.ID, err)
	}
	m := queue.NewMessage(a.ID, body, map[string]string{
		queue.AttrSeverity: string(a.Severity),
	})
	if err := r.out.Publish(ctx, m); err != nil {
		return fmt.Errorf("publish alert %s: %w", a.ID, err)
	}
	return nil
}
