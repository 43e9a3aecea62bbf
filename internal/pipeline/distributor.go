package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/responder/internal/analysis"
	"github.com/linnemanlabs/responder/internal/postgres"
	"github.com/linnemanlabs/responder/internal/queue"
)

// Dispatcher fans a report out to the notification channels.
type Dispatcher interface {
	Distribute(ctx context.Context, r *analysis.Report) *analysis.DistributionRecord
}

// Distributor consumes the distribution queue.
type Distributor struct {
	dispatcher Dispatcher
	logger     log.Logger
	metrics    *Metrics
}

// NewDistributor creates the distribution stage.
func NewDistributor(d Dispatcher, logger log.Logger, metrics *Metrics) *Distributor {
	if d == nil {
		panic(xerrors.New("dispatcher is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Distributor{dispatcher: d, logger: logger, metrics: metrics}
}

// Handle is a queue.Handler. Channel failures are recorded on the stored
// record and never fail the message.
func (h *Distributor) Handle(ctx context.Context, m *queue.Message) error {
	start := time.Now()
	ctx = postgres.WithOperation(ctx, StageDistrib)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.distribute",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.message.id", m.ID)),
	)
	defer span.End()

	var r analysis.Report
	if err := json.Unmarshal(m.Body, &r); err != nil {
		err = queue.Permanent(fmt.Errorf("decode report message %s: %w", m.ID, err))
		span.SetStatus(codes.Error, err.Error())
		h.metrics.stage(StageDistrib, err, time.Since(start).Seconds())
		h.logger.Warn(ctx, "dropping undecodable report", "message_id", m.ID, "error", err)
		return err
	}
	span.SetAttributes(attribute.String("responder.alert.id", r.Alert.ID))

	rec := h.dispatcher.Distribute(ctx, &r)
	delivered := 0
	for _, ok := range rec.Channels {
		if ok {
			delivered++
		}
	}
	span.SetAttributes(
		attribute.Int("responder.distribution.channels", len(rec.Channels)),
		attribute.Int("responder.distribution.delivered", delivered),
	)
	h.metrics.stage(StageDistrib, nil, time.Since(start).Seconds())
	return nil
}
