// Package notify fans a finished report out to the enabled notification
// channels and records the per-channel outcome on the stored record.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/responder/internal/analysis"
)

const tracerName = "github.com/linnemanlabs/responder/internal/notify"

// Channel delivers a report to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, r *analysis.Report) error
}

// Recorder stores the distribution outcome for an alert.
type Recorder interface {
	UpdateDistribution(ctx context.Context, alertID string, d *analysis.DistributionRecord) error
}

// DispatchError is a single channel's failure. It never fails the whole
// distribution.
type DispatchError struct {
	Channel string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s: %v", e.Channel, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Coordinator dispatches reports to every configured channel.
type Coordinator struct {
	channels []Channel
	recorder Recorder
	logger   log.Logger
	metrics  *Metrics
	now      func() time.Time
}

// NewCoordinator creates a coordinator. recorder and metrics may be nil.
func NewCoordinator(channels []Channel, recorder Recorder, logger log.Logger, metrics *Metrics) *Coordinator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Coordinator{
		channels: channels,
		recorder: recorder,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Channels returns the configured channel names.
func (c *Coordinator) Channels() []string {
	names := make([]string, len(c.channels))
	for i, ch := range c.channels {
		names[i] = ch.Name()
	}
	return names
}

// Distribute sends the report to all channels concurrently and records which
// succeeded. A failing or panicking channel is isolated from the others. A
// failure to record the outcome is logged and does not fail distribution.
func (c *Coordinator) Distribute(ctx context.Context, r *analysis.Report) *analysis.DistributionRecord {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "notify.distribute", trace.WithAttributes(
		attribute.String("responder.alert.id", r.Alert.ID),
		attribute.Int("responder.notify.channels", len(c.channels)),
	))
	defer span.End()

	L := c.logger.With("alert_id", r.Alert.ID)

	results := make([]error, len(c.channels))
	var wg sync.WaitGroup
	for i, ch := range c.channels {
		wg.Go(func() {
			results[i] = c.dispatch(ctx, ch, r)
		})
	}
	wg.Wait()

	rec := &analysis.DistributionRecord{
		Channels:      make(map[string]bool, len(c.channels)),
		DistributedAt: c.now().UTC(),
	}
	failed := 0
	for i, ch := range c.channels {
		err := results[i]
		rec.Channels[ch.Name()] = err == nil
		if err != nil {
			failed++
			L.Error(ctx, err, "channel dispatch failed", "channel", ch.Name())
		}
	}
	span.SetAttributes(attribute.Int("responder.notify.failed", failed))

	if c.recorder != nil {
		if err := c.recorder.UpdateDistribution(ctx, r.Alert.ID, rec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			L.Error(ctx, err, "failed to record distribution status")
		}
	}

	L.Info(ctx, "report distributed", "channels", len(c.channels), "failed", failed)
	return rec
}

func (c *Coordinator) dispatch(ctx context.Context, ch Channel, r *analysis.Report) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "notify.dispatch", trace.WithAttributes(
		attribute.String("responder.notify.channel", ch.Name()),
	))
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = &DispatchError{Channel: ch.Name(), Err: fmt.Errorf("panic: %v", p)}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.metrics.observe(ch.Name(), err, time.Since(start).Seconds())
		span.End()
	}()

	if sendErr := ch.Send(ctx, r); sendErr != nil {
		return &DispatchError{Channel: ch.Name(), Err: sendErr}
	}
	return nil
}
