package analysis

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/responder/internal/alert"
)

// Service is the business boundary for analysis: it runs the engine and
// persists the record before anything is distributed.
type Service struct {
	store   Store
	engine  *Engine
	logger  log.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewService creates a new analysis service. metrics may be nil.
func NewService(store Store, engine *Engine, logger log.Logger, metrics *Metrics) *Service {
	if store == nil {
		panic(xerrors.New("analysis store is required"))
	}
	if engine == nil {
		panic(xerrors.New("analysis engine is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:   store,
		engine:  engine,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Process analyzes one alert and stores the record. A storage failure is
// returned as *PersistenceError and no report is produced. Reprocessing the
// same alert overwrites its record.
func (s *Service) Process(ctx context.Context, a *alert.Alert) (*Report, error) {
	out := s.engine.Analyze(ctx, a)

	rec := &Record{
		Alert:                      *a,
		Analysis:                   out.Result,
		ErrorSignature:             out.Signature,
		RequiresImmediateAttention: out.Result.RequiresImmediateAttention,
		ProcessedAt:                s.now().UTC(),
	}
	if err := s.store.Put(ctx, rec); err != nil {
		if s.metrics != nil {
			s.metrics.PersistFailuresTotal.Inc()
		}
		s.logger.Error(ctx, err, "failed to persist analysis", "alert_id", a.ID)
		return nil, &PersistenceError{AlertID: a.ID, Err: err}
	}

	return &Report{Alert: *a, Analysis: *out.Result}, nil
}

// Get retrieves a stored record by alert ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, bool, error) {
	return s.store.Get(ctx, id)
}
