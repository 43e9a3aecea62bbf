// Package alertapi exposes the inbound alert webhook and the record lookup
// over HTTP.
package alertapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/responder/internal/alert"
	"github.com/linnemanlabs/responder/internal/analysis"
	"github.com/linnemanlabs/responder/internal/authmw"
)

// Receiver normalizes and enqueues one inbound payload.
type Receiver interface {
	Receive(ctx context.Context, raw []byte) (*alert.Alert, error)
}

// RecordReader looks up stored records by alert ID.
type RecordReader interface {
	Get(ctx context.Context, id string) (*analysis.Record, bool, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	receiver  Receiver
	records   RecordReader
	readToken string
}

// New creates a new API handler. records may be nil, in which case the
// lookup route is not registered.
func New(logger log.Logger, receiver Receiver, records RecordReader) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if receiver == nil {
		panic(xerrors.New("alert receiver is required"))
	}
	return &API{
		logger:   logger,
		receiver: receiver,
		records:  records,
	}
}

// WithReadToken requires a bearer token on the record lookup route.
// Ingestion stays open.
func (a *API) WithReadToken(token string) *API {
	a.readToken = token
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlert)
		if a.records != nil {
			r.With(authmw.RequireToken(a.readToken)).Get("/alerts/{id}", a.handleGetAlert)
		}
	})
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("responder.alert.id", id))

	rec, ok, err := a.records.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get alert record", "alert_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.Bool("responder.alert.distributed", rec.Distribution != nil))
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
