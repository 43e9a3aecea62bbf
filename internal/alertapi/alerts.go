package alertapi

import (
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/responder/internal/alert"
)

// maxBodyBytes bounds an inbound payload. CloudWatch Logs subscription
// batches are at most 1 MiB.
const maxBodyBytes = 1 << 20

type acceptedResponse struct {
	Message string `json:"message"`
	AlertID string `json:"alert_id"`
}

func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	al, err := a.receiver.Receive(r.Context(), body)
	if err != nil {
		if errors.Is(err, alert.ErrMalformedInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error(r.Context(), err, "failed to accept alert")
		writeError(w, http.StatusInternalServerError, "failed to enqueue alert")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("responder.alert.id", al.ID),
		attribute.String("responder.alert.source", string(al.Source)),
	)
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		Message: "Alert received",
		AlertID: al.ID,
	})
}
