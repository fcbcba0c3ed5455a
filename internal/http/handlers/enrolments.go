package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/iago/directory-api/internal/enrolment"
	"github.com/iago/directory-api/internal/http/middleware"
	"github.com/iago/directory-api/internal/queue"
)

type submitResponse struct {
	Status        string `json:"status"`
	Queue         string `json:"queue"`
	SchemaVersion string `json:"schema_version"`
	RequestID     string `json:"request_id"`
}

// SubmitEnrolment accepts a raw enrolment body and enqueues it for the worker.
func (api *API) SubmitEnrolment(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}

	receipt, err := api.intake.Submit(r.Context(), string(body))
	switch {
	case err == nil:
	case errors.Is(err, enrolment.ErrMalformedPayload):
		writeError(w, r, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	case errors.Is(err, queue.ErrQueueBackpressure), errors.Is(err, queue.ErrBatchingClosed):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "queue_unavailable", "enrolment queue is not accepting submissions")
		return
	default:
		api.logger.Errorw("enqueue enrolment failed",
			"request_id", middleware.GetRequestID(r.Context()),
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to enqueue enrolment")
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		Status:        "queued",
		Queue:         receipt.Queue,
		SchemaVersion: receipt.SchemaVersion,
		RequestID:     middleware.GetRequestID(r.Context()),
	})
}
