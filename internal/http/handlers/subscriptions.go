package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/iago/directory-api/internal/repository"
)

type unsubscribeRequest struct {
	Email string `json:"email"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// Unsubscribe stops reminders to the supplier registered with the given email.
func (api *API) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if api.subscriptions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "subscriptions are not configured")
		return
	}

	var request unsubscribeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "body must be a JSON object")
		return
	}
	email := strings.TrimSpace(request.Email)
	if email == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "email is required")
		return
	}

	if err := api.subscriptions.Unsubscribe(r.Context(), email); err != nil {
		api.writeSubscriptionError(w, r, err, "supplier not found")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "unsubscribed"})
}

// VerificationLetterSent records the day the verification letter was posted, which starts the
// verification reminders.
func (api *API) VerificationLetterSent(w http.ResponseWriter, r *http.Request) {
	if api.subscriptions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "subscriptions are not configured")
		return
	}
	number := strings.TrimSpace(chi.URLParam(r, "number"))
	if number == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "company number is required")
		return
	}

	if err := api.subscriptions.LetterSent(r.Context(), number); err != nil {
		api.writeSubscriptionError(w, r, err, "company not found")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "recorded"})
}

func (api *API) writeSubscriptionError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", notFound)
		return
	}
	api.logger.Errorw("update subscription failed", "error", err)
	writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to update subscription")
}
