package middleware

import (
	"encoding/json"
	"net/http"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorPayload struct {
	Error     ErrorBody `json:"error"`
	RequestID string    `json:"request_id"`
}

// WriteError renders the JSON error envelope shared by middleware and handlers.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorPayload{
		Error:     ErrorBody{Code: code, Message: message},
		RequestID: GetRequestID(r.Context()),
	})
}
