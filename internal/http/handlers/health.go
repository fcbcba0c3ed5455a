package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"
)

const checkTimeout = 2 * time.Second

type healthResponse struct {
	Status string            `json:"status"`
	Worker string            `json:"worker,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health runs every dependency check and answers 503 when any of them fails.
func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{Status: "ok"}
	if api.workerState != nil {
		response.Worker = api.workerState()
	}

	names := make([]string, 0, len(api.checks))
	for name := range api.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	if len(names) > 0 {
		response.Checks = make(map[string]string, len(names))
	}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := api.checks[name](ctx)
		cancel()
		if err != nil {
			api.logger.Warnw("health check failed", "check", name, "error", err)
			response.Checks[name] = "unavailable"
			response.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		response.Checks[name] = "ok"
	}

	writeJSON(w, status, response)
}
