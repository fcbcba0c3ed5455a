package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/iago/directory-api/internal/http/middleware"
	"github.com/iago/directory-api/internal/logging"
	"github.com/iago/directory-api/internal/repository"
	"github.com/iago/directory-api/internal/service"
)

// maxBodyBytes bounds a submitted enrolment body.
const maxBodyBytes = 1 << 20

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

// Subscriptions changes what reminders a supplier receives.
type Subscriptions interface {
	Unsubscribe(ctx context.Context, email string) error
	LetterSent(ctx context.Context, number string) error
}

type API struct {
	intake        *service.IntakeService
	reader        repository.Reader
	subscriptions Subscriptions
	checks        map[string]Check
	workerState   func() string
	logger        *logging.Logger
}

type Dependencies struct {
	Intake        *service.IntakeService
	Reader        repository.Reader
	Subscriptions Subscriptions
	// Checks are run by /healthz, keyed by dependency name.
	Checks      map[string]Check
	WorkerState func() string
	Logger      *logging.Logger
}

func NewAPI(deps Dependencies) *API {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &API{
		intake:        deps.Intake,
		reader:        deps.Reader,
		subscriptions: deps.Subscriptions,
		checks:        deps.Checks,
		workerState:   deps.WorkerState,
		logger:        logger,
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	middleware.WriteError(w, r, statusCode, code, message)
}

func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "not_found", "route not found")
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}
