package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/iago/directory-api/internal/logging"
	"github.com/iago/directory-api/internal/metrics"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDKeepsCallerHeader(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set(RequestIDHeader, "req-123")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", recorder.Header().Get(RequestIDHeader))
}

func TestRequestIDGeneratesWhenMissing(t *testing.T) {
	recorder := httptest.NewRecorder()
	RequestID(okHandler()).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Len(t, recorder.Header().Get(RequestIDHeader), 36)
	assert.Equal(t, "unknown", GetRequestID(context.Background()))
}

func TestAuth(t *testing.T) {
	cases := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{name: "disabled", token: "", header: "", want: http.StatusOK},
		{name: "missing header", token: "secret", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", token: "secret", header: "Basic secret", want: http.StatusUnauthorized},
		{name: "wrong token", token: "secret", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid", token: "secret", header: "Bearer secret", want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodPost, "/v1/enrolments", nil)
			if tc.header != "" {
				request.Header.Set("Authorization", tc.header)
			}
			recorder := httptest.NewRecorder()
			Auth(tc.token)(okHandler()).ServeHTTP(recorder, request)
			assert.Equal(t, tc.want, recorder.Code)
		})
	}
}

func TestAuthErrorEnvelope(t *testing.T) {
	handler := RequestID(Auth("secret")(okHandler()))
	request := httptest.NewRequest(http.MethodPost, "/v1/enrolments", nil)
	request.Header.Set(RequestIDHeader, "req-9")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	var payload ErrorPayload
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&payload))
	assert.Equal(t, "unauthorized", payload.Error.Code)
	assert.Equal(t, "req-9", payload.RequestID)
}

func TestRateLimitRejectsAfterBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimit(ctx, 0.001, 1)(okHandler())

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	other := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	other.RemoteAddr = "10.0.0.2:4000"
	third := httptest.NewRecorder()
	handler.ServeHTTP(third, other)
	assert.Equal(t, http.StatusOK, third.Code, "buckets are per client ip")
}

func TestExtractIP(t *testing.T) {
	assert.Equal(t, "10.0.0.1", extractIP("10.0.0.1:1234"))
	assert.Equal(t, "garbage", extractIP("garbage"))
}

func TestTraceLabelsByRoutePattern(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := &logging.Logger{SugaredLogger: zap.New(core).Sugar()}
	m := metrics.New(prometheus.NewRegistry())

	router := chi.NewRouter()
	router.Use(RequestID, Trace(logger, m))
	router.Get("/v1/companies/{number}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/companies/01234567", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/companies/SC123456", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "/v1/companies/{number}", "404")))

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "/v1/companies/{number}", entries[0].ContextMap()["route"])
	assert.EqualValues(t, http.StatusNotFound, entries[0].ContextMap()["status"])
}
