package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message outcomes.
const (
	OutcomeCreated      = "created"
	OutcomeDuplicate    = "duplicate"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeFailed       = "failed"
)

var workerStates = []string{"polling", "processing", "draining", "stopped"}

// Metrics provides observability for the enrolment worker and its ops server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	MessagesProcessed *prometheus.CounterVec
	MessageDuration   *prometheus.HistogramVec
	ReceivedBatchSize prometheus.Histogram
	ReceiveErrors     prometheus.Counter
	WorkerState       *prometheus.GaugeVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enrolment_messages_processed_total",
			Help: "Enrolment queue messages handled, by outcome",
		}, []string{"outcome"}),

		MessageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enrolment_message_duration_seconds",
			Help:    "Time spent handling one enrolment message, by outcome",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"outcome"}),

		ReceivedBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "enrolment_receive_batch_size",
			Help:    "Messages returned by one receive call",
			Buckets: []float64{0, 1, 2, 5, 10},
		}),

		ReceiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "enrolment_receive_errors_total",
			Help: "Failed receive calls against the enrolment queue",
		}),

		WorkerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "enrolment_worker_state",
			Help: "1 for the state the worker loop is currently in",
		}, []string{"state"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) ObserveMessage(outcome string, d time.Duration) {
	if m != nil {
		m.MessagesProcessed.WithLabelValues(outcome).Inc()
		m.MessageDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveBatch(size int) {
	if m != nil {
		m.ReceivedBatchSize.Observe(float64(size))
	}
}

func (m *Metrics) IncReceiveError() {
	if m != nil {
		m.ReceiveErrors.Inc()
	}
}

// SetState marks state as current and clears the others.
func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	for _, known := range workerStates {
		value := 0.0
		if known == state {
			value = 1
		}
		m.WorkerState.WithLabelValues(known).Set(value)
	}
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m != nil {
		code := strconv.Itoa(status)
		m.HTTPRequests.WithLabelValues(method, route, code).Inc()
		m.HTTPDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
	}
}
