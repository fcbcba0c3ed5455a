package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveMessageCountsByOutcome(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveMessage(OutcomeCreated, 10*time.Millisecond)
	m.ObserveMessage(OutcomeCreated, 20*time.Millisecond)
	m.ObserveMessage(OutcomeDeadLettered, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesProcessed.WithLabelValues(OutcomeCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesProcessed.WithLabelValues(OutcomeDeadLettered)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.MessagesProcessed.WithLabelValues(OutcomeFailed)))
}

func TestSetStateIsExclusive(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetState("processing")
	m.SetState("draining")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.WorkerState.WithLabelValues("processing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerState.WithLabelValues("draining")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveMessage(OutcomeFailed, time.Second)
	m.ObserveBatch(3)
	m.IncReceiveError()
	m.SetState("polling")
	m.ObserveHTTP("GET", "/healthz", 200, time.Millisecond)
}

func TestObserveHTTP(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveHTTP("POST", "/v1/enrolments", 202, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/v1/enrolments", "202")))
}
