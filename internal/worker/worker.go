package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/iago/directory-api/internal/domain"
	"github.com/iago/directory-api/internal/enrolment"
	"github.com/iago/directory-api/internal/logging"
	"github.com/iago/directory-api/internal/metrics"
	"github.com/iago/directory-api/internal/queue"
	"github.com/iago/directory-api/internal/signals"
)

type State string

const (
	StatePolling    State = "polling"
	StateProcessing State = "processing"
	StateDraining   State = "draining"
	StateStopped    State = "stopped"
)

const defaultReceiveErrorPause = 2 * time.Second

var tracer = otel.Tracer("github.com/iago/directory-api/internal/worker")

// Persister stores the records of one valid enrolment message.
type Persister interface {
	CreateObjects(ctx context.Context, payload domain.Payload, messageID string) error
}

type Option func(*Worker)

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithGarbageCollector replaces the full collection run after every batch.
func WithGarbageCollector(collect func()) Option {
	return func(w *Worker) {
		w.collectGarbage = collect
	}
}

func WithReceiveErrorPause(d time.Duration) Option {
	return func(w *Worker) {
		w.receiveErrorPause = d
	}
}

// Worker consumes the enrolment queue one message at a time until an exit signal is seen.
type Worker struct {
	source    queue.Client
	invalid   queue.Sender
	persister Persister
	shutdown  signals.ShutdownSignal
	logger    *logging.Logger
	metrics   *metrics.Metrics

	collectGarbage    func()
	receiveErrorPause time.Duration

	state atomic.Value
}

func New(
	source queue.Client,
	invalid queue.Sender,
	persister Persister,
	shutdown signals.ShutdownSignal,
	logger *logging.Logger,
	opts ...Option,
) *Worker {
	w := &Worker{
		source:            source,
		invalid:           invalid,
		persister:         persister,
		shutdown:          shutdown,
		logger:            logger,
		collectGarbage:    runtime.GC,
		receiveErrorPause: defaultReceiveErrorPause,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.state.Store(StatePolling)
	return w
}

// State is safe to call from other goroutines.
func (w *Worker) State() State {
	return w.state.Load().(State)
}

func (w *Worker) setState(state State) {
	w.state.Store(state)
	w.metrics.SetState(string(state))
}

// Run polls until an exit signal is received or ctx is done, and returns nil on a clean stop.
// ctx is only consulted between messages: a message already being processed always runs to the
// end of its transaction. Messages left in a batch when the loop stops are not deleted and come
// back after the visibility timeout.
func (w *Worker) Run(ctx context.Context) error {
	messageCtx := context.WithoutCancel(ctx)

	w.logger.Infow("worker started", "queue", w.source.Name())
	defer func() {
		w.setState(StateStopped)
		w.logger.Infow("worker stopped", "queue", w.source.Name())
	}()

	for {
		if w.exitRequested(ctx) {
			w.setState(StateDraining)
			return nil
		}

		w.setState(StatePolling)
		w.logger.Debugw("retrieving messages", "queue", w.source.Name())
		messages, err := w.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.metrics.IncReceiveError()
			w.logger.Errorw("receive failed", "queue", w.source.Name(), "error", err)
			w.pause(ctx)
			continue
		}
		w.metrics.ObserveBatch(len(messages))
		if len(messages) == 0 {
			continue
		}

		w.setState(StateProcessing)
		for index, message := range messages {
			_ = w.ProcessMessage(messageCtx, message)

			if w.exitRequested(ctx) {
				w.setState(StateDraining)
				if left := len(messages) - index - 1; left > 0 {
					w.logger.Infow("leaving unprocessed messages for redelivery", "queue", w.source.Name(), "count", left)
				}
				return nil
			}
		}

		w.collectGarbage()
	}
}

// ProcessMessage routes one message: invalid bodies go to the invalid queue and are deleted,
// valid ones are persisted and deleted. Any other failure leaves the message on the queue.
// A panic is recovered and reported as an error.
func (w *Worker) ProcessMessage(ctx context.Context, message queue.Message) (err error) {
	start := time.Now()
	outcome := metrics.OutcomeFailed
	messageID := message.ID()

	ctx, span := tracer.Start(ctx, "worker.ProcessMessage")
	span.SetAttributes(
		attribute.String("messaging.message.id", messageID),
		attribute.String("messaging.destination.name", w.source.Name()),
	)
	defer func() {
		if recovered := recover(); recovered != nil {
			outcome = metrics.OutcomeFailed
			err = fmt.Errorf("panic processing message %s: %v", messageID, recovered)
			w.logger.Errorw("panic while processing message",
				"message_id", messageID,
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("enrolment.outcome", outcome))
		span.End()
		w.metrics.ObserveMessage(outcome, time.Since(start))
	}()

	w.logger.Debugw("processing message", "message_id", messageID)

	payload, parseErr := enrolment.Parse(message.Body())
	if parseErr != nil {
		w.logger.Errorw("message body is not a valid enrolment, sending it to the invalid messages queue",
			"message_id", messageID,
			"error", parseErr,
		)
		if err := w.invalid.Send(ctx, message.Body()); err != nil {
			w.logger.Errorw("send to invalid messages queue failed", "message_id", messageID, "error", err)
			return fmt.Errorf("dead-letter message %s: %w", messageID, err)
		}
		outcome = metrics.OutcomeDeadLettered
		return w.delete(ctx, message)
	}

	if err := w.persister.CreateObjects(ctx, payload, messageID); err != nil {
		if errors.Is(err, enrolment.ErrDuplicateMessage) {
			w.logger.Warnw("message already processed, deleting it", "message_id", messageID)
			outcome = metrics.OutcomeDuplicate
			return w.delete(ctx, message)
		}
		w.logger.Errorw("message processing failed, leaving it for redelivery", "message_id", messageID, "error", err)
		return fmt.Errorf("process message %s: %w", messageID, err)
	}

	outcome = metrics.OutcomeCreated
	return w.delete(ctx, message)
}

func (w *Worker) delete(ctx context.Context, message queue.Message) error {
	if err := message.Delete(ctx); err != nil {
		w.logger.Errorw("delete message failed", "message_id", message.ID(), "error", err)
		return fmt.Errorf("delete message %s: %w", message.ID(), err)
	}
	return nil
}

func (w *Worker) exitRequested(ctx context.Context) bool {
	if received := w.shutdown.Received(); len(received) > 0 {
		w.logger.Warnw("exit signal received", "signals", signalNames(received))
		return true
	}
	if ctx.Err() != nil {
		w.logger.Warnw("worker context done", "error", ctx.Err())
		return true
	}
	return false
}

func (w *Worker) pause(ctx context.Context) {
	timer := time.NewTimer(w.receiveErrorPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func signalNames(received []os.Signal) []string {
	names := make([]string, 0, len(received))
	for _, sig := range received {
		names = append(names, sig.String())
	}
	return names
}
