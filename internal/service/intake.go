package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iago/directory-api/internal/enrolment"
	"github.com/iago/directory-api/internal/logging"
	"github.com/iago/directory-api/internal/policy"
	"github.com/iago/directory-api/internal/queue"
)

// Receipt describes an accepted submission.
type Receipt struct {
	Queue         string
	SchemaVersion string
}

// IntakeService accepts enrolment submissions and enqueues them for the worker.
type IntakeService struct {
	producer queue.Sender
	queue    string
	logger   *logging.Logger
}

func NewIntakeService(producer queue.Sender, queueName string, logger *logging.Logger) *IntakeService {
	return &IntakeService{producer: producer, queue: queueName, logger: logger}
}

// Submit runs the same structural check the worker applies and enqueues the body unchanged.
// A rejected body returns a *enrolment.MalformedPayloadError; a full send buffer returns
// queue.ErrQueueBackpressure.
func (s *IntakeService) Submit(ctx context.Context, body string) (*Receipt, error) {
	payload, err := enrolment.Parse(body)
	if err != nil {
		return nil, err
	}

	if err := s.producer.Send(ctx, body); err != nil {
		return nil, fmt.Errorf("enqueue enrolment: %w", err)
	}

	s.logger.Debugw("enrolment enqueued",
		"queue", s.queue,
		"schema_version", string(payload.Version),
		"payload", string(policy.MaskPIIJSON(json.RawMessage(body))),
	)
	return &Receipt{Queue: s.queue, SchemaVersion: string(payload.Version)}, nil
}
