package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iago/directory-api/internal/logging"
	"github.com/iago/directory-api/internal/policy"
)

const (
	EventSupplierCreated = "supplier.created"
	EventCompanyCreated  = "company.created"
)

// Event announces a committed enrolment side effect. Downstream consumers send the supplier
// confirmation email and the company verification letter from these.
type Event struct {
	Type       string
	ID         string
	OccurredAt time.Time
	Attributes map[string]string
}

type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// StreamPublisher appends events to a Redis stream, trimmed to roughly MaxLen entries.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamPublisher(client *redis.Client, stream string) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream, maxLen: 100000}
}

func (p *StreamPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	pipeline := p.client.Pipeline()
	for _, event := range events {
		attributes, err := json.Marshal(event.Attributes)
		if err != nil {
			return fmt.Errorf("encode %s attributes: %w", event.Type, err)
		}
		pipeline.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]any{
				"type":        event.Type,
				"id":          event.ID,
				"occurred_at": event.OccurredAt.UTC().Format(time.RFC3339Nano),
				"attributes":  string(attributes),
			},
		})
	}
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", p.stream, err)
	}
	return nil
}

// LogPublisher writes events to the log. Used when no Redis is configured.
type LogPublisher struct {
	logger *logging.Logger
}

func NewLogPublisher(logger *logging.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, events ...Event) error {
	for _, event := range events {
		attributes := make(map[string]string, len(event.Attributes))
		for key, value := range event.Attributes {
			attributes[key] = policy.MaskPIIString(value)
		}
		p.logger.Infow("enrolment event",
			"type", event.Type,
			"id", event.ID,
			"occurred_at", event.OccurredAt,
			"attributes", attributes,
		)
	}
	return nil
}
