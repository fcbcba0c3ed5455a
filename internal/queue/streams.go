package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const bodyField = "body"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects and pings Redis. The client is shared by every stream the process uses.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type StreamsConfig struct {
	Queue    Config
	Group    string
	Consumer string
}

// StreamsQueue implements Client on a Redis stream read through a consumer group.
// Pending entries idle for longer than the visibility timeout are reclaimed on the next
// Receive, which gives the lease/redelivery behaviour of a managed queue.
type StreamsQueue struct {
	client   *redis.Client
	cfg      Config
	group    string
	consumer string
}

func NewStreamsQueue(ctx context.Context, client *redis.Client, cfg StreamsConfig) (*StreamsQueue, error) {
	queueCfg := cfg.Queue.withDefaults()
	if err := queueCfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Group == "" {
		cfg.Group = "enrolment_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}

	q := &StreamsQueue{
		client:   client,
		cfg:      queueCfg,
		group:    cfg.Group,
		consumer: cfg.Consumer,
	}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *StreamsQueue) Name() string {
	return q.cfg.Name
}

func (q *StreamsQueue) Send(ctx context.Context, body string) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Name,
		Values: map[string]any{bodyField: body},
	}).Err()
	if err != nil {
		return fmt.Errorf("send to %s: %w", q.cfg.Name, err)
	}
	return nil
}

func (q *StreamsQueue) SendBatch(ctx context.Context, bodies []string) error {
	if len(bodies) == 0 {
		return nil
	}

	pipeline := q.client.Pipeline()
	for _, body := range bodies {
		pipeline.XAdd(ctx, &redis.XAddArgs{
			Stream: q.cfg.Name,
			Values: map[string]any{bodyField: body},
		})
	}
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("send batch to %s: %w", q.cfg.Name, err)
	}
	return nil
}

func (q *StreamsQueue) Receive(ctx context.Context) ([]Message, error) {
	reclaimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Name,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    int64(q.cfg.MaxMessages),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim %s: %w", q.cfg.Name, err)
	}
	if len(reclaimed) > 0 {
		return q.wrap(reclaimed), nil
	}

	block := q.cfg.WaitTime
	if block <= 0 {
		block = -1
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.cfg.Name, ">"},
		Count:    int64(q.cfg.MaxMessages),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", q.cfg.Name, err)
	}

	var messages []Message
	for _, stream := range streams {
		messages = append(messages, q.wrap(stream.Messages)...)
	}
	return messages, nil
}

func (q *StreamsQueue) wrap(items []redis.XMessage) []Message {
	messages := make([]Message, 0, len(items))
	for _, item := range items {
		messages = append(messages, &streamMessage{queue: q, id: item.ID, body: bodyOf(item)})
	}
	return messages
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Name, q.group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, q.cfg.Name, q.group, streamID)
		pipe.XDel(ctx, q.cfg.Name, streamID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s from %s: %w", streamID, q.cfg.Name, err)
	}
	return nil
}

func bodyOf(item redis.XMessage) string {
	switch value := item.Values[bodyField].(type) {
	case string:
		return value
	case []byte:
		return string(value)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", value)
	}
}

type streamMessage struct {
	queue *StreamsQueue
	id    string
	body  string
}

func (m *streamMessage) ID() string   { return m.id }
func (m *streamMessage) Body() string { return m.body }

func (m *streamMessage) Delete(ctx context.Context) error {
	return m.queue.ackAndDelete(ctx, m.id)
}
