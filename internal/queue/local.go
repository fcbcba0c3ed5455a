package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalQueue is an in-process queue used when Redis is not configured. It keeps the
// receive/visibility-timeout/delete contract of the managed queue.
type LocalQueue struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries []*localEntry
	notify  chan struct{}
}

type localEntry struct {
	id             string
	body           string
	invisibleUntil time.Time
	receiveCount   int
}

type LocalOption func(*LocalQueue)

// WithClock overrides the clock used for visibility deadlines.
func WithClock(now func() time.Time) LocalOption {
	return func(q *LocalQueue) {
		q.now = now
	}
}

func NewLocalQueue(cfg Config, opts ...LocalOption) *LocalQueue {
	q := &LocalQueue{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		notify: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *LocalQueue) Name() string {
	return q.cfg.Name
}

func (q *LocalQueue) Send(ctx context.Context, body string) error {
	return q.SendBatch(ctx, []string{body})
}

func (q *LocalQueue) SendBatch(ctx context.Context, bodies []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, body := range bodies {
		q.entries = append(q.entries, &localEntry{id: uuid.NewString(), body: body})
	}
	close(q.notify)
	q.notify = make(chan struct{})
	return nil
}

func (q *LocalQueue) Receive(ctx context.Context) ([]Message, error) {
	var timeout <-chan time.Time
	if q.cfg.WaitTime > 0 {
		timer := time.NewTimer(q.cfg.WaitTime)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		messages, notify := q.take()
		if len(messages) > 0 || timeout == nil {
			return messages, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		case <-timeout:
			messages, _ = q.take()
			return messages, nil
		}
	}
}

// take leases up to MaxMessages visible entries in FIFO order.
func (q *LocalQueue) take() ([]Message, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	messages := make([]Message, 0, q.cfg.MaxMessages)
	for _, entry := range q.entries {
		if len(messages) >= q.cfg.MaxMessages {
			break
		}
		if now.Before(entry.invisibleUntil) {
			continue
		}
		entry.invisibleUntil = now.Add(q.cfg.VisibilityTimeout)
		entry.receiveCount++
		messages = append(messages, &localMessage{queue: q, id: entry.id, body: entry.body})
	}
	return messages, q.notify
}

func (q *LocalQueue) delete(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for index, entry := range q.entries {
		if entry.id == id {
			q.entries = append(q.entries[:index], q.entries[index+1:]...)
			return
		}
	}
}

// Len reports every entry still held, visible or leased.
func (q *LocalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Bodies returns the bodies of all held entries in queue order.
func (q *LocalQueue) Bodies() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	bodies := make([]string, 0, len(q.entries))
	for _, entry := range q.entries {
		bodies = append(bodies, entry.body)
	}
	return bodies
}

// ReceiveCount reports how many times the entry was handed out, 0 when it no longer exists.
func (q *LocalQueue) ReceiveCount(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, entry := range q.entries {
		if entry.id == id {
			return entry.receiveCount
		}
	}
	return 0
}

type localMessage struct {
	queue *LocalQueue
	id    string
	body  string
}

func (m *localMessage) ID() string   { return m.id }
func (m *localMessage) Body() string { return m.body }

func (m *localMessage) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.queue.delete(m.id)
	return nil
}
