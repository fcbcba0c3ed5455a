package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrQueueBackpressure = errors.New("queue backpressure: send buffer is full")
	ErrBatchingClosed    = errors.New("batching producer is closed")
)

const (
	defaultFlushInterval = 25 * time.Millisecond
	defaultFlushTimeout  = 3 * time.Second
	defaultQueueCapacity = 512
)

type BatchingConfig struct {
	MaxBatchSize  int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
	QueueCapacity int
}

func (c BatchingConfig) withDefaults() BatchingConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = MaxMessagesPerReceive
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = defaultFlushTimeout
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	return c
}

type pendingSend struct {
	ctx  context.Context
	body string
	done chan error
}

type batch []pendingSend

// live answers sends whose caller already gave up and returns the rest.
func (b batch) live() batch {
	kept := make(batch, 0, len(b))
	for _, send := range b {
		if err := send.ctx.Err(); err != nil {
			send.done <- err
			continue
		}
		kept = append(kept, send)
	}
	return kept
}

func (b batch) bodies() []string {
	bodies := make([]string, len(b))
	for i, send := range b {
		bodies[i] = send.body
	}
	return bodies
}

func (b batch) resolve(err error) {
	for _, send := range b {
		send.done <- err
	}
}

// BatchingProducer coalesces Send calls that arrive close together into one write.
// The buffer is bounded: when it is full Send fails fast with ErrQueueBackpressure.
// Send still returns only after its body was written, so callers keep synchronous semantics.
type BatchingProducer struct {
	base   Sender
	writer batchSender
	cfg    BatchingConfig

	in         chan pendingSend
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	parentDone <-chan struct{}
}

// NewBatchingProducer starts the flush loop. It stops when parent is done or Close is called,
// flushing everything already accepted.
func NewBatchingProducer(parent context.Context, base Sender, cfg BatchingConfig) *BatchingProducer {
	cfg = cfg.withDefaults()
	p := &BatchingProducer{
		base:       base,
		cfg:        cfg,
		in:         make(chan pendingSend, cfg.QueueCapacity),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		parentDone: parent.Done(),
	}
	if writer, ok := base.(batchSender); ok {
		p.writer = writer
	}
	go p.run()
	return p
}

func (p *BatchingProducer) Send(ctx context.Context, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrBatchingClosed
	default:
	}

	send := pendingSend{ctx: ctx, body: body, done: make(chan error, 1)}
	select {
	case p.in <- send:
	default:
		return ErrQueueBackpressure
	}

	select {
	case err := <-send.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *BatchingProducer) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
		<-p.done
	})
}

func (p *BatchingProducer) run() {
	defer close(p.done)

	var pending batch
	timer := time.NewTimer(p.cfg.FlushInterval)
	timer.Stop()
	var tick <-chan time.Time

	flush := func() {
		timer.Stop()
		tick = nil
		p.write(pending, false)
		pending = nil
	}

	for {
		select {
		case <-p.parentDone:
			p.shutdown(pending)
			return
		case <-p.stop:
			p.shutdown(pending)
			return
		case <-tick:
			flush()
		case send := <-p.in:
			pending = append(pending, send)
			if len(pending) == 1 {
				timer.Reset(p.cfg.FlushInterval)
				tick = timer.C
			}
			if len(pending) >= p.cfg.MaxBatchSize {
				flush()
			}
		}
	}
}

// shutdown writes the pending batch plus anything still buffered, without a deadline.
func (p *BatchingProducer) shutdown(pending batch) {
	for {
		select {
		case send := <-p.in:
			pending = append(pending, send)
		default:
			p.write(pending, true)
			return
		}
	}
}

func (p *BatchingProducer) write(pending batch, final bool) {
	live := pending.live()
	if len(live) == 0 {
		return
	}

	ctx := context.Background()
	if !final {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.FlushTimeout)
		defer cancel()
	}
	live.resolve(p.sendAll(ctx, live.bodies()))
}

func (p *BatchingProducer) sendAll(ctx context.Context, bodies []string) error {
	if p.writer != nil {
		return p.writer.SendBatch(ctx, bodies)
	}
	for _, body := range bodies {
		if err := p.base.Send(ctx, body); err != nil {
			return err
		}
	}
	return nil
}
