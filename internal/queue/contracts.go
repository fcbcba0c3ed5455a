package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	MaxWaitTime              = 20 * time.Second
	MaxMessagesPerReceive    = 10
	MaxVisibilityTimeout     = 12 * time.Hour
	DefaultVisibilityTimeout = 6 * time.Hour
)

var ErrInvalidConfig = errors.New("invalid queue config")

// Config holds the receive settings of one queue. It is built once at startup and passed to the client.
type Config struct {
	Name              string
	WaitTime          time.Duration
	MaxMessages       int
	VisibilityTimeout time.Duration
}

func (c Config) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: queue name is required", ErrInvalidConfig)
	case c.WaitTime < 0 || c.WaitTime > MaxWaitTime:
		return fmt.Errorf("%w: wait time %s outside 0..%s", ErrInvalidConfig, c.WaitTime, MaxWaitTime)
	case c.MaxMessages < 1 || c.MaxMessages > MaxMessagesPerReceive:
		return fmt.Errorf("%w: max messages %d outside 1..%d", ErrInvalidConfig, c.MaxMessages, MaxMessagesPerReceive)
	case c.VisibilityTimeout < time.Second || c.VisibilityTimeout > MaxVisibilityTimeout:
		return fmt.Errorf("%w: visibility timeout %s outside 1s..%s", ErrInvalidConfig, c.VisibilityTimeout, MaxVisibilityTimeout)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MaxMessages == 0 {
		c.MaxMessages = MaxMessagesPerReceive
	}
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	return c
}

// Message is a received queue entry. It stays invisible to other consumers until the visibility
// timeout expires; Delete removes it permanently.
type Message interface {
	ID() string
	Body() string
	Delete(ctx context.Context) error
}

// Receiver returns up to the configured number of messages, long-polling up to the configured wait time.
type Receiver interface {
	Receive(ctx context.Context) ([]Message, error)
}

// Sender enqueues a new message body.
type Sender interface {
	Send(ctx context.Context, body string) error
}

type Client interface {
	Receiver
	Sender
	Name() string
}

type batchSender interface {
	SendBatch(ctx context.Context, bodies []string) error
}
