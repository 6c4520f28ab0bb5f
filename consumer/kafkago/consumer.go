// Package kafkago runs a gbus.Receiver on top of a segmentio kafka-go
// consumer group reader.
package kafkago

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
	kafkago "github.com/segmentio/kafka-go"
)

const defaultBackoff = time.Second

// reader is the subset of *kafkago.Reader used by this package.
type reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type receiver interface {
	Receive(ctx context.Context, msg gbus.Message) error
}

type Consumer struct {
	reader   reader
	receiver receiver
	backoff  time.Duration
	logger   gbus.Logger
}

var _ gbus.Loggable = (*Consumer)(nil)

// opt allows optional configuration.
type opt func(c *Consumer)

// WithBackoff sets the pause before an unsettled message is received again.
func WithBackoff(d time.Duration) opt {
	return func(c *Consumer) {
		if d > 0 {
			c.backoff = d
		}
	}
}

func New(rd reader, r receiver, options ...opt) *Consumer {
	if rd == nil || reflect.ValueOf(rd).IsNil() {
		panic("reader is mandatory")
	}
	if r == nil || reflect.ValueOf(r).IsNil() {
		panic("receiver is mandatory")
	}
	c := &Consumer{reader: rd, receiver: r, backoff: defaultBackoff, logger: &gbus.NopLogger{}}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Consumer) SetLogger(l gbus.Logger) {
	c.logger = l
}

// Run fetches and settles messages until ctx is cancelled or the reader is
// closed. A message is committed once settled; until then it is received
// again, so the partition does not move past it.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Error("closing the kafka reader", err)
		}
	}()
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("fetching from kafka: %w", err)
		}
		if !c.settle(ctx, m) {
			return nil
		}
	}
}

// settle returns false when ctx was cancelled before the message was settled.
func (c *Consumer) settle(ctx context.Context, m kafkago.Message) bool {
	msg := toMessage(m)
	for {
		err := c.receiver.Receive(ctx, msg)
		if err == nil {
			if err := c.reader.CommitMessages(ctx, m); err != nil {
				c.logger.Error(fmt.Sprintf("committing %s [%d] at offset %d", m.Topic, m.Partition, m.Offset), err)
			}
			return true
		}
		c.logger.Error(fmt.Sprintf("message %s [%d] at offset %d not settled, receiving it again in %s", m.Topic, m.Partition, m.Offset, c.backoff), err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.backoff):
		}
	}
}

func toMessage(m kafkago.Message) gbus.Message {
	msg := gbus.Message{
		Topic:   m.Topic,
		Key:     m.Key,
		Payload: m.Value,
		Headers: make(map[string]string, len(m.Headers)),
	}
	for _, h := range m.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}
