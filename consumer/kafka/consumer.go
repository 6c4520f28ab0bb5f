// Package kafka runs a gbus.Receiver on top of a confluent-kafka-go consumer.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/confluentinc/confluent-kafka-go/kafka"
)

const (
	defaultPollTimeout = 500 * time.Millisecond
	defaultBackoff     = time.Second
)

// kafkaConsumer is the subset of *kafka.Consumer used by this package.
type kafkaConsumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Seek(partition kafka.TopicPartition, timeoutMs int) error
	Close() error
}

type receiver interface {
	Topics() []string
	Receive(ctx context.Context, msg gbus.Message) error
}

type Consumer struct {
	consumer    kafkaConsumer
	receiver    receiver
	pollTimeout time.Duration
	backoff     time.Duration
	logger      gbus.Logger
}

var _ gbus.Loggable = (*Consumer)(nil)

// opt allows optional configuration.
type opt func(c *Consumer)

func WithPollTimeout(d time.Duration) opt {
	return func(c *Consumer) {
		if d > 0 {
			c.pollTimeout = d
		}
	}
}

// WithBackoff sets the pause before an unsettled message is read again.
func WithBackoff(d time.Duration) opt {
	return func(c *Consumer) {
		if d > 0 {
			c.backoff = d
		}
	}
}

func New(kc kafkaConsumer, r receiver, options ...opt) *Consumer {
	if kc == nil || reflect.ValueOf(kc).IsNil() {
		panic("consumer is mandatory")
	}
	if r == nil || reflect.ValueOf(r).IsNil() {
		panic("receiver is mandatory")
	}
	c := &Consumer{
		consumer:    kc,
		receiver:    r,
		pollTimeout: defaultPollTimeout,
		backoff:     defaultBackoff,
		logger:      &gbus.NopLogger{},
	}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Consumer) SetLogger(l gbus.Logger) {
	c.logger = l
}

// Run subscribes to the receiver topics and processes messages until ctx is
// cancelled or the consumer fails irrecoverably. Messages are committed once
// settled. Unsettled messages are rewound and consumed again after the
// backoff.
func (c *Consumer) Run(ctx context.Context) error {
	topics := c.receiver.Topics()
	if len(topics) == 0 {
		return errors.New("no topics to consume from")
	}
	if err := c.consumer.SubscribeTopics(topics, nil); err != nil {
		return fmt.Errorf("could not subscribe to %v: %w", topics, err)
	}
	c.logger.Info(fmt.Sprintf("consuming from %v", topics))
	defer func() {
		if err := c.consumer.Close(); err != nil {
			c.logger.Error("closing the kafka consumer", err)
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		m, err := c.consumer.ReadMessage(c.pollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) {
				if kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				if kerr.IsFatal() {
					return fmt.Errorf("fatal consumer error: %w", err)
				}
			}
			c.logger.Error("reading from kafka", err)
			continue
		}
		c.handle(ctx, m)
	}
}

func (c *Consumer) handle(ctx context.Context, m *kafka.Message) {
	if err := c.receiver.Receive(ctx, toMessage(m)); err != nil {
		c.logger.Error(fmt.Sprintf("message at %s not settled, consuming it again in %s", m.TopicPartition, c.backoff), err)
		if err := c.consumer.Seek(m.TopicPartition, 0); err != nil {
			c.logger.Error("rewinding the partition", err)
		}
		wait(ctx, c.backoff)
		return
	}
	if _, err := c.consumer.CommitMessage(m); err != nil {
		c.logger.Error(fmt.Sprintf("committing %s", m.TopicPartition), err)
	}
}

func wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func toMessage(m *kafka.Message) gbus.Message {
	msg := gbus.Message{
		Key:     m.Key,
		Payload: m.Value,
		Headers: make(map[string]string, len(m.Headers)),
	}
	if m.TopicPartition.Topic != nil {
		msg.Topic = *m.TopicPartition.Topic
	}
	for _, h := range m.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}
