// Package rabbitmq runs a gbus.Receiver on top of RabbitMQ queues bound to
// the receiver topics.
package rabbitmq

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/3rs4lg4d0/gobus/gbus"
	amqp "github.com/rabbitmq/amqp091-go"
)

// channel is the subset of *amqp.Channel used by this package.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

type receiver interface {
	Topics() []string
	Receive(ctx context.Context, msg gbus.Message) error
}

type Consumer struct {
	ch       channel
	receiver receiver
	group    string
	exchange string
	logger   gbus.Logger
}

var _ gbus.Loggable = (*Consumer)(nil)

// opt allows optional configuration.
type opt func(c *Consumer)

// WithExchange binds the queues to an exchange using the topic as routing
// key. Without it queues are named after the topic and fed by the default
// exchange.
func WithExchange(name string) opt {
	return func(c *Consumer) {
		c.exchange = name
	}
}

// New creates a consumer whose queues are prefixed with group, so services
// sharing a group compete for the same messages.
func New(ch channel, r receiver, group string, options ...opt) *Consumer {
	if ch == nil || reflect.ValueOf(ch).IsNil() {
		panic("channel is mandatory")
	}
	if r == nil || reflect.ValueOf(r).IsNil() {
		panic("receiver is mandatory")
	}
	c := &Consumer{ch: ch, receiver: r, group: group, logger: &gbus.NopLogger{}}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Consumer) SetLogger(l gbus.Logger) {
	c.logger = l
}

func (c *Consumer) queueName(topic string) string {
	if c.exchange == "" || c.group == "" {
		return topic
	}
	return c.group + "." + topic
}

// Run declares one durable queue per topic, plus the queue its dead letters
// are routed to, and processes deliveries until ctx is cancelled or every
// delivery channel is closed. Settled deliveries are acked, the rest are
// requeued.
func (c *Consumer) Run(ctx context.Context) error {
	topics := c.receiver.Topics()
	if len(topics) == 0 {
		return fmt.Errorf("no topics to consume from")
	}
	var feeds []<-chan amqp.Delivery
	for _, topic := range topics {
		if _, err := c.declare(gbus.DeadLetterTopic(topic)); err != nil {
			return err
		}
		queue, err := c.declare(topic)
		if err != nil {
			return err
		}
		deliveries, err := c.ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("could not consume from %s: %w", queue, err)
		}
		feeds = append(feeds, deliveries)
	}
	c.logger.Info(fmt.Sprintf("consuming from %v", topics))

	var wg sync.WaitGroup
	for _, deliveries := range feeds {
		wg.Add(1)
		go func(deliveries <-chan amqp.Delivery) {
			defer wg.Done()
			c.drain(ctx, deliveries)
		}(deliveries)
	}
	wg.Wait()
	return nil
}

// declare creates the durable queue of a routing key and binds it to the
// exchange when there is one.
func (c *Consumer) declare(key string) (string, error) {
	q, err := c.ch.QueueDeclare(c.queueName(key), true, false, false, false, nil)
	if err != nil {
		return "", fmt.Errorf("could not declare the queue for %s: %w", key, err)
	}
	if c.exchange != "" {
		if err := c.ch.QueueBind(q.Name, key, c.exchange, false, nil); err != nil {
			return "", fmt.Errorf("could not bind %s to '%s': %w", q.Name, c.exchange, err)
		}
	}
	return q.Name, nil
}

func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	if err := c.receiver.Receive(ctx, toMessage(d)); err != nil {
		c.logger.Error(fmt.Sprintf("delivery %d from %s not settled, requeuing it", d.DeliveryTag, d.RoutingKey), err)
		if err := d.Nack(false, true); err != nil {
			c.logger.Error("requeuing the delivery", err)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		c.logger.Error(fmt.Sprintf("acking delivery %d", d.DeliveryTag), err)
	}
}

func toMessage(d amqp.Delivery) gbus.Message {
	msg := gbus.Message{
		Topic:   d.RoutingKey,
		Payload: d.Body,
		Headers: make(map[string]string, len(d.Headers)),
	}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			msg.Headers[k] = s
		} else {
			msg.Headers[k] = fmt.Sprint(v)
		}
	}
	if _, ok := msg.Headers[gbus.HeaderID]; !ok && d.MessageId != "" {
		msg.Headers[gbus.HeaderID] = d.MessageId
	}
	return msg
}
