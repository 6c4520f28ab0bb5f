// Package rabbitmq emits outbox records and dead letters to a RabbitMQ
// exchange, using the topic as routing key. Every message is published as
// mandatory on a channel in confirm mode, and it counts as delivered only
// once the broker acks it and did not return it as unroutable.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	contentType = "application/json"

	DefaultConfirmTimeout = 5 * time.Second

	returnsBuffer = 16
)

var (
	ErrNacked         = errors.New("the broker nacked the message")
	ErrUnroutable     = errors.New("the message was not routed to any queue")
	ErrConfirmTimeout = errors.New("timed out waiting for the broker confirmation")
	ErrConfirmsClosed = errors.New("the confirmation stream is closed")
)

// channel is the subset of *amqp.Channel used by this package.
type channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// opt allows optional configuration.
type opt func(p *Publisher)

// WithExchange sets the exchange messages are published to. The default
// exchange is used otherwise.
func WithExchange(name string) opt {
	return func(p *Publisher) {
		p.exchange = name
	}
}

// WithConfirmTimeout bounds the wait for each broker confirmation.
func WithConfirmTimeout(d time.Duration) opt {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// Publisher owns the confirm stream of a channel. Publications are
// serialized, so the emitter and the dead letter sharing a channel must share
// the Publisher too.
type Publisher struct {
	mu       sync.Mutex
	ch       channel
	exchange string
	timeout  time.Duration
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	seq      uint64
	logger   gbus.Logger
}

var _ gbus.Loggable = (*Publisher)(nil)

// NewPublisher puts ch in confirm mode and listens to its confirmations and
// returns.
func NewPublisher(ch channel, options ...opt) (*Publisher, error) {
	if ch == nil || reflect.ValueOf(ch).IsNil() {
		panic("channel is mandatory")
	}
	p := &Publisher{ch: ch, timeout: DefaultConfirmTimeout, logger: &gbus.NopLogger{}}
	for _, o := range options {
		o(p)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("could not enable publisher confirms: %w", err)
	}
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.returns = ch.NotifyReturn(make(chan amqp.Return, returnsBuffer))
	return p, nil
}

func (p *Publisher) SetLogger(l gbus.Logger) {
	p.logger = l
}

// Publish sends msg and waits for its confirmation.
func (p *Publisher) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, true, false, msg); err != nil {
		return err
	}
	p.seq++
	if err := p.waitConfirm(ctx, p.seq); err != nil {
		return err
	}
	return p.returned(routingKey, msg.MessageId)
}

func (p *Publisher) waitConfirm(ctx context.Context, tag uint64) error {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	for {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				return ErrConfirmsClosed
			}
			if c.DeliveryTag < tag {
				// late confirmation of a publication nobody waits for anymore
				p.logger.Debug(fmt.Sprintf("discarding the confirmation of delivery tag %d", c.DeliveryTag))
				continue
			}
			if !c.Ack {
				return fmt.Errorf("%w: delivery tag %d", ErrNacked, c.DeliveryTag)
			}
			return nil
		case <-timer.C:
			return fmt.Errorf("%w: delivery tag %d", ErrConfirmTimeout, tag)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// returned drains the pending returns. The broker sends a basic.return
// before the ack of an unroutable mandatory message.
func (p *Publisher) returned(routingKey, messageID string) error {
	var err error
	for {
		select {
		case r, ok := <-p.returns:
			if !ok {
				return err
			}
			if r.RoutingKey == routingKey && r.MessageId == messageID {
				err = fmt.Errorf("%w: routing key %s (%d %s)", ErrUnroutable, routingKey, r.ReplyCode, r.ReplyText)
			}
		default:
			return err
		}
	}
}

type Emitter struct {
	publisher *Publisher
	logger    gbus.Logger
}

var _ gbus.Emitter = (*Emitter)(nil)
var _ gbus.Loggable = (*Emitter)(nil)

func New(p *Publisher) *Emitter {
	if p == nil {
		panic("publisher is mandatory")
	}
	return &Emitter{publisher: p, logger: &gbus.NopLogger{}}
}

func (e *Emitter) SetLogger(l gbus.Logger) {
	e.logger = l
	e.publisher.SetLogger(l)
}

// Emit publishes the record and writes its delivery report once the broker
// confirmed it. Nacked, returned or unconfirmed records produce an error, so
// they stay in the outbox.
func (e *Emitter) Emit(ctx context.Context, o *gbus.OutboxRecord, dc chan *gbus.DeliveryReport) error {
	msg := amqp.Publishing{
		Headers:       table(o.Headers()),
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: o.TraceID,
		MessageId:     o.ID.String(),
		Timestamp:     o.CreatedAt,
		Type:          o.EventType,
		Body:          o.Payload,
	}
	if err := e.publisher.Publish(ctx, o.Topic, msg); err != nil {
		return err
	}
	dc <- &gbus.DeliveryReport{
		Record:  o,
		Details: fmt.Sprintf("published message to exchange '%s' with routing key %s", e.publisher.exchange, o.Topic),
	}
	return nil
}

// DeadLetter publishes unprocessable messages with '<topic>.dead-letter' as
// routing key. The consumer declares the matching queues.
type DeadLetter struct {
	publisher *Publisher
	logger    gbus.Logger
}

var _ gbus.DeadLetter = (*DeadLetter)(nil)
var _ gbus.Loggable = (*DeadLetter)(nil)

func NewDeadLetter(p *Publisher) *DeadLetter {
	if p == nil {
		panic("publisher is mandatory")
	}
	return &DeadLetter{publisher: p, logger: &gbus.NopLogger{}}
}

func (d *DeadLetter) SetLogger(l gbus.Logger) {
	d.logger = l
}

func (d *DeadLetter) Send(ctx context.Context, m gbus.DeadLetterMessage) error {
	msg := amqp.Publishing{
		Headers:      table(m.Headers()),
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    m.Message.Headers[gbus.HeaderID],
		Body:         m.Message.Payload,
	}
	if err := d.publisher.Publish(ctx, m.Topic(), msg); err != nil {
		return fmt.Errorf("could not publish to '%s': %w", m.Topic(), err)
	}
	d.logger.Debug(fmt.Sprintf("dead letter published with routing key %s", m.Topic()))
	return nil
}

func table(headers map[string]string) amqp.Table {
	t := make(amqp.Table, len(headers))
	for k, v := range headers {
		t[k] = v
	}
	return t
}
