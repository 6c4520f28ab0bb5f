// Package kafkago emits outbox records and dead letters with segmentio's
// kafka-go writer.
package kafkago

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/gobus/emitter"
	"github.com/3rs4lg4d0/gobus/gbus"
	kafkago "github.com/segmentio/kafka-go"
)

// DefaultBatchTimeout bounds how long the writer waits to fill a batch.
// kafka-go defaults to one second, which caps a synchronous caller at one
// write per second.
const DefaultBatchTimeout = 10 * time.Millisecond

// NewWriter returns a writer for the relay and the dead letter: keyed
// partitioning, acks from every in-sync replica and short batches.
func NewWriter(brokers ...string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		BatchTimeout:           DefaultBatchTimeout,
		AllowAutoTopicCreation: true,
	}
}

// writer is the subset of *kafkago.Writer used by this package. The writer
// must not have a default Topic, since every message carries its own.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
}

type Emitter struct {
	writer writer
	logger gbus.Logger
}

var _ gbus.Emitter = (*Emitter)(nil)
var _ gbus.Loggable = (*Emitter)(nil)

func New(w writer) *Emitter {
	if w == nil || reflect.ValueOf(w).IsNil() {
		panic("writer is mandatory")
	}
	return &Emitter{writer: w, logger: &gbus.NopLogger{}}
}

func (e *Emitter) SetLogger(l gbus.Logger) {
	e.logger = l
}

// Emit writes the record in background and returns. Concurrent writes are
// batched by the writer, so a whole outbox batch shares a few round trips.
// The delivery report reaches dc once the write completes.
func (e *Emitter) Emit(ctx context.Context, o *gbus.OutboxRecord, dc chan *gbus.DeliveryReport) error {
	msg := newMessage(o.Topic, []byte(o.Key), o.Payload, o.Headers())
	go func() {
		if err := e.writer.WriteMessages(ctx, msg); err != nil {
			dc <- &gbus.DeliveryReport{Record: o, Error: err}
			return
		}
		dc <- &gbus.DeliveryReport{Record: o, Details: fmt.Sprintf("delivered message to topic %s", o.Topic)}
	}()
	return nil
}

// DeadLetter writes unprocessable messages to '<topic>.dead-letter'.
type DeadLetter struct {
	writer writer
	logger gbus.Logger
}

var _ gbus.DeadLetter = (*DeadLetter)(nil)
var _ gbus.Loggable = (*DeadLetter)(nil)

func NewDeadLetter(w writer) *DeadLetter {
	if w == nil || reflect.ValueOf(w).IsNil() {
		panic("writer is mandatory")
	}
	return &DeadLetter{writer: w, logger: &gbus.NopLogger{}}
}

func (d *DeadLetter) SetLogger(l gbus.Logger) {
	d.logger = l
}

func (d *DeadLetter) Send(ctx context.Context, m gbus.DeadLetterMessage) error {
	if err := d.writer.WriteMessages(ctx, newMessage(m.Topic(), m.Message.Key, m.Message.Payload, m.Headers())); err != nil {
		return fmt.Errorf("could not write to '%s': %w", m.Topic(), err)
	}
	d.logger.Debug(fmt.Sprintf("dead letter written to topic %s", m.Topic()))
	return nil
}

func newMessage(topic string, key []byte, payload []byte, headers map[string]string) kafkago.Message {
	msg := kafkago.Message{Topic: topic, Key: key, Value: payload}
	for _, k := range emitter.SortedKeys(headers) {
		msg.Headers = append(msg.Headers, kafkago.Header{Key: k, Value: []byte(headers[k])})
	}
	return msg
}
