package kafka

import (
	"context"
	"fmt"
	"reflect"

	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/confluentinc/confluent-kafka-go/kafka"
)

// DeadLetter produces unprocessable messages to '<topic>.dead-letter' and
// waits for the broker acknowledgement.
type DeadLetter struct {
	producer kafkaProducer
	logger   gbus.Logger
}

var _ gbus.DeadLetter = (*DeadLetter)(nil)
var _ gbus.Loggable = (*DeadLetter)(nil)

func NewDeadLetter(p kafkaProducer) *DeadLetter {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	return &DeadLetter{producer: p, logger: &gbus.NopLogger{}}
}

func (d *DeadLetter) SetLogger(l gbus.Logger) {
	d.logger = l
}

func (d *DeadLetter) Send(ctx context.Context, m gbus.DeadLetterMessage) error {
	internal := make(chan kafka.Event, 1)
	if err := d.producer.Produce(newMessage(m.Topic(), m.Message.Key, m.Message.Payload, m.Headers()), internal); err != nil {
		return fmt.Errorf("could not produce to '%s': %w", m.Topic(), err)
	}
	select {
	case ev := <-internal:
		r := toReport(nil, ev, d.logger)
		if r.Error != nil {
			return fmt.Errorf("could not produce to '%s': %w", m.Topic(), r.Error)
		}
		d.logger.Debug(r.Details)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
