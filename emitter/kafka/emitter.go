package kafka

import (
	"context"
	"fmt"
	"reflect"

	"github.com/3rs4lg4d0/gobus/emitter"
	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/confluentinc/confluent-kafka-go/kafka"
)

// kafkaProducer is the subset of *kafka.Producer used by this package.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

type Emitter struct {
	producer kafkaProducer
	logger   gbus.Logger
}

var _ gbus.Emitter = (*Emitter)(nil)
var _ gbus.Loggable = (*Emitter)(nil)

func New(p kafkaProducer) *Emitter {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	return &Emitter{
		producer: p,
		logger:   &gbus.NopLogger{},
	}
}

func (e *Emitter) SetLogger(l gbus.Logger) {
	e.logger = l
}

// Emit produces the outbox record in its topic. The delivery report is
// written to dc once the broker acknowledges (or rejects) the message.
func (e *Emitter) Emit(_ context.Context, o *gbus.OutboxRecord, dc chan *gbus.DeliveryReport) error {
	var internal = make(chan kafka.Event, 1)

	err := e.producer.Produce(newMessage(o.Topic, []byte(o.Key), o.Payload, o.Headers()), internal)
	if err != nil {
		return err
	}

	// the internal channel is used only for one Produce call, so exactly one
	// event is read from it.
	go func() {
		ev := <-internal
		dc <- toReport(o, ev, e.logger)
	}()
	return nil
}

func toReport(o *gbus.OutboxRecord, ev kafka.Event, l gbus.Logger) *gbus.DeliveryReport {
	switch m := ev.(type) {
	case *kafka.Message:
		if m.TopicPartition.Error != nil {
			return &gbus.DeliveryReport{Record: o, Error: m.TopicPartition.Error}
		}
		return &gbus.DeliveryReport{
			Record:  o,
			Details: emitter.Details(topicOf(m), int(m.TopicPartition.Partition), int64(m.TopicPartition.Offset)),
		}
	default:
		l.Debug(fmt.Sprintf("unexpected delivery event: %s", ev))
		return &gbus.DeliveryReport{Record: o, Error: fmt.Errorf("unexpected delivery event: %s", ev)}
	}
}

func topicOf(m *kafka.Message) string {
	if m.TopicPartition.Topic == nil {
		return ""
	}
	return *m.TopicPartition.Topic
}

func newMessage(topic string, key []byte, payload []byte, headers map[string]string) *kafka.Message {
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            key,
		Value:          payload,
	}
	for _, k := range emitter.SortedKeys(headers) {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(headers[k])})
	}
	return msg
}
