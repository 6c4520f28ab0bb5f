package test

import (
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	tally "github.com/uber-go/tally/v4"
)

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

// MockedKafkaProducer mimics confluent's producer: it hands the produced
// message to the Snitch channel and answers with a predefined event.
type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	if p.RetVal != nil {
		return p.RetVal
	}

	// send a predefined delivery report to the delivery channel.
	if internal != nil && p.MockedReportToSend != nil {
		go func() { internal <- p.MockedReportToSend }()
	}
	return nil
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// Read is a predefined answer of MockedKafkaConsumer.ReadMessage.
type Read struct {
	Msg *kafka.Message
	Err error
}

// MockedKafkaConsumer answers ReadMessage with the predefined reads and,
// once they are exhausted, calls Done and returns a timeout error.
type MockedKafkaConsumer struct {
	mu           sync.Mutex
	Reads        []Read
	Done         func()
	SubscribeErr error
	Subscribed   []string
	Committed    []*kafka.Message
	Seeked       []kafka.TopicPartition
	Closed       bool
}

func (c *MockedKafkaConsumer) SubscribeTopics(topics []string, _ kafka.RebalanceCb) error {
	c.Subscribed = topics
	return c.SubscribeErr
}

func (c *MockedKafkaConsumer) ReadMessage(_ time.Duration) (*kafka.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Reads) == 0 {
		if c.Done != nil {
			c.Done()
		}
		return nil, kafka.NewError(kafka.ErrTimedOut, "timed out", false)
	}
	r := c.Reads[0]
	c.Reads = c.Reads[1:]
	return r.Msg, r.Err
}

func (c *MockedKafkaConsumer) CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error) {
	c.Committed = append(c.Committed, m)
	return []kafka.TopicPartition{m.TopicPartition}, nil
}

func (c *MockedKafkaConsumer) Seek(p kafka.TopicPartition, _ int) error {
	c.Seeked = append(c.Seeked, p)
	return nil
}

func (c *MockedKafkaConsumer) Close() error {
	c.Closed = true
	return nil
}
