package gbus

import (
	"context"
	"strconv"
)

// DeadLetterReason explains why a message was dead-lettered.
type DeadLetterReason string

const (
	ReasonMalformed    DeadLetterReason = "malformed"     // payload can't be decoded
	ReasonUnknownTopic DeadLetterReason = "unknown-topic" // no consumer bound to the topic
	ReasonRejected     DeadLetterReason = "rejected"      // handler returned a permanent error
	ReasonExhausted    DeadLetterReason = "exhausted"     // retry policy exhausted
)

// Dead-letter headers added to the original ones.
const (
	HeaderDeadLetterReason   = "deadLetterReason"
	HeaderDeadLetterConsumer = "deadLetterConsumer"
	HeaderDeadLetterAttempts = "deadLetterAttempts"
	HeaderDeadLetterError    = "deadLetterError"
	HeaderOriginalTopic      = "originalTopic"
)

// DeadLetterMessage is a message that exhausted its retries or failed
// irrecoverably.
type DeadLetterMessage struct {
	Message  Message
	Consumer string
	Reason   DeadLetterReason
	Attempts int
	Error    string
}

// Topic returns the dead-letter topic of the original message topic.
func (m DeadLetterMessage) Topic() string {
	return DeadLetterTopic(m.Message.Topic)
}

// Headers returns the original headers enriched with dead-letter bookkeeping.
func (m DeadLetterMessage) Headers() map[string]string {
	h := make(map[string]string, len(m.Message.Headers)+5)
	for k, v := range m.Message.Headers {
		h[k] = v
	}
	h[HeaderDeadLetterReason] = string(m.Reason)
	h[HeaderDeadLetterConsumer] = m.Consumer
	h[HeaderDeadLetterAttempts] = strconv.Itoa(m.Attempts)
	h[HeaderDeadLetterError] = m.Error
	h[HeaderOriginalTopic] = m.Message.Topic
	return h
}

// DeadLetterTopic builds the dead-letter topic of a topic.
func DeadLetterTopic(topic string) string {
	return topic + ".dead-letter"
}

// DeadLetter is the holding location for messages that can't be processed.
type DeadLetter interface {
	Send(ctx context.Context, m DeadLetterMessage) error
}
