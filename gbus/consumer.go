package gbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Binding describes how a consumer is registered for an integration event.
type Binding struct {
	Consumer string      // consumer name, used for duplicates and dead-letter bookkeeping
	Policy   RetryPolicy // retry policy applied to transient failures
}

type subscription struct {
	consumer string
	schema   Schema
	retrier  *Retrier
	decode   func([]byte) (IntegrationEvent, error)
	handle   func(context.Context, IntegrationEvent) error
}

// Receiver routes consumed broker messages to the subscribed consumers,
// applying their retry policies and sending unprocessable messages to the
// dead-letter path.
type Receiver struct {
	mu            sync.RWMutex
	registry      *Registry
	subscriptions map[string]*subscription
	deadLetter    DeadLetter
	inbox         Inbox
	logger        Logger
	metrics       Metrics
	sleep         Sleeper
}

// ReceiverOption allows optional configuration of a Receiver.
type ReceiverOption func(r *Receiver)

func WithReceiverLogger(l Logger) ReceiverOption {
	return func(r *Receiver) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithReceiverMetrics(m Metrics) ReceiverOption {
	return func(r *Receiver) {
		r.metrics = m.withDefaults()
	}
}

// WithInbox enables duplicate absorption by event id.
func WithInbox(i Inbox) ReceiverOption {
	return func(r *Receiver) {
		r.inbox = i
	}
}

// WithRetrySleeper replaces the function used to wait between retries.
func WithRetrySleeper(s Sleeper) ReceiverOption {
	return func(r *Receiver) {
		r.sleep = s
	}
}

func NewReceiver(reg *Registry, dl DeadLetter, options ...ReceiverOption) *Receiver {
	if reg == nil || dl == nil {
		panic("you must provide a schema registry and a dead letter")
	}
	r := &Receiver{
		registry:      reg,
		subscriptions: map[string]*subscription{},
		deadLetter:    dl,
		logger:        &NopLogger{},
		metrics:       Metrics{}.withDefaults(),
		sleep:         sleepContext,
	}
	for _, o := range options {
		o(r)
	}
	shareLogger(r.logger, dl, r.inbox)
	return r
}

// Subscribe binds a typed consumer to the topic of E. E must be a struct
// type whose Schema method has a value receiver, since the schema is taken
// from its zero value.
func Subscribe[E IntegrationEvent](r *Receiver, b Binding, fn func(ctx context.Context, e E) error) error {
	if fn == nil {
		return errors.New("a consumer function is required")
	}
	if strings.TrimSpace(b.Consumer) == "" {
		return errors.New("a consumer name is required")
	}
	var zero E
	schema := zero.Schema()
	if !r.registry.Contains(schema) {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, schema)
	}

	s := &subscription{
		consumer: b.Consumer,
		schema:   schema,
		decode: func(payload []byte) (IntegrationEvent, error) {
			var e E
			if err := json.Unmarshal(payload, &e); err != nil {
				return nil, err
			}
			return e, nil
		},
		handle: func(ctx context.Context, e IntegrationEvent) error {
			return fn(ctx, e.(E))
		},
	}
	s.retrier = NewRetrier(b.Policy, r.sleep, func(retry int, delay time.Duration, err error) {
		r.metrics.Retried.Inc(1)
		r.logger.Warn(fmt.Sprintf("consumer '%s' failed on attempt %d (%v), retrying in %s", s.consumer, retry, err, delay))
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if other, ok := r.subscriptions[schema.Topic]; ok {
		return fmt.Errorf("%w: '%s' is consumed by '%s'", ErrDuplicateBinding, schema.Topic, other.consumer)
	}
	r.subscriptions[schema.Topic] = s
	return nil
}

// Topics returns the subscribed topics, sorted.
func (r *Receiver) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.subscriptions))
	for t := range r.subscriptions {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Receive processes one broker message. It returns nil when the message is
// settled (handled, absorbed as a duplicate or dead-lettered) and an error
// when it must not be acknowledged, so the broker delivers it again.
func (r *Receiver) Receive(ctx context.Context, msg Message) error {
	r.mu.RLock()
	s, ok := r.subscriptions[msg.Topic]
	r.mu.RUnlock()
	if !ok {
		return r.sendToDeadLetter(ctx, DeadLetterMessage{
			Message: msg,
			Reason:  ReasonUnknownTopic,
			Error:   fmt.Sprintf("no consumer bound to topic '%s'", msg.Topic),
		})
	}

	e, err := s.decode(msg.Payload)
	if err == nil && e.Meta().ID == uuid.Nil {
		err = ErrMissingEventID
	}
	if err != nil {
		return r.sendToDeadLetter(ctx, DeadLetterMessage{
			Message:  msg,
			Consumer: s.consumer,
			Reason:   ReasonMalformed,
			Error:    err.Error(),
		})
	}

	meta := e.Meta()
	ctx = WithTraceID(ctx, meta.TraceID)

	if r.inbox != nil {
		seen, err := r.inbox.Seen(ctx, s.consumer, meta.ID)
		if err != nil {
			return fmt.Errorf("could not check the inbox for '%s': %w", meta.ID, err)
		}
		if seen {
			r.metrics.Duplicates.Inc(1)
			r.logger.Debug(fmt.Sprintf("duplicated event '%s' ignored by '%s'", meta.ID, s.consumer))
			return nil
		}
	}

	out := s.retrier.Execute(ctx, func(ctx context.Context) error {
		return s.handle(ctx, e)
	})

	switch out.State {
	case Succeeded:
		r.metrics.Consumed.Inc(1)
		r.logger.Debug(fmt.Sprintf("event '%s' (%s) consumed by '%s' after %d attempt(s)", meta.ID, s.schema, s.consumer, out.Attempts))
		if r.inbox != nil {
			if err := r.inbox.Mark(ctx, s.consumer, meta.ID); err != nil {
				r.logger.Error(fmt.Sprintf("could not mark '%s' as processed by '%s'", meta.ID, s.consumer), err)
			}
		}
		return nil
	case Rejected, Exhausted:
		reason := ReasonExhausted
		if out.State == Rejected {
			reason = ReasonRejected
		}
		return r.sendToDeadLetter(ctx, DeadLetterMessage{
			Message:  msg,
			Consumer: s.consumer,
			Reason:   reason,
			Attempts: out.Attempts,
			Error:    out.Err.Error(),
		})
	default:
		return fmt.Errorf("processing of event '%s' by '%s' %s: %w", meta.ID, s.consumer, out.State, out.Err)
	}
}

func (r *Receiver) sendToDeadLetter(ctx context.Context, m DeadLetterMessage) error {
	r.logger.Error(fmt.Sprintf("sending message from '%s' to the dead letter (%s)", m.Message.Topic, m.Reason), errors.New(m.Error))
	if err := r.deadLetter.Send(ctx, m); err != nil {
		return fmt.Errorf("could not dead-letter the message from '%s': %w", m.Message.Topic, err)
	}
	r.metrics.DeadLettered.Inc(1)
	return nil
}
