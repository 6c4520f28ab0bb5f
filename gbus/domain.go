package gbus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// DomainEvent is an in-process notification raised by an aggregate during a
// single business operation.
type DomainEvent interface {
	DomainEventName() string
}

// AggregateRoot collects the domain events raised by an aggregate. It is
// meant to be embedded.
type AggregateRoot struct {
	events []DomainEvent
}

func (a *AggregateRoot) Raise(e DomainEvent) {
	a.events = append(a.events, e)
}

// Events returns the domain events raised since the last ClearEvents.
func (a *AggregateRoot) Events() []DomainEvent {
	out := make([]DomainEvent, len(a.events))
	copy(out, a.events)
	return out
}

func (a *AggregateRoot) ClearEvents() {
	a.events = nil
}

// Mapper converts a domain event into the integration event to publish. A
// nil event with a nil error means nothing has to be published.
type Mapper func(ctx context.Context, e DomainEvent) (IntegrationEvent, error)

// MapTo builds a Mapper for a concrete domain event type.
func MapTo[D DomainEvent](fn func(ctx context.Context, e D) (IntegrationEvent, error)) Mapper {
	return func(ctx context.Context, e DomainEvent) (IntegrationEvent, error) {
		d, ok := e.(D)
		if !ok {
			return nil, fmt.Errorf("unexpected domain event type %T for '%s'", e, e.DomainEventName())
		}
		return fn(ctx, d)
	}
}

// EventPublisher publishes integration events (see Publisher.Publish).
type EventPublisher interface {
	Publish(ctx context.Context, e IntegrationEvent) error
}

// DomainDispatcher republishes the relevant domain events of a business
// operation as integration events.
type DomainDispatcher struct {
	mu        sync.RWMutex
	publisher EventPublisher
	mappers   map[string]Mapper
	ignored   map[string]struct{}
	strict    bool
	logger    Logger
	unmapped  Counter
}

// DomainOption allows optional configuration of a DomainDispatcher.
type DomainOption func(d *DomainDispatcher)

func WithDomainLogger(l Logger) DomainOption {
	return func(d *DomainDispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithUnmappedCounter counts domain events without mapping.
func WithUnmappedCounter(c Counter) DomainOption {
	return func(d *DomainDispatcher) {
		if c != nil {
			d.unmapped = c
		}
	}
}

// WithStrictMapping makes Dispatch fail on domain events that are neither
// mapped nor ignored.
func WithStrictMapping(strict bool) DomainOption {
	return func(d *DomainDispatcher) {
		d.strict = strict
	}
}

func NewDomainDispatcher(p EventPublisher, options ...DomainOption) *DomainDispatcher {
	if p == nil {
		panic("you must provide an event publisher")
	}
	d := &DomainDispatcher{
		publisher: p,
		mappers:   map[string]Mapper{},
		ignored:   map[string]struct{}{},
		logger:    &NopLogger{},
		unmapped:  &NopCounter{},
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// Map registers the mapper of a domain event. It panics if the event already
// has a mapper.
func (d *DomainDispatcher) Map(name string, m Mapper) *DomainDispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.mappers[name]; ok {
		panic(fmt.Sprintf("domain event '%s' already mapped", name))
	}
	d.mappers[name] = m
	return d
}

// Ignore declares domain events that intentionally have no integration
// counterpart.
func (d *DomainDispatcher) Ignore(names ...string) *DomainDispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range names {
		d.ignored[n] = struct{}{}
	}
	return d
}

// Dispatch converts the domain events of one business operation and publishes
// them, in order, inside the transaction carried by ctx. It must run before
// the transaction commits. Unmapped events are logged and counted, and they
// fail the dispatch in strict mode.
func (d *DomainDispatcher) Dispatch(ctx context.Context, events []DomainEvent) error {
	for i, e := range events {
		if e == nil || (reflect.ValueOf(e).Kind() == reflect.Pointer && reflect.ValueOf(e).IsNil()) {
			return fmt.Errorf("%w at position %d", ErrNilDomainEvent, i)
		}
		name := e.DomainEventName()
		d.mu.RLock()
		m, mapped := d.mappers[name]
		_, ignored := d.ignored[name]
		d.mu.RUnlock()

		if !mapped {
			if ignored {
				d.logger.Debug(fmt.Sprintf("domain event '%s' has no integration counterpart", name))
				continue
			}
			d.unmapped.Inc(1)
			if d.strict {
				return fmt.Errorf("%w: %s", ErrUnmappedDomainEvent, name)
			}
			d.logger.Warn(fmt.Sprintf("domain event '%s' is not mapped to any integration event and was skipped", name))
			continue
		}

		ie, err := m(ctx, e)
		if err != nil {
			return fmt.Errorf("mapping domain event '%s': %w", name, err)
		}
		if ie == nil {
			continue
		}
		if err := d.publisher.Publish(ctx, ie); err != nil {
			return fmt.Errorf("publishing integration event for '%s': %w", name, err)
		}
	}
	return nil
}
