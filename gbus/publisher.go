package gbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Publisher publishes integration events through the transactional outbox
// and, when enabled, runs the relay that delivers them to the broker.
type Publisher struct {
	settings   Settings
	registry   *Registry
	logger     Logger
	emitter    Emitter
	repository Repository
	metrics    Metrics
	started    atomic.Bool
}

// opt allows optional configuration.
type opt func(p *Publisher)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l Logger) opt {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithCounters allows clients to configure optional delivery counters for
// observability.
func WithCounters(success Counter, failure Counter) opt {
	return func(p *Publisher) {
		if success != nil {
			p.metrics.Delivered = success
		}
		if failure != nil {
			p.metrics.Failed = failure
		}
	}
}

// WithMetrics replaces the whole set of counters. Nil counters are ignored.
func WithMetrics(m Metrics) opt {
	return func(p *Publisher) {
		p.metrics = m.withDefaults()
	}
}

// New creates a Publisher using the provided settings, Repository, Emitter and
// schema Registry. The emitter is only mandatory when the dispatcher is enabled.
func New(s Settings, r Repository, e Emitter, reg *Registry, options ...opt) *Publisher {
	if r == nil || reg == nil {
		panic("you must provide a repository and a schema registry")
	}
	if s.EnableDispatcher && e == nil {
		panic("you must provide an emitter when the dispatcher is enabled")
	}
	validateSettings(&s)

	p := &Publisher{
		settings:   s,
		registry:   reg,
		logger:     &NopLogger{},
		emitter:    e,
		repository: r,
		metrics:    Metrics{}.withDefaults(),
	}
	for _, o := range options {
		o(p)
	}
	shareLogger(p.logger, e, r)
	return p
}

// Start launches the polling publisher relay in background if it is enabled.
// The relay stops when ctx is cancelled. Calling Start more than once has no
// effect.
func (p *Publisher) Start(ctx context.Context) {
	if !p.settings.EnableDispatcher {
		p.logger.Debug("the polling publisher dispatcher is disabled")
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("the polling publisher dispatcher is already running")
		return
	}
	p.logger.Debug("the polling publisher dispatcher is enabled")
	d := p.newDispatcher()
	go d.launchDispatcher(ctx)
}

func (p *Publisher) newDispatcher() *dispatcher {
	return &dispatcher{
		id:         uuid.New(),
		settings:   p.settings,
		logger:     p.logger,
		emitter:    p.emitter,
		repository: p.repository,
		metrics:    p.metrics,
	}
}

// Publish stores an integration event in the outbox within the business
// transaction present in ctx, so it reaches the broker only if that
// transaction commits. Any error must abort the business transaction.
func (p *Publisher) Publish(ctx context.Context, e IntegrationEvent) error {
	if e == nil {
		return errors.New("a nil integration event can't be published")
	}
	schema := e.Schema()
	if !p.registry.Contains(schema) {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, schema)
	}
	meta := e.Meta()
	if meta.ID == uuid.Nil {
		return fmt.Errorf("%w: %s", ErrMissingEventID, schema)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("could not serialize the event %s: %w", schema, err)
	}
	createdAt := meta.Created
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return p.repository.Save(ctx, &OutboxRecord{
		ID:           meta.ID,
		EventType:    schema.Name,
		EventVersion: schema.Version,
		Topic:        schema.Topic,
		Key:          partitionKey(e),
		TraceID:      meta.TraceID,
		Payload:      payload,
		CreatedAt:    createdAt,
	})
}

// NewDomainDispatcher returns a domain event dispatcher publishing through
// this publisher and sharing its logger, counters and strictness setting.
func (p *Publisher) NewDomainDispatcher() *DomainDispatcher {
	return NewDomainDispatcher(p,
		WithDomainLogger(p.logger),
		WithUnmappedCounter(p.metrics.Unmapped),
		WithStrictMapping(p.settings.StrictDomainEvents))
}
