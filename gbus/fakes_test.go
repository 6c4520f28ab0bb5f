package gbus

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var testSchema = Schema{Name: "OrganizationWhitelisted", Version: 1, Topic: TopicName("OrganizationWhitelisted", 1)}

type testEvent struct {
	Envelope
	Tin string `json:"tin"`
}

func (testEvent) Schema() Schema { return testSchema }

func (e testEvent) PartitionKey() string { return e.Tin }

var otherSchema = Schema{Name: "ReportRequested", Version: 1, Topic: TopicName("ReportRequested", 1)}

type otherEvent struct {
	Envelope
}

func (otherEvent) Schema() Schema { return otherSchema }

func newTestRegistry() *Registry {
	return NewRegistry().MustRegister(testSchema, otherSchema)
}

type memTxKey struct{}

type memTx struct {
	records []*OutboxRecord
}

// memRepository is an in-memory Repository and Transactor.
type memRepository struct {
	mu        sync.Mutex
	committed []*OutboxRecord
	deleted   []uuid.UUID
	findErr   error
}

var _ Repository = (*memRepository)(nil)
var _ Transactor = (*memRepository)(nil)

func (r *memRepository) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, tx.records...)
	return nil
}

func (r *memRepository) Save(ctx context.Context, o *OutboxRecord) error {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		return ErrNoTransaction
	}
	tx.records = append(tx.records, o)
	return nil
}

func (r *memRepository) AcquireLock(context.Context, uuid.UUID) (bool, error) { return true, nil }

func (r *memRepository) ReleaseLock(context.Context, uuid.UUID) error { return nil }

func (r *memRepository) FindInBatches(_ context.Context, batchSize int, limit int, fc func([]*OutboxRecord) error) error {
	if r.findErr != nil {
		return r.findErr
	}
	r.mu.Lock()
	all := append([]*OutboxRecord(nil), r.committed...)
	r.mu.Unlock()
	if limit != -1 && len(all) > limit {
		all = all[:limit]
	}
	for i := 0; i < len(all); i += batchSize {
		end := min(i+batchSize, len(all))
		if err := fc(all[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *memRepository) DeleteInBatches(_ context.Context, _ int, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	remove := map[uuid.UUID]bool{}
	for _, id := range ids {
		remove[id] = true
	}
	var kept []*OutboxRecord
	for _, o := range r.committed {
		if !remove[o.ID] {
			kept = append(kept, o)
		}
	}
	r.committed = kept
	r.deleted = append(r.deleted, ids...)
	return nil
}

func (r *memRepository) RecordFailure(_ context.Context, id uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.committed {
		if o.ID == id {
			o.Attempts++
			o.LastError = reason
			return nil
		}
	}
	return errors.New("record not found")
}

func (r *memRepository) SubscribeDispatcher(context.Context, uuid.UUID, int) (bool, int, error) {
	return true, 1, nil
}

func (r *memRepository) UpdateSubscription(context.Context, uuid.UUID) (bool, error) {
	return true, nil
}

func (r *memRepository) rows() []*OutboxRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*OutboxRecord(nil), r.committed...)
}

// fakeEmitter delivers asynchronously like a real broker client.
type fakeEmitter struct {
	mu        sync.Mutex
	emitted   []uuid.UUID
	failWith  map[uuid.UUID]error // delivery report errors
	rejectErr map[uuid.UUID]error // synchronous Emit errors
}

func (e *fakeEmitter) Emit(_ context.Context, o *OutboxRecord, dc chan *DeliveryReport) error {
	if err := e.rejectErr[o.ID]; err != nil {
		return err
	}
	e.mu.Lock()
	e.emitted = append(e.emitted, o.ID)
	e.mu.Unlock()
	go func() {
		dc <- &DeliveryReport{Record: o, Error: e.failWith[o.ID], Details: "delivered"}
	}()
	return nil
}

type memDeadLetter struct {
	mu       sync.Mutex
	messages []DeadLetterMessage
	err      error
}

func (d *memDeadLetter) Send(_ context.Context, m DeadLetterMessage) error {
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, m)
	return nil
}

type memInbox struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (i *memInbox) Seen(_ context.Context, consumer string, id uuid.UUID) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.seen[consumer+"/"+id.String()], nil
}

func (i *memInbox) Mark(_ context.Context, consumer string, id uuid.UUID) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.seen == nil {
		i.seen = map[string]bool{}
	}
	i.seen[consumer+"/"+id.String()] = true
	return nil
}

type countingCounter struct {
	mu sync.Mutex
	n  int64
}

func (c *countingCounter) Inc(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += delta
}

func (c *countingCounter) value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func sortedIDs(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	sort.Strings(out)
	return out
}
