package whitelist

import (
	"context"
	"sync"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/google/uuid"
)

// memStore is an in-memory Store. The whitelist is keyed by tin, like the
// table primary key.
type memStore struct {
	mu            sync.Mutex
	organizations map[string]Organization
	whitelist     map[string]time.Time
	addCalls      int
	failAdds      int
	saveErr       error
}

var _ Store = (*memStore)(nil)

func newMemStore(orgs ...Organization) *memStore {
	s := &memStore{organizations: map[string]Organization{}, whitelist: map[string]time.Time{}}
	for _, o := range orgs {
		s.organizations[o.Tin] = o
	}
	return s
}

func (s *memStore) Get(_ context.Context, tin string) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.organizations[tin]
	if !ok {
		return nil, ErrNotFound
	}
	return &Organization{Tin: o.Tin, Name: o.Name, Status: o.Status}, nil
}

func (s *memStore) Save(_ context.Context, o *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.organizations[o.Tin] = Organization{Tin: o.Tin, Name: o.Name, Status: o.Status}
	return nil
}

func (s *memStore) AddToWhitelist(_ context.Context, tin string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addCalls++
	if s.failAdds > 0 {
		s.failAdds--
		return errTransient
	}
	if _, ok := s.whitelist[tin]; !ok {
		s.whitelist[tin] = at
	}
	return nil
}

func (s *memStore) RemoveFromWhitelist(_ context.Context, tin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.whitelist, tin)
	return nil
}

func (s *memStore) IsWhitelisted(_ context.Context, tin string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.whitelist[tin]
	return ok, nil
}

func (s *memStore) entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.whitelist)
}

type outboxTxKey struct{}

type outboxTx struct {
	records []*gbus.OutboxRecord
}

// memOutbox is an in-memory outbox Repository and Transactor. Records saved
// in a transaction become visible only when it commits.
type memOutbox struct {
	mu        sync.Mutex
	committed []*gbus.OutboxRecord
}

var _ gbus.Repository = (*memOutbox)(nil)
var _ gbus.Transactor = (*memOutbox)(nil)

func (r *memOutbox) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(outboxTxKey{}).(*outboxTx); ok {
		return fn(ctx)
	}
	tx := &outboxTx{}
	if err := fn(context.WithValue(ctx, outboxTxKey{}, tx)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, tx.records...)
	return nil
}

func (r *memOutbox) Save(ctx context.Context, o *gbus.OutboxRecord) error {
	tx, ok := ctx.Value(outboxTxKey{}).(*outboxTx)
	if !ok {
		return gbus.ErrNoTransaction
	}
	tx.records = append(tx.records, o)
	return nil
}

func (r *memOutbox) rows() []*gbus.OutboxRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*gbus.OutboxRecord(nil), r.committed...)
}

func (r *memOutbox) AcquireLock(context.Context, uuid.UUID) (bool, error) { return true, nil }

func (r *memOutbox) ReleaseLock(context.Context, uuid.UUID) error { return nil }

func (r *memOutbox) FindInBatches(context.Context, int, int, func([]*gbus.OutboxRecord) error) error {
	return nil
}

func (r *memOutbox) DeleteInBatches(context.Context, int, []uuid.UUID) error { return nil }

func (r *memOutbox) RecordFailure(context.Context, uuid.UUID, string) error { return nil }

func (r *memOutbox) SubscribeDispatcher(context.Context, uuid.UUID, int) (bool, int, error) {
	return true, 1, nil
}

func (r *memOutbox) UpdateSubscription(context.Context, uuid.UUID) (bool, error) {
	return true, nil
}

type memDeadLetter struct {
	mu       sync.Mutex
	messages []gbus.DeadLetterMessage
}

func (d *memDeadLetter) Send(_ context.Context, m gbus.DeadLetterMessage) error {
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
