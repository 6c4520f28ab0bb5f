package whitelist

import (
	"context"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gobus/events"
	"github.com/3rs4lg4d0/gobus/gbus"
)

// Mappings registers the integration counterparts of the organization
// domain events.
func Mappings(d *gbus.DomainDispatcher) *gbus.DomainDispatcher {
	return d.
		Map(OrganizationPromotedName, gbus.MapTo(func(ctx context.Context, e OrganizationPromoted) (gbus.IntegrationEvent, error) {
			return events.NewOrganizationWhitelistedV1(ctx, e.Tin), nil
		})).
		Map(OrganizationDemotedName, gbus.MapTo(func(ctx context.Context, e OrganizationDemoted) (gbus.IntegrationEvent, error) {
			return events.NewOrganizationRemovedFromWhitelistV1(ctx, e.Tin), nil
		})).
		Ignore(OrganizationRenamedName)
}

// dispatcher is satisfied by *gbus.DomainDispatcher.
type dispatcher interface {
	Dispatch(ctx context.Context, raised []gbus.DomainEvent) error
}

// Service runs the organization use cases. Every use case stores the
// organization and its integration events in one transaction.
type Service struct {
	store      Store
	transactor gbus.Transactor
	dispatcher dispatcher
	now        func() time.Time
}

func NewService(s Store, t gbus.Transactor, d dispatcher) *Service {
	if s == nil || t == nil || d == nil {
		panic("you must provide a store, a transactor and a domain event dispatcher")
	}
	return &Service{store: s, transactor: t, dispatcher: d, now: time.Now}
}

// Register creates an organization that is not whitelisted yet.
func (s *Service) Register(ctx context.Context, tin, name string) (*Organization, error) {
	o, err := NewOrganization(tin, name)
	if err != nil {
		return nil, err
	}
	err = s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		return s.store.Save(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) Promote(ctx context.Context, tin string) error {
	return s.change(ctx, tin, func(o *Organization) {
		o.Promote(s.now().UTC())
	})
}

func (s *Service) Demote(ctx context.Context, tin string) error {
	return s.change(ctx, tin, func(o *Organization) {
		o.Demote()
	})
}

func (s *Service) Rename(ctx context.Context, tin, name string) error {
	return s.change(ctx, tin, func(o *Organization) {
		o.Rename(name)
	})
}

func (s *Service) change(ctx context.Context, tin string, fn func(o *Organization)) error {
	return s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		o, err := s.store.Get(ctx, tin)
		if err != nil {
			return err
		}
		fn(o)
		raised := o.Events()
		if len(raised) == 0 {
			return nil
		}
		if err := s.store.Save(ctx, o); err != nil {
			return err
		}
		if err := s.dispatcher.Dispatch(ctx, raised); err != nil {
			return fmt.Errorf("organization %s: %w", tin, err)
		}
		o.ClearEvents()
		return nil
	})
}
