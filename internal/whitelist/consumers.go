package whitelist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/gobus/events"
	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/3rs4lg4d0/gobus/mediator"
	"github.com/google/uuid"
)

// Consumer names, used for the inbox and the retry configuration.
const (
	AddConsumer    = "add-organization-to-whitelist"
	AddV2Consumer  = "add-organization-to-whitelist-v2"
	RemoveConsumer = "remove-organization-from-whitelist"
	ReportConsumer = "check-report-eligibility"
)

// ErrNotWhitelisted rejects report requests of organizations outside the
// whitelist.
var ErrNotWhitelisted = errors.New("organization is not whitelisted")

type AddOrganizationToWhitelist struct {
	Tin string
	At  time.Time
}

type RemoveOrganizationFromWhitelist struct {
	Tin string
}

// CheckReportEligibility validates that a pending report request belongs to
// a whitelisted organization. Requests already ready or failed pass through.
type CheckReportEligibility struct {
	ReportID uuid.UUID
	Tin      string
	Status   events.ReportStatus
}

// RegisterHandlers binds the whitelist commands to the store.
func RegisterHandlers(m *mediator.Mediator, s Store) error {
	if err := mediator.Register(m, func(ctx context.Context, c AddOrganizationToWhitelist) error {
		if err := ValidateTin(c.Tin); err != nil {
			return gbus.Permanent(err)
		}
		return s.AddToWhitelist(ctx, c.Tin, c.At)
	}); err != nil {
		return err
	}
	if err := mediator.Register(m, func(ctx context.Context, c RemoveOrganizationFromWhitelist) error {
		if err := ValidateTin(c.Tin); err != nil {
			return gbus.Permanent(err)
		}
		return s.RemoveFromWhitelist(ctx, c.Tin)
	}); err != nil {
		return err
	}
	return mediator.Register(m, func(ctx context.Context, c CheckReportEligibility) error {
		if err := ValidateTin(c.Tin); err != nil {
			return gbus.Permanent(err)
		}
		if c.Status != events.ReportPending {
			return nil
		}
		ok, err := s.IsWhitelisted(ctx, c.Tin)
		if err != nil {
			return err
		}
		if !ok {
			return gbus.Permanent(fmt.Errorf("report %s for %s: %w", c.ReportID, c.Tin, ErrNotWhitelisted))
		}
		return nil
	})
}

// Subscribe binds the whitelist integration events to their commands. policy
// returns the retry policy of each consumer.
func Subscribe(r *gbus.Receiver, m *mediator.Mediator, policy func(consumer string) gbus.RetryPolicy) error {
	binding := func(consumer string) gbus.Binding {
		return gbus.Binding{Consumer: consumer, Policy: policy(consumer)}
	}
	if err := gbus.Subscribe(r, binding(AddConsumer), func(ctx context.Context, e events.OrganizationWhitelistedV1) error {
		return mediator.Send(ctx, m, AddOrganizationToWhitelist{Tin: e.Tin, At: e.Created})
	}); err != nil {
		return err
	}
	if err := gbus.Subscribe(r, binding(AddV2Consumer), func(ctx context.Context, e events.OrganizationWhitelistedV2) error {
		return mediator.Send(ctx, m, AddOrganizationToWhitelist{Tin: e.Tin, At: e.WhitelistedAt})
	}); err != nil {
		return err
	}
	if err := gbus.Subscribe(r, binding(RemoveConsumer), func(ctx context.Context, e events.OrganizationRemovedFromWhitelistV1) error {
		return mediator.Send(ctx, m, RemoveOrganizationFromWhitelist{Tin: e.Tin})
	}); err != nil {
		return err
	}
	return gbus.Subscribe(r, binding(ReportConsumer), func(ctx context.Context, e events.ReportRequestedV1) error {
		return mediator.Send(ctx, m, CheckReportEligibility{ReportID: e.ReportID, Tin: e.Tin, Status: e.Status})
	})
}
