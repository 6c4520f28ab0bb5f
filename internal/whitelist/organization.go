// Package whitelist implements the organization whitelisting flow: the
// producer side promotes organizations and publishes integration events, the
// consumer side keeps the whitelist up to date.
package whitelist

import (
	"errors"
	"strings"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
)

type Status string

const (
	StatusRegistered  Status = "registered"
	StatusWhitelisted Status = "whitelisted"
)

var ErrInvalidTin = errors.New("invalid tax identification number")

// Domain event names.
const (
	OrganizationPromotedName = "OrganizationPromoted"
	OrganizationDemotedName  = "OrganizationDemoted"
	OrganizationRenamedName  = "OrganizationRenamed"
)

type OrganizationPromoted struct {
	Tin  string
	Name string
	At   time.Time
}

func (OrganizationPromoted) DomainEventName() string { return OrganizationPromotedName }

type OrganizationDemoted struct {
	Tin string
}

func (OrganizationDemoted) DomainEventName() string { return OrganizationDemotedName }

type OrganizationRenamed struct {
	Tin     string
	OldName string
	NewName string
}

func (OrganizationRenamed) DomainEventName() string { return OrganizationRenamedName }

// Organization is identified by its tax identification number.
type Organization struct {
	gbus.AggregateRoot
	Tin    string
	Name   string
	Status Status
}

func NewOrganization(tin, name string) (*Organization, error) {
	if err := ValidateTin(tin); err != nil {
		return nil, err
	}
	return &Organization{Tin: tin, Name: name, Status: StatusRegistered}, nil
}

// ValidateTin accepts non-empty tins made of digits.
func ValidateTin(tin string) error {
	if strings.TrimSpace(tin) == "" {
		return ErrInvalidTin
	}
	for _, r := range tin {
		if r < '0' || r > '9' {
			return ErrInvalidTin
		}
	}
	return nil
}

func (o *Organization) Whitelisted() bool {
	return o.Status == StatusWhitelisted
}

// Promote whitelists the organization. Promoting a whitelisted organization
// does nothing.
func (o *Organization) Promote(at time.Time) {
	if o.Whitelisted() {
		return
	}
	o.Status = StatusWhitelisted
	o.Raise(OrganizationPromoted{Tin: o.Tin, Name: o.Name, At: at})
}

// Demote removes the organization from the whitelist.
func (o *Organization) Demote() {
	if !o.Whitelisted() {
		return
	}
	o.Status = StatusRegistered
	o.Raise(OrganizationDemoted{Tin: o.Tin})
}

func (o *Organization) Rename(name string) {
	if name == o.Name {
		return
	}
	o.Raise(OrganizationRenamed{Tin: o.Tin, OldName: o.Name, NewName: name})
	o.Name = name
}
