// Package events declares the integration event contracts shared by the
// producers and consumers, each one with its wire schema.
package events

import (
	"context"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/google/uuid"
)

func schema(name string, version int) gbus.Schema {
	return gbus.Schema{Name: name, Version: version, Topic: gbus.TopicName(name, version)}
}

var (
	OrganizationWhitelistedV1Schema          = schema("OrganizationWhitelisted", 1)
	OrganizationWhitelistedV2Schema          = schema("OrganizationWhitelisted", 2)
	OrganizationRemovedFromWhitelistV1Schema = schema("OrganizationRemovedFromWhitelist", 1)
	ReportRequestedV1Schema                  = schema("ReportRequested", 1)
)

// Registry returns a registry with every known contract.
func Registry() *gbus.Registry {
	return gbus.NewRegistry().MustRegister(
		OrganizationWhitelistedV1Schema,
		OrganizationWhitelistedV2Schema,
		OrganizationRemovedFromWhitelistV1Schema,
		ReportRequestedV1Schema,
	)
}

// OrganizationWhitelistedV1 is published when an organization identified by
// its tax identification number is added to the whitelist.
type OrganizationWhitelistedV1 struct {
	gbus.Envelope
	Tin string `json:"tin"`
}

func NewOrganizationWhitelistedV1(ctx context.Context, tin string) OrganizationWhitelistedV1 {
	return OrganizationWhitelistedV1{Envelope: gbus.NewEnvelope(ctx), Tin: tin}
}

func (OrganizationWhitelistedV1) Schema() gbus.Schema { return OrganizationWhitelistedV1Schema }

func (e OrganizationWhitelistedV1) PartitionKey() string { return e.Tin }

// OrganizationWhitelistedV2 adds the organization name and the moment it was
// whitelisted.
type OrganizationWhitelistedV2 struct {
	gbus.Envelope
	Tin           string    `json:"tin"`
	Name          string    `json:"name"`
	WhitelistedAt time.Time `json:"whitelistedAt"`
}

func NewOrganizationWhitelistedV2(ctx context.Context, tin, name string, at time.Time) OrganizationWhitelistedV2 {
	return OrganizationWhitelistedV2{Envelope: gbus.NewEnvelope(ctx), Tin: tin, Name: name, WhitelistedAt: at.UTC()}
}

func (OrganizationWhitelistedV2) Schema() gbus.Schema { return OrganizationWhitelistedV2Schema }

func (e OrganizationWhitelistedV2) PartitionKey() string { return e.Tin }

// V1 downgrades the event for consumers of the first contract.
func (e OrganizationWhitelistedV2) V1() OrganizationWhitelistedV1 {
	return OrganizationWhitelistedV1{Envelope: e.Envelope, Tin: e.Tin}
}

type OrganizationRemovedFromWhitelistV1 struct {
	gbus.Envelope
	Tin string `json:"tin"`
}

func NewOrganizationRemovedFromWhitelistV1(ctx context.Context, tin string) OrganizationRemovedFromWhitelistV1 {
	return OrganizationRemovedFromWhitelistV1{Envelope: gbus.NewEnvelope(ctx), Tin: tin}
}

func (OrganizationRemovedFromWhitelistV1) Schema() gbus.Schema {
	return OrganizationRemovedFromWhitelistV1Schema
}

func (e OrganizationRemovedFromWhitelistV1) PartitionKey() string { return e.Tin }

// ReportRequestedV1 asks the reporting service to build a report for an
// organization.
type ReportRequestedV1 struct {
	gbus.Envelope
	ReportID uuid.UUID    `json:"reportId"`
	Tin      string       `json:"tin"`
	Status   ReportStatus `json:"status"`
}

func NewReportRequestedV1(ctx context.Context, tin string) ReportRequestedV1 {
	return ReportRequestedV1{Envelope: gbus.NewEnvelope(ctx), ReportID: uuid.New(), Tin: tin, Status: ReportPending}
}

func (ReportRequestedV1) Schema() gbus.Schema { return ReportRequestedV1Schema }

func (e ReportRequestedV1) PartitionKey() string { return e.ReportID.String() }
