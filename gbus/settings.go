package gbus

import (
	"time"
)

const (
	defaultMaxDispatchers       int           = 2
	defaultPollingInterval      time.Duration = time.Second * 3
	defaultSubscriptionInterval time.Duration = time.Second * 10
	defaultMaxEventsPerInterval int           = -1
	defaultMaxEventsPerBatch    int           = 100
)

// Settings holds the general module configuration.
type Settings struct {
	EnableDispatcher     bool          // enables the relay using the polling publisher pattern
	MaxDispatchers       int           // in HA environments, maximum allowed number of dispatchers working concurrently
	PollingInterval      time.Duration // interval between database pollings by the dispatchers
	SubscriptionInterval time.Duration // interval between subscription attempts and heartbeats
	MaxEventsPerInterval int           // maximum number of events to be processed by a dispatcher in each iteration (-1 = unlimited)
	MaxEventsPerBatch    int           // maximum number of events per batch
	StrictDomainEvents   bool          // fail the dispatch of unmapped domain events instead of skipping them
}

// validateSettings sets defaults where the provided values are not usable.
func validateSettings(s *Settings) {
	if s.EnableDispatcher {
		if s.MaxDispatchers <= 0 {
			s.MaxDispatchers = defaultMaxDispatchers
		}
		if s.PollingInterval <= 0 {
			s.PollingInterval = defaultPollingInterval
		}
		if s.SubscriptionInterval <= 0 {
			s.SubscriptionInterval = defaultSubscriptionInterval
		}
		if s.MaxEventsPerInterval == 0 || s.MaxEventsPerInterval < -1 {
			s.MaxEventsPerInterval = defaultMaxEventsPerInterval
		}
		if s.MaxEventsPerBatch <= 0 {
			s.MaxEventsPerBatch = defaultMaxEventsPerBatch
		}
	}
}
