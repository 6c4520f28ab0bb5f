package tally

import (
	"github.com/3rs4lg4d0/gobus/gbus"
	tally "github.com/uber-go/tally/v4"
)

type Counter struct {
	Counter tally.Counter
}

var _ gbus.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

// NewMetrics creates every gbus counter in the given scope.
func NewMetrics(scope tally.Scope) gbus.Metrics {
	counter := func(name string) gbus.Counter {
		return &Counter{Counter: scope.Counter(name)}
	}
	return gbus.Metrics{
		Delivered:    counter("outbox_delivered"),
		Failed:       counter("outbox_failed"),
		Consumed:     counter("events_consumed"),
		Retried:      counter("events_retried"),
		DeadLettered: counter("events_dead_lettered"),
		Duplicates:   counter("events_duplicated"),
		Unmapped:     counter("domain_events_unmapped"),
	}
}
