package gbus

import "strconv"

// Counter defines the contract for counters.
type Counter interface {
	// Inc increments the counter by a delta.
	Inc(delta int64)
}

type NopCounter struct{}

var _ Counter = (*NopCounter)(nil)

func (*NopCounter) Inc(delta int64) {} //nolint:all

// Metrics groups the counters updated by the module. Nil counters are
// replaced by NopCounter.
type Metrics struct {
	Delivered    Counter // outbox records delivered to the broker
	Failed       Counter // outbox records whose delivery failed
	Consumed     Counter // messages successfully handled by consumers
	Retried      Counter // handler retries
	DeadLettered Counter // messages sent to the dead-letter path
	Duplicates   Counter // duplicated deliveries absorbed
	Unmapped     Counter // domain events without integration mapping
}

func (m Metrics) withDefaults() Metrics {
	for _, c := range []*Counter{&m.Delivered, &m.Failed, &m.Consumed, &m.Retried, &m.DeadLettered, &m.Duplicates, &m.Unmapped} {
		if *c == nil {
			*c = &NopCounter{}
		}
	}
	return m
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

func itoa64(i int64) string {
	return strconv.FormatInt(i, 10)
}
