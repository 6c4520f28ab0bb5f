// Package emitter contains helpers shared by the broker specific emitters.
package emitter

import (
	"fmt"
	"sort"
)

// SortedKeys returns the header names in a stable order, so the produced
// messages are deterministic.
func SortedKeys(headers map[string]string) []string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Details describes a successful delivery.
func Details(topic string, partition int, offset int64) string {
	return fmt.Sprintf("delivered message to topic %s [%d] at offset %d", topic, partition, offset)
}
