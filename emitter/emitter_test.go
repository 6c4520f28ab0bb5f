package emitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"createdAt", "eventType", "id"}, SortedKeys(map[string]string{"id": "1", "eventType": "x", "createdAt": "2"}))
	assert.Empty(t, SortedKeys(nil))
}

func TestDetails(t *testing.T) {
	assert.Equal(t, "delivered message to topic orders [2] at offset 42", Details("orders", 2, 42))
}
