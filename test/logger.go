package test

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// TestLogger records every message it receives. It satisfies gbus.Logger.
type TestLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *TestLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *TestLogger) Debug(msg string) { l.record(msg) }

func (l *TestLogger) Info(msg string) { l.record(msg) }

func (l *TestLogger) Warn(msg string) { l.record(msg) }

func (l *TestLogger) Error(msg string, err error) { l.record(fmt.Sprintf("%s: %v", msg, err)) }

// Messages returns a copy of the recorded messages.
func (l *TestLogger) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.messages...)
}

// TestCounter is a concurrency safe counter satisfying gbus.Counter.
type TestCounter struct {
	value atomic.Int64
}

func (c *TestCounter) Inc(delta int64) {
	c.value.Add(delta)
}

func (c *TestCounter) Value() int64 {
	return c.value.Load()
}
