package kafkago

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockedWriter struct {
	mu      sync.Mutex
	written []kafkago.Message
	err     error
}

func (w *mockedWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, msgs...)
	return w.err
}

// batchingWriter blocks every write until size writes are in flight, the way
// a writer holds messages until its batch is full.
type batchingWriter struct {
	wg sync.WaitGroup
}

func newBatchingWriter(size int) *batchingWriter {
	w := &batchingWriter{}
	w.wg.Add(size)
	return w
}

func (w *batchingWriter) WriteMessages(ctx context.Context, _ ...kafkago.Message) error {
	w.wg.Done()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestNew(t *testing.T) {
	var typedNil *mockedWriter
	assert.Panics(t, func() { New(nil) })
	assert.Panics(t, func() { New(typedNil) })
	assert.Panics(t, func() { NewDeadLetter(typedNil) })
	assert.NotPanics(t, func() {
		New(&mockedWriter{}).SetLogger(&gbus.NopLogger{})
		NewDeadLetter(&mockedWriter{}).SetLogger(&gbus.NopLogger{})
	})
}

func TestEmit(t *testing.T) {
	id := uuid.New()
	created := time.Now()
	record := &gbus.OutboxRecord{
		ID:           id,
		EventType:    "OrganizationWhitelisted",
		EventVersion: 1,
		Topic:        "integration.organization-whitelisted.v1",
		Key:          "12345678",
		TraceID:      "trace",
		Payload:      []byte("payload"),
		CreatedAt:    created,
	}
	testcases := []struct {
		name     string
		writeErr error
	}{
		{
			name: "written",
		},
		{
			name:     "write error",
			writeErr: errors.New("leader not available"),
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			w := &mockedWriter{err: tc.writeErr}
			dc := make(chan *gbus.DeliveryReport, 1)

			require.NoError(t, New(w).Emit(context.Background(), record, dc))

			r := <-dc
			assert.Same(t, record, r.Record)
			assert.Equal(t, tc.writeErr, r.Error)
			require.Len(t, w.written, 1)
			assert.Equal(t, kafkago.Message{
				Topic: "integration.organization-whitelisted.v1",
				Key:   []byte("12345678"),
				Value: []byte("payload"),
				Headers: []kafkago.Header{
					{Key: "createdAt", Value: []byte(strconv.FormatInt(created.UnixMilli(), 10))},
					{Key: "eventType", Value: []byte("OrganizationWhitelisted")},
					{Key: "eventVersion", Value: []byte("1")},
					{Key: "id", Value: []byte(id.String())},
					{Key: "traceId", Value: []byte("trace")},
				},
			}, w.written[0])
			if tc.writeErr == nil {
				assert.Equal(t, "delivered message to topic integration.organization-whitelisted.v1", r.Details)
			}
		})
	}
}

func TestEmitKeepsTheBatchInFlight(t *testing.T) {
	const batch = 20
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e := New(newBatchingWriter(batch))
	dc := make(chan *gbus.DeliveryReport, batch)

	for i := 0; i < batch; i++ {
		require.NoError(t, e.Emit(ctx, &gbus.OutboxRecord{ID: uuid.New(), Topic: "integration.organization-whitelisted.v1"}, dc))
	}
	for i := 0; i < batch; i++ {
		r := <-dc
		assert.NoError(t, r.Error)
	}
}

func TestNewWriter(t *testing.T) {
	w := NewWriter("localhost:19092", "localhost:29092")

	assert.Equal(t, DefaultBatchTimeout, w.BatchTimeout)
	assert.Equal(t, kafkago.RequireAll, w.RequiredAcks)
	assert.IsType(t, &kafkago.Hash{}, w.Balancer)
	assert.Equal(t, "tcp", w.Addr.Network())
	assert.Empty(t, w.Topic)
}

func TestDeadLetterSend(t *testing.T) {
	m := gbus.DeadLetterMessage{
		Message:  gbus.Message{Topic: "integration.organization-whitelisted.v1", Payload: []byte("not json")},
		Consumer: "whitelist",
		Reason:   gbus.ReasonMalformed,
		Error:    "invalid character",
	}

	w := &mockedWriter{}
	require.NoError(t, NewDeadLetter(w).Send(context.Background(), m))
	require.Len(t, w.written, 1)
	assert.Equal(t, "integration.organization-whitelisted.v1.dead-letter", w.written[0].Topic)
	assert.Contains(t, w.written[0].Headers, kafkago.Header{Key: gbus.HeaderDeadLetterReason, Value: []byte("malformed")})

	w = &mockedWriter{err: errors.New("leader not available")}
	assert.ErrorContains(t, NewDeadLetter(w).Send(context.Background(), m), "leader not available")
}
