package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	testcases := []struct {
		name      string
		log       func(l *Logger)
		wantLevel string
		wantMsg   string
		wantErr   string
	}{
		{
			name:      "debug",
			log:       func(l *Logger) { l.Debug("processing outbox messages") },
			wantLevel: "debug",
			wantMsg:   "processing outbox messages",
		},
		{
			name:      "info",
			log:       func(l *Logger) { l.Info("dispatcher started") },
			wantLevel: "info",
			wantMsg:   "dispatcher started",
		},
		{
			name:      "warn",
			log:       func(l *Logger) { l.Warn("max number of dispatchers reached") },
			wantLevel: "warn",
			wantMsg:   "max number of dispatchers reached",
		},
		{
			name:      "error",
			log:       func(l *Logger) { l.Error("unable to get the lock", errors.New("connection refused")) },
			wantLevel: "error",
			wantMsg:   "unable to get the lock",
			wantErr:   "connection refused",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := New(zerolog.New(&buf).Level(zerolog.DebugLevel), "relay")

			tc.log(l)

			var entry map[string]string
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tc.wantLevel, entry["level"])
			assert.Equal(t, tc.wantMsg, entry["message"])
			assert.Equal(t, "relay", entry["component"])
			assert.Equal(t, tc.wantErr, entry["error"])
		})
	}
}
