package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCapturedLogger(t *testing.T, maxEvents int) (*EventLogger, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	mirror := logrus.New()
	mirror.SetOutput(&buf)
	mirror.SetFormatter(&logrus.JSONFormatter{})
	mirror.SetLevel(logrus.DebugLevel)

	return NewEventLogger(maxEvents, mirror), &buf
}

func TestPasswordValueNeverAppears(t *testing.T) {
	logger, buf := newCapturedLogger(t, 10)

	logger.Info("user login", map[string]interface{}{
		"password": "hunter2",
		"user_id":  "u-123",
	})

	events := logger.Events()
	require.Len(t, events, 1)
	assert.Equal(t, RedactedPlaceholder, events[0].Metadata["password"])
	assert.Equal(t, "u-123", events[0].Metadata["user_id"])

	assert.NotContains(t, buf.String(), "hunter2", "mirror sink must receive the sanitized event")
}

func TestSensitiveKeyHeuristics(t *testing.T) {
	tests := []struct {
		key       string
		sensitive bool
	}{
		{"password", true},
		{"Password", true},
		{"api_token", true},
		{"secretValue", true},
		{"private-key", true},
		{"encryption_key_id", true}, // substring "key" matches
		{"ciphertext", true},
		{"plaintext_length_hint", true},
		{"encrypted-data", true},
		{"decrypted_data", true},
		{"user_id", false},
		{"purpose", false},
		{"chunk_index", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.sensitive, IsSensitiveKey(tt.key))
		})
	}
}

func TestLongValuesTruncated(t *testing.T) {
	logger, buf := newCapturedLogger(t, 10)

	long := strings.Repeat("A", 5000)
	logger.Info("operation", map[string]interface{}{
		"detail": long,
	})

	events := logger.Events()
	require.Len(t, events, 1)

	stored, ok := events[0].Metadata["detail"].(string)
	require.True(t, ok)
	assert.Len(t, stored, MaxValueLength+len(TruncationMarker))
	assert.True(t, strings.HasSuffix(stored, TruncationMarker))

	// The mirror must not carry the full value either.
	assert.Less(t, buf.Len(), 1000)
}

func TestNonStringValuesSanitized(t *testing.T) {
	logger, _ := newCapturedLogger(t, 10)

	logger.Info("sizes", map[string]interface{}{
		"file_size":  1048576,
		"secret_num": 42,
	})

	events := logger.Events()
	require.Len(t, events, 1)
	assert.Equal(t, 1048576, events[0].Metadata["file_size"])
	assert.Equal(t, RedactedPlaceholder, events[0].Metadata["secret_num"])
}

func TestRingBufferEvicts(t *testing.T) {
	logger, _ := newCapturedLogger(t, 5)

	for i := 0; i < 12; i++ {
		logger.Info("event", map[string]interface{}{"seq": i})
	}

	events := logger.Events()
	require.Len(t, events, 5)
	assert.Equal(t, 7, events[0].Metadata["seq"], "oldest surviving event")
	assert.Equal(t, 11, events[4].Metadata["seq"])

	stats := logger.Stats()
	assert.Equal(t, int64(12), stats.Events)
	assert.Equal(t, int64(7), stats.Evicted)
}

func TestStatsCounters(t *testing.T) {
	logger, _ := newCapturedLogger(t, 10)

	logger.Info("mixed", map[string]interface{}{
		"token": "abc",
		"blob":  strings.Repeat("x", 200),
		"ok":    "fine",
	})

	stats := logger.Stats()
	assert.Equal(t, int64(1), stats.Redacted)
	assert.Equal(t, int64(1), stats.Truncated)
}
