// Package logging provides the redaction-safe event logger used by every
// component of the encryption pipeline. All metadata passes through a single
// sanitization point before it is stored or mirrored anywhere, so a call site
// can never leak key material or payload bytes into observability output.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// RedactedPlaceholder replaces any value stored under a sensitive key name.
	RedactedPlaceholder = "[REDACTED]"

	// TruncationMarker is appended to values cut at MaxValueLength.
	TruncationMarker = "...[TRUNCATED]"

	// MaxValueLength is the longest metadata value stored verbatim. Longer
	// strings are the most likely accidental carriers of ciphertext or key
	// material, so they are truncated regardless of key name.
	MaxValueLength = 100

	// DefaultMaxEvents bounds the in-memory event ring.
	DefaultMaxEvents = 1000
)

// sensitiveKeyParts match metadata key names case-insensitively as
// substrings. A hit redacts the value entirely.
var sensitiveKeyParts = []string{
	"key",
	"secret",
	"token",
	"password",
	"private",
	"ciphertext",
	"plaintext",
	"encrypted_data",
	"decrypted_data",
}

// Level is the severity of an event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is a single sanitized log event. Metadata values are already
// redacted/truncated by the time an Event exists; there is no constructor
// that accepts raw metadata.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Stats reports sanitizer activity, mostly for tests and metrics.
type Stats struct {
	Events    int64
	Redacted  int64
	Truncated int64
	Evicted   int64
}

// EventLogger stores sanitized events in a bounded in-memory ring and mirrors
// each one to a logrus sink. The mirror receives the same sanitized metadata
// that is stored, never the caller's input.
type EventLogger struct {
	mu        sync.Mutex
	events    []*Event
	maxEvents int
	mirror    *logrus.Logger
	stats     Stats

	// onRedact is invoked once per redacted value, outside the lock. Used to
	// feed the redaction counter metric without importing it here.
	onRedact func()
}

// NewEventLogger creates an event logger with the given ring capacity.
// A nil mirror gets a JSON-formatted logrus logger on stderr.
func NewEventLogger(maxEvents int, mirror *logrus.Logger) *EventLogger {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if mirror == nil {
		mirror = logrus.New()
		mirror.SetFormatter(&logrus.JSONFormatter{})
	}

	return &EventLogger{
		events:    make([]*Event, 0, maxEvents),
		maxEvents: maxEvents,
		mirror:    mirror,
	}
}

// OnRedact registers a callback invoked once per redacted value. Call before
// first use.
func (l *EventLogger) OnRedact(fn func()) {
	l.onRedact = fn
}

// Log sanitizes metadata, stores the event, and mirrors it.
func (l *EventLogger) Log(level Level, message string, metadata map[string]interface{}) {
	l.mu.Lock()

	sanitized, redacted, truncated := sanitize(metadata)
	event := &Event{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Metadata:  sanitized,
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		evicted := len(l.events) - l.maxEvents
		l.events = l.events[evicted:]
		l.stats.Evicted += int64(evicted)
	}
	l.stats.Events++
	l.stats.Redacted += int64(redacted)
	l.stats.Truncated += int64(truncated)

	l.mu.Unlock()

	if l.onRedact != nil {
		for i := 0; i < redacted; i++ {
			l.onRedact()
		}
	}

	// Mirror outside the lock. The mirrored fields are the sanitized map, so
	// both sinks see identical data.
	entry := l.mirror.WithFields(logrus.Fields(sanitized))
	switch level {
	case LevelDebug:
		entry.Debug(message)
	case LevelWarn:
		entry.Warn(message)
	case LevelError:
		entry.Error(message)
	default:
		entry.Info(message)
	}
}

// Debug logs at debug level.
func (l *EventLogger) Debug(message string, metadata map[string]interface{}) {
	l.Log(LevelDebug, message, metadata)
}

// Info logs at info level.
func (l *EventLogger) Info(message string, metadata map[string]interface{}) {
	l.Log(LevelInfo, message, metadata)
}

// Warn logs at warn level.
func (l *EventLogger) Warn(message string, metadata map[string]interface{}) {
	l.Log(LevelWarn, message, metadata)
}

// Error logs at error level.
func (l *EventLogger) Error(message string, metadata map[string]interface{}) {
	l.Log(LevelError, message, metadata)
}

// Events returns a copy of the stored events, oldest first.
func (l *EventLogger) Events() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

// Stats returns sanitizer counters.
func (l *EventLogger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// sanitize builds the stored metadata map. It never returns a value from the
// input map unmodified unless it passed both the key-name and length checks.
func sanitize(metadata map[string]interface{}) (out map[string]interface{}, redacted, truncated int) {
	if len(metadata) == 0 {
		return nil, 0, 0
	}

	out = make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		if IsSensitiveKey(k) {
			out[k] = RedactedPlaceholder
			redacted++
			continue
		}

		s, isString := v.(string)
		if !isString {
			s = fmt.Sprint(v)
		}
		if len(s) > MaxValueLength {
			out[k] = s[:MaxValueLength] + TruncationMarker
			truncated++
			continue
		}

		out[k] = v
	}
	return out, redacted, truncated
}

// IsSensitiveKey reports whether a metadata key name matches the sensitive
// name heuristics (case-insensitive substring match).
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	// Normalize separators so "private-key" and "private_key" both match.
	lower = strings.ReplaceAll(lower, "-", "_")
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
