// Package ctxval validates encryption contexts before they are bound to
// ciphertext. The encryption context is authenticated but not encrypted, so
// it is the natural place for accidental PII leakage; this package is the
// single choke point enforcing that context carries no personal data.
package ctxval

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/kenneth/envelope-pipeline/internal/logging"
	"github.com/kenneth/envelope-pipeline/internal/metrics"
)

// MaxSerializedSize caps the total serialized context size to close off
// context-based exfiltration channels.
const MaxSerializedSize = 4096

// hintLength is the most of a dropped value ever surfaced in a warning.
const hintLength = 10

// ErrContextRejected is returned when a non-empty input context loses every
// field to validation. Individual bad fields are dropped with a warning
// instead; encryption proceeds with the sanitized subset.
var ErrContextRejected = errors.New("ctxval: all context fields rejected")

// allowedKeys is the fixed allow-list of context keys. Anything else is
// silently dropped (with a warning through the logger).
var allowedKeys = map[string]struct{}{
	"purpose":          {},
	"content_type":     {},
	"upload_timestamp": {},
	"environment":      {},
	"schema_version":   {},
	"file_size":        {},
	"file_type":        {},
	"app":              {},
	"demo_mode":        {},
	"upload_id":        {},
	"chunk_index":      {},
	"total_chunks":     {},
}

// piiPatterns are best-effort heuristics applied to each candidate value.
// Any match drops the value. These are a secondary control, not a guarantee.
var piiPatterns = []*regexp.Regexp{
	// Email address.
	regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	// SSN-like triplet.
	regexp.MustCompile(`\d{3}-\d{2}-\d{4}`),
	// 16-digit card number, optionally grouped by spaces or dashes.
	regexp.MustCompile(`\b(?:\d[ \-]?){15}\d\b`),
	// Adjacent capitalized word pair ("First Last").
	regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`),
}

// Validator filters raw context maps down to the allow-listed, PII-free
// subset. All drop decisions are reported through the redaction-safe logger
// with only the key name and a short length hint, never the value.
type Validator struct {
	logger  *logging.EventLogger
	metrics *metrics.Metrics
}

// NewValidator creates a validator reporting through the given logger.
func NewValidator(logger *logging.EventLogger) *Validator {
	return &Validator{logger: logger}
}

// SetMetrics wires the dropped-field counter. Call before first use.
func (v *Validator) SetMetrics(m *metrics.Metrics) {
	v.metrics = m
}

// Validate returns the sanitized subset of raw. It only fails when a
// non-empty input yields an empty output (ErrContextRejected) or the
// sanitized context would still exceed MaxSerializedSize.
func (v *Validator) Validate(raw map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(raw))

	size := 0
	for key, value := range raw {
		if _, ok := allowedKeys[key]; !ok {
			v.warn("context key not allow-listed", key, value)
			continue
		}
		if matchesPII(value) {
			v.warn("context value matches PII pattern", key, value)
			continue
		}

		out[key] = value
		size += len(key) + len(value)
	}

	if len(raw) > 0 && len(out) == 0 {
		return nil, ErrContextRejected
	}
	if size > MaxSerializedSize {
		return nil, fmt.Errorf("ctxval: context size %d exceeds cap %d", size, MaxSerializedSize)
	}

	return out, nil
}

// IsAllowedKey reports whether a key is on the fixed allow-list.
func IsAllowedKey(key string) bool {
	_, ok := allowedKeys[key]
	return ok
}

func matchesPII(value string) bool {
	for _, p := range piiPatterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}

// warn reports a dropped field. The value itself never reaches the logger;
// only its length and a short prefix hint do.
func (v *Validator) warn(message, key, value string) {
	if v.metrics != nil {
		v.metrics.RecordContextFieldDropped()
	}
	if v.logger == nil {
		return
	}

	hint := value
	if len(hint) > hintLength {
		hint = hint[:hintLength]
	}
	// "field" not "key" in the metadata name: names containing "key" are
	// redacted by the logger, and the field name must stay visible.
	v.logger.Warn(message, map[string]interface{}{
		"context_field": key,
		"value_length":  len(value),
		"value_prefix":  hint,
	})
}
