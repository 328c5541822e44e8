// Package crypto implements the envelope encryption engine: authenticated
// encryption of byte buffers bound to a validated encryption context, with
// the per-operation data key wrapped by a pluggable key provider.
package crypto

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/envelope-pipeline/internal/codec"
	"github.com/kenneth/envelope-pipeline/internal/ctxval"
	"github.com/kenneth/envelope-pipeline/internal/logging"
	"github.com/kenneth/envelope-pipeline/internal/metrics"
)

// Envelope is a self-describing, transportable ciphertext container. All
// fields serialize to a plain JSON-compatible structure; Ciphertext and
// KeyWrap are already text. Envelopes are never mutated after creation.
type Envelope struct {
	Ciphertext       string            `json:"ciphertext"`
	KeyWrap          string            `json:"key_wrap"`
	Algorithm        string            `json:"algorithm"`
	KeyID            string            `json:"key_id"`
	Context          map[string]string `json:"context,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	PlaintextLength  int               `json:"plaintext_length"`
	CiphertextLength int               `json:"ciphertext_length"`
}

// Engine performs envelope encryption against a single key provider. The
// provider's key material is read-only after construction, so concurrent
// Encrypt/Decrypt calls on one Engine are safe without locking.
type Engine struct {
	provider            KeyProvider
	validator           *ctxval.Validator
	logger              *logging.EventLogger
	metrics             *metrics.Metrics
	tracer              trace.Tracer
	preferredAlgorithm  string
	supportedAlgorithms []string

	// newAEAD constructs the AEAD primitive. Tests substitute a failing
	// constructor to exercise the fail-closed path.
	newAEAD func(algorithm string, key []byte) (AEADCipher, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithAlgorithm sets the preferred algorithm for new encryptions.
func WithAlgorithm(algorithm string) Option {
	return func(e *Engine) {
		e.preferredAlgorithm = algorithm
	}
}

// WithSupportedAlgorithms sets the algorithms accepted for decryption.
func WithSupportedAlgorithms(algorithms []string) Option {
	return func(e *Engine) {
		e.supportedAlgorithms = algorithms
	}
}

// WithMetrics wires operation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer overrides the default tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// withAEADConstructor substitutes the AEAD constructor. Test seam.
func withAEADConstructor(fn func(algorithm string, key []byte) (AEADCipher, error)) Option {
	return func(e *Engine) {
		e.newAEAD = fn
	}
}

// NewEngine creates an engine bound to the given provider. The logger is
// mandatory: every engine operation is observable only through the
// redaction-safe logger, never a raw print.
func NewEngine(provider KeyProvider, logger *logging.EventLogger, opts ...Option) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: no key provider configured", ErrKeyUnavailable)
	}
	if logger == nil {
		logger = logging.NewEventLogger(logging.DefaultMaxEvents, nil)
	}

	e := &Engine{
		provider:           provider,
		validator:          ctxval.NewValidator(logger),
		logger:             logger,
		tracer:             otel.Tracer("envelope-pipeline/crypto"),
		preferredAlgorithm: AlgorithmAES256GCM,
		newAEAD:            newAEADCipher,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics != nil {
		e.validator.SetMetrics(e.metrics)
	}

	if !isAlgorithmSupported(e.preferredAlgorithm, e.supportedAlgorithms) {
		return nil, fmt.Errorf("preferred algorithm %s is not in supported algorithms list", e.preferredAlgorithm)
	}

	return e, nil
}

// KeyID returns the opaque id of the engine's wrapping key.
func (e *Engine) KeyID() string {
	return e.provider.KeyID()
}

// Backend returns the provider variant tag.
func (e *Engine) Backend() Backend {
	return e.provider.Backend()
}

// Validator returns the engine's context validator.
func (e *Engine) Validator() *ctxval.Validator {
	return e.validator
}

// Close releases the provider's key material.
func (e *Engine) Close() error {
	return e.provider.Close()
}

// Encrypt encrypts plaintext bound to the validated subset of rawContext and
// returns a transportable envelope. Each call uses a fresh data key and a
// fresh random nonce, so encrypting the same plaintext twice produces
// different ciphertexts.
func (e *Engine) Encrypt(ctx context.Context, plaintext []byte, rawContext map[string]string) (*Envelope, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.encrypt",
		trace.WithAttributes(
			attribute.String("crypto.algorithm", e.preferredAlgorithm),
			attribute.Int("crypto.input_bytes", len(plaintext)),
		))
	defer span.End()

	e.logger.Debug("encrypt started", map[string]interface{}{
		"algorithm":   e.preferredAlgorithm,
		"input_bytes": len(plaintext),
	})

	env, err := e.encrypt(ctx, plaintext, rawContext)
	e.observe(span, "encrypt", start, len(plaintext), err)
	if err != nil {
		return nil, err
	}

	e.logger.Info("encrypt succeeded", map[string]interface{}{
		"algorithm":        env.Algorithm,
		"input_bytes":      env.PlaintextLength,
		"ciphertext_bytes": env.CiphertextLength,
	})
	return env, nil
}

func (e *Engine) encrypt(ctx context.Context, plaintext []byte, rawContext map[string]string) (*Envelope, error) {
	validated, err := e.validator.Validate(rawContext)
	if err != nil {
		return nil, err
	}

	algorithm := e.preferredAlgorithm

	// Fresh data key per operation.
	dataKey := make([]byte, DataKeySize)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, fmt.Errorf("%w: generating data key: %v", ErrCryptoUnavailable, err)
	}
	defer zeroBytes(dataKey)

	// Fail closed before any plaintext is processed: if the AEAD primitive
	// is unavailable, nothing leaves this function.
	aead, err := e.newAEAD(algorithm, dataKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: generating nonce: %v", ErrCryptoUnavailable, err)
	}

	aad := buildAAD(algorithm, e.provider.KeyID(), validated)
	sealed := aead.Seal(nil, nonce, plaintext, aad)
	ciphertext := append(nonce, sealed...)

	wrapped, err := e.provider.WrapDataKey(ctx, dataKey)
	if err != nil {
		if errors.Is(err, ErrKeyUnavailable) || errors.Is(err, ErrCryptoUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	return &Envelope{
		Ciphertext:       codec.BytesToText(ciphertext),
		KeyWrap:          codec.BytesToText(wrapped),
		Algorithm:        algorithm,
		KeyID:            e.provider.KeyID(),
		Context:          validated,
		CreatedAt:        time.Now().UTC(),
		PlaintextLength:  len(plaintext),
		CiphertextLength: len(ciphertext),
	}, nil
}

// Decrypt verifies and decrypts an envelope produced by Encrypt. A key id
// mismatch, a failed authentication tag, or a plaintext length mismatch is a
// hard failure; no partial plaintext is ever returned.
func (e *Engine) Decrypt(ctx context.Context, env *Envelope) ([]byte, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.decrypt",
		trace.WithAttributes(
			attribute.String("crypto.algorithm", env.Algorithm),
			attribute.Int("crypto.ciphertext_bytes", env.CiphertextLength),
		))
	defer span.End()

	e.logger.Debug("decrypt started", map[string]interface{}{
		"algorithm":        env.Algorithm,
		"ciphertext_bytes": env.CiphertextLength,
	})

	plaintext, err := e.decrypt(ctx, env)
	e.observe(span, "decrypt", start, len(plaintext), err)
	if err != nil {
		e.logger.Error("decrypt failed", map[string]interface{}{
			"algorithm": env.Algorithm,
			"error":     err.Error(),
		})
		return nil, err
	}

	e.logger.Info("decrypt succeeded", map[string]interface{}{
		"algorithm":    env.Algorithm,
		"output_bytes": len(plaintext),
	})
	return plaintext, nil
}

func (e *Engine) decrypt(ctx context.Context, env *Envelope) ([]byte, error) {
	if env.KeyID != e.provider.KeyID() {
		return nil, fmt.Errorf("%w: envelope key %q, engine key %q", ErrKeyMismatch, env.KeyID, e.provider.KeyID())
	}

	if !isAlgorithmSupported(env.Algorithm, e.supportedAlgorithms) {
		return nil, fmt.Errorf("%w: unsupported algorithm %s", ErrIntegrity, env.Algorithm)
	}

	wrapped, err := codec.TextToBytes(env.KeyWrap)
	if err != nil {
		return nil, err
	}

	ciphertext, err := codec.TextToBytes(env.Ciphertext)
	if err != nil {
		return nil, err
	}

	dataKey, err := e.provider.UnwrapDataKey(ctx, wrapped)
	if err != nil {
		if errors.Is(err, ErrKeyUnavailable) || errors.Is(err, ErrCryptoUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	defer zeroBytes(dataKey)

	aead, err := e.newAEAD(env.Algorithm, dataKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrIntegrity)
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]

	aad := buildAAD(env.Algorithm, env.KeyID, env.Context)
	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	if len(plaintext) != env.PlaintextLength {
		return nil, fmt.Errorf("%w: plaintext length %d, envelope records %d", ErrIntegrity, len(plaintext), env.PlaintextLength)
	}

	return plaintext, nil
}

// observe records metrics and span status for one operation.
func (e *Engine) observe(span trace.Span, operation string, start time.Time, n int, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errorType(err))
		if e.metrics != nil {
			e.metrics.RecordEncryptionError(operation, errorType(err))
		}
		return
	}

	span.SetStatus(codes.Ok, "")
	if e.metrics != nil {
		e.metrics.RecordEncryptionOperation(operation, time.Since(start), int64(n))
	}
}

// errorType maps an error to a low-cardinality label.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrCryptoUnavailable):
		return "crypto_unavailable"
	case errors.Is(err, ErrKeyMismatch):
		return "key_mismatch"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrKeyUnavailable):
		return "key_unavailable"
	case errors.Is(err, ctxval.ErrContextRejected):
		return "context_rejected"
	default:
		var decErr *codec.DecodingError
		if errors.As(err, &decErr) {
			return "decoding"
		}
		return "other"
	}
}

// buildAAD canonicalizes the authenticated-but-unencrypted binding between a
// ciphertext and its algorithm, wrapping key, and context. Keys are sorted so
// encrypt and decrypt always derive identical bytes.
func buildAAD(algorithm, keyID string, context map[string]string) []byte {
	var b bytes.Buffer
	b.WriteString("alg:")
	b.WriteString(algorithm)
	b.WriteString("|kid:")
	b.WriteString(keyID)

	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("|ctx:")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(context[k])
	}

	return b.Bytes()
}
