package crypto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kenneth/envelope-pipeline/internal/codec"
	"github.com/kenneth/envelope-pipeline/internal/logging"
	"github.com/kenneth/envelope-pipeline/internal/metrics"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()

	engine, err := NewEngine(NewMockKeyProvider("test-key"), logging.NewEventLogger(100, nil), opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		plaintext []byte
		context   map[string]string
	}{
		{"empty plaintext", []byte{}, nil},
		{"single byte", []byte{0x42}, nil},
		{"text", []byte("hello, envelope encryption"), map[string]string{"purpose": "test"}},
		{"binary", []byte{0x00, 0xff, 0x00, 0xff, 0x80}, map[string]string{"content_type": "application/octet-stream"}},
		{"larger buffer", bytes.Repeat([]byte("0123456789abcdef"), 4096), map[string]string{"purpose": "bulk"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(t)

			env, err := engine.Encrypt(context.Background(), tt.plaintext, tt.context)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}

			if env.Algorithm != AlgorithmAES256GCM {
				t.Errorf("Algorithm = %q, want %q", env.Algorithm, AlgorithmAES256GCM)
			}
			if env.KeyID != "test-key" {
				t.Errorf("KeyID = %q, want %q", env.KeyID, "test-key")
			}
			if env.PlaintextLength != len(tt.plaintext) {
				t.Errorf("PlaintextLength = %d, want %d", env.PlaintextLength, len(tt.plaintext))
			}

			got, err := engine.Decrypt(context.Background(), env)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(got, tt.plaintext) {
				t.Errorf("Decrypt() = %x, want %x", got, tt.plaintext)
			}
		})
	}
}

func TestEncryptDecryptChaCha20(t *testing.T) {
	engine := newTestEngine(t, WithAlgorithm(AlgorithmChaCha20Poly1305))

	plaintext := []byte("chacha payload")
	env, err := engine.Encrypt(context.Background(), plaintext, nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if env.Algorithm != AlgorithmChaCha20Poly1305 {
		t.Errorf("Algorithm = %q, want %q", env.Algorithm, AlgorithmChaCha20Poly1305)
	}

	got, err := engine.Decrypt(context.Background(), env)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestEncryptProducesDistinctCiphertexts(t *testing.T) {
	engine := newTestEngine(t)

	plaintext := []byte("same input twice")
	first, err := engine.Encrypt(context.Background(), plaintext, nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	second, err := engine.Encrypt(context.Background(), plaintext, nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if first.Ciphertext == second.Ciphertext {
		t.Error("two encryptions of the same plaintext produced identical ciphertexts")
	}
	if first.KeyWrap == second.KeyWrap {
		t.Error("two encryptions reused the same wrapped data key")
	}
}

func TestDecryptKeyMismatch(t *testing.T) {
	producer := newTestEngine(t)
	env, err := producer.Encrypt(context.Background(), []byte("cross-key payload"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	other, err := NewEngine(NewMockKeyProvider("other-key"), logging.NewEventLogger(100, nil))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	defer other.Close()

	if _, err := other.Decrypt(context.Background(), env); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("Decrypt() error = %v, want ErrKeyMismatch", err)
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	engine := newTestEngine(t)
	env, err := engine.Encrypt(context.Background(), []byte("integrity protected"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	raw, err := codec.TextToBytes(env.Ciphertext)
	if err != nil {
		t.Fatalf("decoding ciphertext: %v", err)
	}
	raw[len(raw)/2] ^= 0x01
	tampered := *env
	tampered.Ciphertext = codec.BytesToText(raw)

	plaintext, err := engine.Decrypt(context.Background(), &tampered)
	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("Decrypt() error = %v, want ErrIntegrity", err)
	}
	if plaintext != nil {
		t.Errorf("Decrypt() returned partial plaintext %x on tampered input", plaintext)
	}
}

func TestDecryptTamperedContext(t *testing.T) {
	engine := newTestEngine(t)
	env, err := engine.Encrypt(context.Background(), []byte("bound to context"), map[string]string{"purpose": "billing"})
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	tampered := *env
	tampered.Context = map[string]string{"purpose": "marketing"}

	if _, err := engine.Decrypt(context.Background(), &tampered); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Decrypt() error = %v, want ErrIntegrity", err)
	}
}

func TestDecryptTamperedPlaintextLength(t *testing.T) {
	engine := newTestEngine(t)
	env, err := engine.Encrypt(context.Background(), []byte("length checked"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	// The length field is outside the AEAD binding, so a mismatch must be
	// caught by the explicit post-decrypt check.
	tampered := *env
	tampered.PlaintextLength++

	if _, err := engine.Decrypt(context.Background(), &tampered); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Decrypt() error = %v, want ErrIntegrity", err)
	}
}

func TestDecryptUnsupportedAlgorithm(t *testing.T) {
	engine := newTestEngine(t, WithSupportedAlgorithms([]string{AlgorithmAES256GCM}))
	env, err := engine.Encrypt(context.Background(), []byte("payload"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	tampered := *env
	tampered.Algorithm = AlgorithmChaCha20Poly1305

	if _, err := engine.Decrypt(context.Background(), &tampered); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Decrypt() error = %v, want ErrIntegrity", err)
	}
}

func TestEncryptFailsClosedWhenAEADUnavailable(t *testing.T) {
	engine := newTestEngine(t, withAEADConstructor(func(string, []byte) (AEADCipher, error) {
		return nil, fmt.Errorf("simulated primitive failure")
	}))

	env, err := engine.Encrypt(context.Background(), []byte("must not leak"), nil)
	if !errors.Is(err, ErrCryptoUnavailable) {
		t.Errorf("Encrypt() error = %v, want ErrCryptoUnavailable", err)
	}
	if env != nil {
		t.Error("Encrypt() returned an envelope despite unavailable crypto")
	}
}

func TestEncryptStripsDisallowedContext(t *testing.T) {
	engine := newTestEngine(t)

	env, err := engine.Encrypt(context.Background(), []byte("payload"), map[string]string{
		"purpose": "test",
		"ssn":     "123-45-6789",
	})
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, ok := env.Context["ssn"]; ok {
		t.Error("disallowed field survived into envelope context")
	}
	if env.Context["purpose"] != "test" {
		t.Errorf("allowed field lost: context = %v", env.Context)
	}
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	engine := newTestEngine(t)
	env, err := engine.Encrypt(context.Background(), []byte("serialize me"), map[string]string{"purpose": "transport"})
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	got, err := engine.Decrypt(context.Background(), &decoded)
	if err != nil {
		t.Fatalf("Decrypt() after JSON round trip error = %v", err)
	}
	if string(got) != "serialize me" {
		t.Errorf("Decrypt() = %q, want %q", got, "serialize me")
	}
}

func TestEngineNeverLogsPlaintext(t *testing.T) {
	logger := logging.NewEventLogger(100, nil)
	engine, err := NewEngine(NewMockKeyProvider("log-check"), logger)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	defer engine.Close()

	secret := "hunter2-super-secret-payload"
	env, err := engine.Encrypt(context.Background(), []byte(secret), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := engine.Decrypt(context.Background(), env); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}

	for _, event := range logger.Events() {
		for key, value := range event.Metadata {
			if s, ok := value.(string); ok && strings.Contains(s, secret) {
				t.Errorf("plaintext leaked through log metadata key %q", key)
			}
		}
	}
}

func TestEngineRecordsMetrics(t *testing.T) {
	m := metrics.NewMetrics()
	engine := newTestEngine(t, WithMetrics(m))

	env, err := engine.Encrypt(context.Background(), []byte("measured"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := engine.Decrypt(context.Background(), env); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, family := range families {
		if family.GetName() == "encryption_operations_total" {
			found = true
		}
	}
	if !found {
		t.Error("encryption_operations_total not registered after operations")
	}
}

func TestNewEnginePreferredOutsideSupported(t *testing.T) {
	_, err := NewEngine(NewMockKeyProvider("k"), nil,
		WithAlgorithm(AlgorithmChaCha20Poly1305),
		WithSupportedAlgorithms([]string{AlgorithmAES256GCM}))
	if err == nil {
		t.Fatal("NewEngine() accepted a preferred algorithm outside the supported list")
	}
}

func TestErrorTypeLabels(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", ErrCryptoUnavailable), "crypto_unavailable"},
		{fmt.Errorf("x: %w", ErrKeyMismatch), "key_mismatch"},
		{fmt.Errorf("x: %w", ErrIntegrity), "integrity"},
		{fmt.Errorf("x: %w", ErrKeyUnavailable), "key_unavailable"},
		{errors.New("anything else"), "other"},
	}

	for _, tt := range tests {
		if got := errorType(tt.err); got != tt.want {
			t.Errorf("errorType(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestBuildAADDeterministic(t *testing.T) {
	a := buildAAD(AlgorithmAES256GCM, "k1", map[string]string{"b": "2", "a": "1"})
	b := buildAAD(AlgorithmAES256GCM, "k1", map[string]string{"a": "1", "b": "2"})
	if !bytes.Equal(a, b) {
		t.Errorf("AAD differs across map orderings: %q vs %q", a, b)
	}

	c := buildAAD(AlgorithmAES256GCM, "k2", map[string]string{"a": "1", "b": "2"})
	if bytes.Equal(a, c) {
		t.Error("AAD identical across different key ids")
	}
}
