package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
)

// Backend tags the kind of key provider backing an engine. The tag makes the
// mock-vs-real substitution explicit and exhaustively checkable instead of
// relying on matching method names.
type Backend string

const (
	// BackendMock derives a deterministic key for tests.
	BackendMock Backend = "mock"
	// BackendRawKey holds a self-generated random wrapping key in memory.
	BackendRawKey Backend = "rawkey"
	// BackendKMS delegates wrap/unwrap to an external key management service.
	BackendKMS Backend = "kms"
)

// KeyProvider supplies and protects the wrapping key used for envelope
// encryption. Implementations must never expose the wrapping key itself; only
// its opaque KeyID (not derivable from the key bytes) leaves the provider.
type KeyProvider interface {
	// Backend returns the provider variant tag.
	Backend() Backend

	// KeyID returns the opaque identifier of the wrapping key. Envelopes
	// record it so key rotation is visible and enforceable at decrypt time.
	KeyID() string

	// WrapDataKey encrypts a per-operation data key under the wrapping key.
	WrapDataKey(ctx context.Context, dataKey []byte) ([]byte, error)

	// UnwrapDataKey decrypts a wrapped data key produced by WrapDataKey.
	UnwrapDataKey(ctx context.Context, wrapped []byte) ([]byte, error)

	// Close releases any underlying resources.
	Close() error
}

// rawKeyProvider holds a random wrapping key for the lifetime of the
// instance. Reference/demo configuration: no external dependency, nothing is
// ever persisted.
type rawKeyProvider struct {
	keyID string
	key   []byte
}

// NewRawKeyProvider generates a fresh random 256-bit wrapping key with an
// opaque random key id.
func NewRawKeyProvider() (KeyProvider, error) {
	key := make([]byte, DataKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: generating wrapping key: %v", ErrKeyUnavailable, err)
	}

	return &rawKeyProvider{
		keyID: "local-" + uuid.NewString(),
		key:   key,
	}, nil
}

func (p *rawKeyProvider) Backend() Backend {
	return BackendRawKey
}

func (p *rawKeyProvider) KeyID() string {
	return p.keyID
}

func (p *rawKeyProvider) WrapDataKey(_ context.Context, dataKey []byte) ([]byte, error) {
	return localWrap(p.key, p.keyID, dataKey)
}

func (p *rawKeyProvider) UnwrapDataKey(_ context.Context, wrapped []byte) ([]byte, error) {
	return localUnwrap(p.key, p.keyID, wrapped)
}

func (p *rawKeyProvider) Close() error {
	zeroBytes(p.key)
	return nil
}

// mockKeyProvider derives its wrapping key from the key id, so two mocks with
// the same id interoperate and tests are reproducible.
type mockKeyProvider struct {
	keyID string
	key   []byte
}

// NewMockKeyProvider creates a deterministic provider for tests.
func NewMockKeyProvider(keyID string) KeyProvider {
	sum := sha256.Sum256([]byte("mock-wrapping-key:" + keyID))
	return &mockKeyProvider{
		keyID: keyID,
		key:   sum[:],
	}
}

func (p *mockKeyProvider) Backend() Backend {
	return BackendMock
}

func (p *mockKeyProvider) KeyID() string {
	return p.keyID
}

func (p *mockKeyProvider) WrapDataKey(_ context.Context, dataKey []byte) ([]byte, error) {
	return localWrap(p.key, p.keyID, dataKey)
}

func (p *mockKeyProvider) UnwrapDataKey(_ context.Context, wrapped []byte) ([]byte, error) {
	return localUnwrap(p.key, p.keyID, wrapped)
}

func (p *mockKeyProvider) Close() error {
	zeroBytes(p.key)
	return nil
}

// localWrap seals a data key under an in-memory wrapping key. The key id is
// bound as AAD so a wrap cannot be replayed under a rotated key.
func localWrap(wrappingKey []byte, keyID string, dataKey []byte) ([]byte, error) {
	aead, err := newAESGCMCipher(wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: generating wrap nonce: %v", ErrCryptoUnavailable, err)
	}

	sealed := aead.Seal(nil, nonce, dataKey, []byte(keyID))
	return append(nonce, sealed...), nil
}

func localUnwrap(wrappingKey []byte, keyID string, wrapped []byte) ([]byte, error) {
	aead, err := newAESGCMCipher(wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	if len(wrapped) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: wrapped key too short", ErrKeyUnavailable)
	}

	nonce, sealed := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]
	dataKey, err := aead.Open(nil, nonce, sealed, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping data key: %v", ErrKeyUnavailable, err)
	}

	return dataKey, nil
}
