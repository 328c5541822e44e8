package crypto

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// fakeKMS xors plaintext with a fixed pad, which is enough to verify the
// provider's plumbing and caching without a live endpoint.
type fakeKMS struct {
	encryptCalls int
	decryptCalls int
	failDecrypt  bool
}

func (f *fakeKMS) transform(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ 0x55
	}
	return out
}

func (f *fakeKMS) Encrypt(_ context.Context, params *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	f.encryptCalls++
	return &kms.EncryptOutput{CiphertextBlob: f.transform(params.Plaintext)}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, params *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.decryptCalls++
	if f.failDecrypt {
		return nil, errors.New("access denied")
	}
	return &kms.DecryptOutput{Plaintext: f.transform(params.CiphertextBlob)}, nil
}

func TestKMSProviderWrapUnwrap(t *testing.T) {
	fake := &fakeKMS{}
	provider := newKMSKeyProviderWithClient(fake, KMSProviderConfig{KeyID: "alias/test"})
	defer provider.Close()

	if provider.Backend() != BackendKMS {
		t.Errorf("Backend() = %q, want %q", provider.Backend(), BackendKMS)
	}

	dataKey := bytes.Repeat([]byte{0x11}, DataKeySize)
	wrapped, err := provider.WrapDataKey(context.Background(), dataKey)
	if err != nil {
		t.Fatalf("WrapDataKey() error = %v", err)
	}

	unwrapped, err := provider.UnwrapDataKey(context.Background(), wrapped)
	if err != nil {
		t.Fatalf("UnwrapDataKey() error = %v", err)
	}
	if !bytes.Equal(unwrapped, dataKey) {
		t.Errorf("UnwrapDataKey() = %x, want %x", unwrapped, dataKey)
	}
}

func TestKMSProviderCachesUnwraps(t *testing.T) {
	fake := &fakeKMS{}
	provider := newKMSKeyProviderWithClient(fake, KMSProviderConfig{
		KeyID:         "alias/test",
		CacheTTL:      time.Minute,
		CacheMaxItems: 8,
	})
	defer provider.Close()

	wrapped, err := provider.WrapDataKey(context.Background(), bytes.Repeat([]byte{0x22}, DataKeySize))
	if err != nil {
		t.Fatalf("WrapDataKey() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := provider.UnwrapDataKey(context.Background(), wrapped); err != nil {
			t.Fatalf("UnwrapDataKey() error = %v", err)
		}
	}

	if fake.decryptCalls != 1 {
		t.Errorf("decrypt round trips = %d, want 1 (cached)", fake.decryptCalls)
	}
}

func TestKMSProviderDecryptFailure(t *testing.T) {
	fake := &fakeKMS{failDecrypt: true}
	provider := newKMSKeyProviderWithClient(fake, KMSProviderConfig{KeyID: "alias/test"})
	defer provider.Close()

	if _, err := provider.UnwrapDataKey(context.Background(), []byte("blob")); !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("UnwrapDataKey() error = %v, want ErrKeyUnavailable", err)
	}
}

func TestNewKMSKeyProviderRequiresKeyID(t *testing.T) {
	if _, err := NewKMSKeyProvider(context.Background(), KMSProviderConfig{}); !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("NewKMSKeyProvider() error = %v, want ErrKeyUnavailable", err)
	}
}
