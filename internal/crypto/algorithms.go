package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AlgorithmAES256GCM is the default AES-256-GCM algorithm.
	AlgorithmAES256GCM = "AES256-GCM"
	// AlgorithmChaCha20Poly1305 is the ChaCha20-Poly1305 algorithm.
	AlgorithmChaCha20Poly1305 = "ChaCha20-Poly1305"

	// DataKeySize is the size of data encryption keys; both supported
	// algorithms take 256-bit keys.
	DataKeySize = 32

	// nonceSize is 96 bits for both AES-GCM and standard ChaCha20-Poly1305.
	nonceSize = 12
)

// AEADCipher wraps cipher.AEAD with its algorithm name.
type AEADCipher interface {
	cipher.AEAD
	Algorithm() string
}

type aesGCMCipher struct {
	cipher.AEAD
}

func (c *aesGCMCipher) Algorithm() string {
	return AlgorithmAES256GCM
}

type chacha20Poly1305Cipher struct {
	cipher.AEAD
}

func (c *chacha20Poly1305Cipher) Algorithm() string {
	return AlgorithmChaCha20Poly1305
}

// newAEADCipher creates an AEAD cipher for the given algorithm and key.
func newAEADCipher(algorithm string, key []byte) (AEADCipher, error) {
	switch algorithm {
	case AlgorithmAES256GCM:
		return newAESGCMCipher(key)
	case AlgorithmChaCha20Poly1305:
		return newChaCha20Poly1305Cipher(key)
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}

func newAESGCMCipher(key []byte) (AEADCipher, error) {
	if len(key) != DataKeySize {
		return nil, fmt.Errorf("invalid key size for AES-256: expected %d bytes, got %d", DataKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &aesGCMCipher{AEAD: gcm}, nil
}

func newChaCha20Poly1305Cipher(key []byte) (AEADCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid key size for ChaCha20: expected %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &chacha20Poly1305Cipher{AEAD: aead}, nil
}

// isAlgorithmSupported checks if an algorithm is in the supported list. An
// empty list allows all known algorithms.
func isAlgorithmSupported(algorithm string, supported []string) bool {
	if len(supported) == 0 {
		return algorithm == AlgorithmAES256GCM || algorithm == AlgorithmChaCha20Poly1305
	}

	for _, alg := range supported {
		if alg == algorithm {
			return true
		}
	}
	return false
}

// zeroBytes overwrites a byte slice with zeros for secure memory cleanup.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
