package crypto

import "errors"

// Error taxonomy for the encryption engine. Engine errors are never retried
// by this package: retrying an integrity failure is meaningless without new
// ciphertext, and retrying a missing-primitive failure without a platform
// change is futile.
var (
	// ErrCryptoUnavailable means a required cryptographic primitive could not
	// be obtained. The operation fails closed: no plaintext is ever returned
	// or transmitted, and there is no degraded fallback path.
	ErrCryptoUnavailable = errors.New("crypto: required cryptographic primitive unavailable")

	// ErrKeyMismatch means a decrypt was attempted with an envelope whose key
	// id does not match the engine's wrapping key. Always fatal to that call.
	ErrKeyMismatch = errors.New("crypto: envelope key id does not match engine key")

	// ErrIntegrity means authenticated-encryption tag verification failed
	// (tampered or corrupted ciphertext). No partial plaintext is returned.
	ErrIntegrity = errors.New("crypto: ciphertext integrity check failed")

	// ErrKeyUnavailable means the configured key provider could not supply or
	// unwrap key material.
	ErrKeyUnavailable = errors.New("crypto: key material unavailable")
)
