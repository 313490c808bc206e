package crypto

import (
	"crypto/rsa"
	"fmt"
	"hash"
)

// Provider exposes the cryptographic primitives the credential engine
// depends on: PBKDF2 key derivation, AES-CBC, RSA PKCS#1 v1.5 signing and
// SHA-256 hashing. Implementations must be stateless and safe for
// concurrent use; two providers given identical inputs must produce
// identical outputs.
type Provider interface {
	// Name returns the stable backend identifier (e.g. "native").
	Name() string

	// DeriveKey derives a key of keyLen bytes from password and salt using
	// PBKDF2-HMAC over h with the given iteration count.
	DeriveKey(password, salt []byte, iterations, keyLen int, h func() hash.Hash) []byte

	// EncryptCBC encrypts plaintext with AES-CBC. The plaintext length must
	// be a multiple of the AES block size; padding is the caller's concern.
	EncryptCBC(key, iv, plaintext []byte) ([]byte, error)

	// DecryptCBC decrypts ciphertext with AES-CBC.
	DecryptCBC(key, iv, ciphertext []byte) ([]byte, error)

	// SignPKCS1v15SHA256 signs the SHA-256 digest of data with the given
	// RSA private key using PKCS#1 v1.5.
	SignPKCS1v15SHA256(key *rsa.PrivateKey, data []byte) ([]byte, error)

	// Hash returns the SHA-256 digest of data.
	Hash(data []byte) []byte
}

// ProviderUnavailableError is returned when an explicitly requested backend
// is unknown or its availability probe failed. The registry never substitutes
// a different backend in that case.
type ProviderUnavailableError struct {
	Name string
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("crypto provider %q is not available", e.Name)
}
