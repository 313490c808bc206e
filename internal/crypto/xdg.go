package crypto

import (
	"crypto/rsa"
	"hash"

	"github.com/xdg-go/pbkdf2"
)

// xdgProvider is identical to the native provider except for key derivation,
// which goes through the xdg-go PBKDF2 implementation. It exists to exercise
// the registry's interchangeability contract with a genuinely distinct
// backend; outputs must never drift from the native provider.
type xdgProvider struct{}

func (xdgProvider) Name() string { return ProviderXDG }

func (xdgProvider) DeriveKey(password, salt []byte, iterations, keyLen int, h func() hash.Hash) []byte {
	return pbkdf2.Key(password, salt, iterations, keyLen, h)
}

func (xdgProvider) EncryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	return nativeProvider{}.EncryptCBC(key, iv, plaintext)
}

func (xdgProvider) DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	return nativeProvider{}.DecryptCBC(key, iv, ciphertext)
}

func (xdgProvider) SignPKCS1v15SHA256(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	return nativeProvider{}.SignPKCS1v15SHA256(key, data)
}

func (xdgProvider) Hash(data []byte) []byte {
	return nativeProvider{}.Hash(data)
}
