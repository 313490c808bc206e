package login

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCE holds one proof-key pair for an authorization-code exchange. The
// verifier stays client-side until registration; only the challenge is sent
// with the signin request.
type PKCE struct {
	Verifier  string
	Challenge string
}

// NewPKCE generates a 32-byte random verifier and its S256 challenge, both
// base64url-encoded without padding.
func NewPKCE() (*PKCE, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(raw)
	digest := sha256.Sum256([]byte(verifier))
	return &PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(digest[:]),
	}, nil
}
