// Package vault implements the encrypted on-disk credential container.
//
// A container is AES-CBC ciphertext over a PBKDF2-derived key, stored in one
// of two physical encodings: a compact framed byte stream whose first block
// carries the KDF header (iteration count and salt framed by the salt
// marker), or a structured JSON record with base64-encoded binary fields.
// Both encodings round-trip the same plaintext and are auto-detected on load.
package vault

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"
	"strings"
	"unicode/utf8"

	"github.com/mkb79/Audible-sub000/internal/crypto"
)

// BlockSize is the AES block size; the compact header occupies exactly one block.
const BlockSize = 16

// Style identifies the physical encoding of an encrypted container.
type Style string

const (
	// StyleBytes is the compact framed binary encoding.
	StyleBytes Style = "bytes"
	// StyleJSON is the structured record encoding with base64 fields.
	StyleJSON Style = "json"
)

// Hash names the PRF used for key derivation. The structured encoding
// persists it in the record's info string; the compact encoding has no room
// for it, so there it is fixed by the cipher configuration.
type Hash string

const (
	HashSHA1   Hash = "sha1"
	HashSHA256 Hash = "sha256"
	HashSHA512 Hash = "sha512"
)

func (h Hash) constructor() (func() hash.Hash, error) {
	switch h {
	case HashSHA1:
		return sha1.New, nil
	case HashSHA256:
		return sha256.New, nil
	case HashSHA512:
		return sha512.New, nil
	}
	return nil, fmt.Errorf("unknown hash algorithm %q", h)
}

// FileEncryptionError covers every decryption failure mode: wrong password,
// corrupted ciphertext, invalid padding and non-text plaintext all collapse
// to this one type so callers never receive plausible-looking garbage.
type FileEncryptionError struct {
	Reason string
	Err    error
}

func (e *FileEncryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential container decode failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("credential container decode failed: %s", e.Reason)
}

func (e *FileEncryptionError) Unwrap() error { return e.Err }

// Config holds the tunable container parameters.
type Config struct {
	// KeySize selects AES-128, AES-192 or AES-256 (16, 24 or 32 bytes).
	KeySize int
	// SaltMarker frames the iteration count in the compact header. 1-6 bytes.
	SaltMarker string
	// Iterations is the PBKDF2 iteration count, 1-65535.
	Iterations int
	// Hash selects the key-derivation PRF. Empty means HashSHA256.
	Hash Hash
	// LocaleCode is optional plaintext metadata carried alongside the
	// encrypted fields in the structured encoding. Never encrypted.
	LocaleCode string
}

// DefaultConfig returns the parameters used for newly written containers.
func DefaultConfig() *Config {
	return &Config{
		KeySize:    32,
		SaltMarker: "$",
		Iterations: 50000,
		Hash:       HashSHA256,
	}
}

// Cipher encrypts and decrypts credential containers through a crypto
// provider resolved from the registry.
type Cipher struct {
	provider   crypto.Provider
	keySize    int
	saltMarker []byte
	iterations int
	hashName   Hash
	hashNew    func() hash.Hash
	localeCode string
}

// NewCipher creates a container cipher over the given provider.
// A nil config uses DefaultConfig.
func NewCipher(provider crypto.Provider, cfg *Config) (*Cipher, error) {
	if provider == nil {
		return nil, fmt.Errorf("crypto provider is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.KeySize {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("key size must be 16, 24 or 32, got %d", cfg.KeySize)
	}
	if len(cfg.SaltMarker) == 0 || len(cfg.SaltMarker) > 6 {
		return nil, fmt.Errorf("salt marker must be 1-6 bytes, got %d", len(cfg.SaltMarker))
	}
	if cfg.Iterations < 1 || cfg.Iterations > 65535 {
		return nil, fmt.Errorf("kdf iterations must be in [1, 65535], got %d", cfg.Iterations)
	}
	hashName := cfg.Hash
	if hashName == "" {
		hashName = HashSHA256
	}
	hashNew, err := hashName.constructor()
	if err != nil {
		return nil, err
	}

	return &Cipher{
		provider:   provider,
		keySize:    cfg.KeySize,
		saltMarker: []byte(cfg.SaltMarker),
		iterations: cfg.Iterations,
		hashName:   hashName,
		hashNew:    hashNew,
		localeCode: cfg.LocaleCode,
	}, nil
}

// headerPrefix is the salt marker framing the big-endian iteration count.
// The salt fills the remainder of the first block.
func (c *Cipher) headerPrefix() []byte {
	prefix := make([]byte, 0, 2*len(c.saltMarker)+2)
	prefix = append(prefix, c.saltMarker...)
	prefix = binary.BigEndian.AppendUint16(prefix, uint16(c.iterations))
	prefix = append(prefix, c.saltMarker...)
	return prefix
}

func (c *Cipher) saltLen() int {
	return BlockSize - len(c.headerPrefix())
}

// seal derives a key over a fresh salt and encrypts plaintext under a fresh IV.
func (c *Cipher) seal(plaintext, password []byte, pad bool) (salt, iv, ciphertext []byte, err error) {
	salt = make([]byte, c.saltLen())
	if _, err = rand.Read(salt); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	iv = make([]byte, BlockSize)
	if _, err = rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	data := plaintext
	if pad {
		data = pkcs7Pad(plaintext)
	} else if len(plaintext)%BlockSize != 0 {
		return nil, nil, nil, fmt.Errorf("plaintext length %d requires padding", len(plaintext))
	}

	key := c.provider.DeriveKey(password, salt, c.iterations, c.keySize, c.hashNew)
	ciphertext, err = c.provider.EncryptCBC(key, iv, data)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encryption failed: %w", err)
	}
	return salt, iv, ciphertext, nil
}

// open re-derives the key and decrypts, validating padding and text decoding.
func (c *Cipher) open(salt, iv, ciphertext, password []byte, iterations int, h func() hash.Hash, pad bool) ([]byte, error) {
	key := c.provider.DeriveKey(password, salt, iterations, c.keySize, h)
	plaintext, err := c.provider.DecryptCBC(key, iv, ciphertext)
	if err != nil {
		return nil, &FileEncryptionError{Reason: "decryption failed", Err: err}
	}

	if pad {
		plaintext, err = pkcs7Unpad(plaintext)
		if err != nil {
			return nil, &FileEncryptionError{Reason: "invalid padding", Err: err}
		}
	}
	if !utf8.Valid(plaintext) {
		return nil, &FileEncryptionError{Reason: "decrypted data is not valid text"}
	}
	return plaintext, nil
}

// EncryptBytes produces the compact framed encoding:
// header block (marker + iterations + marker + salt), IV, ciphertext.
func (c *Cipher) EncryptBytes(plaintext, password []byte, pad bool) ([]byte, error) {
	salt, iv, ciphertext, err := c.seal(plaintext, password, pad)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, BlockSize+len(iv)+len(ciphertext))
	out = append(out, c.headerPrefix()...)
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptBytes reverses EncryptBytes. The iteration count is recovered from
// the embedded header, not from the cipher configuration.
func (c *Cipher) DecryptBytes(data, password []byte, pad bool) ([]byte, error) {
	minLen := 2 * BlockSize
	if pad {
		minLen = 3 * BlockSize
	}
	if len(data) < minLen {
		return nil, &FileEncryptionError{Reason: "container too short"}
	}

	marker := c.saltMarker
	header := data[:BlockSize]
	if !bytes.Equal(header[:len(marker)], marker) ||
		!bytes.Equal(header[len(marker)+2:2*len(marker)+2], marker) {
		return nil, &FileEncryptionError{Reason: "salt marker not found in header"}
	}
	iterations := int(binary.BigEndian.Uint16(header[len(marker) : len(marker)+2]))
	if iterations < 1 {
		return nil, &FileEncryptionError{Reason: "invalid iteration count in header"}
	}
	salt := header[2*len(marker)+2:]

	iv := data[BlockSize : 2*BlockSize]
	ciphertext := data[2*BlockSize:]
	return c.open(salt, iv, ciphertext, password, iterations, c.hashNew, pad)
}

// Record is the structured container encoding: binary fields are base64
// encoded, the KDF parameters travel in the info string, and metadata such
// as the locale code rides alongside in plaintext.
type Record struct {
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Info       string `json:"info"`
	LocaleCode string `json:"locale_code,omitempty"`
}

// kdfInfo formats the KDF parameters persisted in the structured encoding.
func kdfInfo(h Hash, iterations, keySize int) string {
	return fmt.Sprintf("pbkdf2-hmac-%s:iterations=%d:key-size=%d", h, iterations, keySize)
}

func parseKDFInfo(info string) (Hash, int, error) {
	rest, ok := strings.CutPrefix(info, "pbkdf2-hmac-")
	if !ok {
		return "", 0, fmt.Errorf("unrecognized kdf info %q", info)
	}
	name, params, ok := strings.Cut(rest, ":")
	if !ok {
		return "", 0, fmt.Errorf("unrecognized kdf info %q", info)
	}
	var iterations, keySize int
	if _, err := fmt.Sscanf(params, "iterations=%d:key-size=%d", &iterations, &keySize); err != nil {
		return "", 0, fmt.Errorf("unrecognized kdf info %q: %w", info, err)
	}
	return Hash(name), iterations, nil
}

// EncryptRecord produces the structured record encoding.
func (c *Cipher) EncryptRecord(plaintext, password []byte, pad bool) (*Record, error) {
	salt, iv, ciphertext, err := c.seal(plaintext, password, pad)
	if err != nil {
		return nil, err
	}

	return &Record{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Info:       kdfInfo(c.hashName, c.iterations, c.keySize),
		LocaleCode: c.localeCode,
	}, nil
}

// DecryptRecord reverses EncryptRecord.
func (c *Cipher) DecryptRecord(rec *Record, password []byte, pad bool) ([]byte, error) {
	if rec == nil {
		return nil, &FileEncryptionError{Reason: "record is nil"}
	}

	salt, err := base64.StdEncoding.DecodeString(rec.Salt)
	if err != nil {
		return nil, &FileEncryptionError{Reason: "invalid salt encoding", Err: err}
	}
	iv, err := base64.StdEncoding.DecodeString(rec.IV)
	if err != nil {
		return nil, &FileEncryptionError{Reason: "invalid IV encoding", Err: err}
	}
	ciphertext, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	if err != nil {
		return nil, &FileEncryptionError{Reason: "invalid ciphertext encoding", Err: err}
	}
	hashName, iterations, err := parseKDFInfo(rec.Info)
	if err != nil {
		return nil, &FileEncryptionError{Reason: "invalid kdf info", Err: err}
	}
	hashNew, err := hashName.constructor()
	if err != nil {
		return nil, &FileEncryptionError{Reason: "invalid kdf info", Err: err}
	}

	return c.open(salt, iv, ciphertext, password, iterations, hashNew, pad)
}

// Encrypt serializes the container in the requested style: StyleJSON yields
// the marshaled structured record, StyleBytes the compact framing.
func (c *Cipher) Encrypt(plaintext, password []byte, style Style, pad bool) ([]byte, error) {
	switch style {
	case StyleJSON:
		rec, err := c.EncryptRecord(plaintext, password, pad)
		if err != nil {
			return nil, err
		}
		return json.MarshalIndent(rec, "", "  ")
	case StyleBytes:
		return c.EncryptBytes(plaintext, password, pad)
	default:
		return nil, fmt.Errorf("unknown container style %q", style)
	}
}

// Decrypt auto-detects the container encoding: the structured record parse
// is attempted first, anything else falls back to the compact framed format.
func (c *Cipher) Decrypt(data, password []byte, pad bool) ([]byte, Style, error) {
	if rec, ok := detectRecord(data); ok {
		plaintext, err := c.DecryptRecord(rec, password, pad)
		return plaintext, StyleJSON, err
	}
	plaintext, err := c.DecryptBytes(data, password, pad)
	return plaintext, StyleBytes, err
}

// detectRecord reports whether data parses as a complete structured record.
func detectRecord(data []byte) (*Record, bool) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	if rec.Salt == "" || rec.IV == "" || rec.Ciphertext == "" {
		return nil, false
	}
	return &rec, true
}

// pkcs7Pad applies standard block padding.
func pkcs7Pad(data []byte) []byte {
	n := BlockSize - len(data)%BlockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

// pkcs7Unpad strips and strictly validates block padding.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n < 1 || n > BlockSize {
		return nil, fmt.Errorf("invalid padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding bytes")
		}
	}
	return data[:len(data)-n], nil
}
