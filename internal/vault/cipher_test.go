package vault

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkb79/Audible-sub000/internal/crypto"
)

func newTestCipher(t *testing.T, cfg *Config) *Cipher {
	t.Helper()

	provider, err := crypto.NewRegistry().Resolve("")
	require.NoError(t, err)

	cipher, err := NewCipher(provider, cfg)
	require.NoError(t, err)
	return cipher
}

func TestNewCipher_ValidatesParameters(t *testing.T) {
	provider, err := crypto.NewRegistry().Resolve("")
	require.NoError(t, err)

	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{name: "defaults", cfg: nil, wantErr: false},
		{name: "aes-128", cfg: &Config{KeySize: 16, SaltMarker: "$", Iterations: 100}, wantErr: false},
		{name: "bad key size", cfg: &Config{KeySize: 20, SaltMarker: "$", Iterations: 100}, wantErr: true},
		{name: "empty marker", cfg: &Config{KeySize: 32, SaltMarker: "", Iterations: 100}, wantErr: true},
		{name: "marker too long", cfg: &Config{KeySize: 32, SaltMarker: "0123456", Iterations: 100}, wantErr: true},
		{name: "zero iterations", cfg: &Config{KeySize: 32, SaltMarker: "$", Iterations: 0}, wantErr: true},
		{name: "iterations overflow", cfg: &Config{KeySize: 32, SaltMarker: "$", Iterations: 65536}, wantErr: true},
		{name: "sha512", cfg: &Config{KeySize: 32, SaltMarker: "$", Iterations: 100, Hash: HashSHA512}, wantErr: false},
		{name: "unknown hash", cfg: &Config{KeySize: 32, SaltMarker: "$", Iterations: 100, Hash: "md5"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCipher(provider, tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCipher_RoundTrip(t *testing.T) {
	password := []byte("super secret")
	plaintext := []byte(`{"access_token":"Atna|...","expires":1735689600}`)

	for _, keySize := range []int{16, 24, 32} {
		for _, iterations := range []int{1, 37, 5000, 65535} {
			cipher := newTestCipher(t, &Config{KeySize: keySize, SaltMarker: "$", Iterations: iterations})

			for _, style := range []Style{StyleBytes, StyleJSON} {
				data, err := cipher.Encrypt(plaintext, password, style, true)
				require.NoError(t, err, "key_size=%d iterations=%d style=%s", keySize, iterations, style)

				got, detected, err := cipher.Decrypt(data, password, true)
				require.NoError(t, err, "key_size=%d iterations=%d style=%s", keySize, iterations, style)
				assert.Equal(t, style, detected)
				assert.Equal(t, plaintext, got)
			}
		}
	}
}

func TestCipher_RoundTripWithoutPadding(t *testing.T) {
	cipher := newTestCipher(t, nil)
	password := []byte("pw")
	// Exactly two blocks, so no padding is required.
	plaintext := []byte("0123456789abcdef0123456789abcdef")

	data, err := cipher.EncryptBytes(plaintext, password, false)
	require.NoError(t, err)

	got, err := cipher.DecryptBytes(data, password, false)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	// Plaintext that is not block-aligned must be rejected in no-padding mode.
	_, err = cipher.EncryptBytes([]byte("short"), password, false)
	assert.Error(t, err)
}

func TestCipher_HashSelection(t *testing.T) {
	password := []byte("pw")
	plaintext := []byte(`{"adp_token":"{enc:...}"}`)

	for _, h := range []Hash{HashSHA1, HashSHA256, HashSHA512} {
		cipher := newTestCipher(t, &Config{KeySize: 32, SaltMarker: "$", Iterations: 500, Hash: h})

		rec, err := cipher.EncryptRecord(plaintext, password, true)
		require.NoError(t, err, "hash=%s", h)
		assert.Contains(t, rec.Info, "pbkdf2-hmac-"+string(h))

		got, err := cipher.DecryptRecord(rec, password, true)
		require.NoError(t, err, "hash=%s", h)
		assert.Equal(t, plaintext, got)

		data, err := cipher.EncryptBytes(plaintext, password, true)
		require.NoError(t, err, "hash=%s", h)
		got, err = cipher.DecryptBytes(data, password, true)
		require.NoError(t, err, "hash=%s", h)
		assert.Equal(t, plaintext, got)
	}
}

func TestCipher_RecordHashGovernsDecryption(t *testing.T) {
	writer := newTestCipher(t, &Config{KeySize: 32, SaltMarker: "$", Iterations: 500, Hash: HashSHA512})

	rec, err := writer.EncryptRecord([]byte("cross-hash payload"), []byte("pw"), true)
	require.NoError(t, err)

	// A default (sha256) cipher still decrypts: the PRF comes from the
	// record's info string, not from the reader's configuration.
	reader := newTestCipher(t, nil)
	got, err := reader.DecryptRecord(rec, []byte("pw"), true)
	require.NoError(t, err)
	assert.Equal(t, []byte("cross-hash payload"), got)

	rec.Info = "pbkdf2-hmac-md5:iterations=500:key-size=32"
	_, err = reader.DecryptRecord(rec, []byte("pw"), true)
	var fileErr *FileEncryptionError
	require.ErrorAs(t, err, &fileErr)
	assert.Contains(t, err.Error(), "kdf info")
}

func TestCipher_TamperedLastByte(t *testing.T) {
	cipher := newTestCipher(t, &Config{KeySize: 32, SaltMarker: "$", Iterations: 1000})

	data, err := cipher.EncryptBytes([]byte("hello world"), []byte("pw"), true)
	require.NoError(t, err)

	data[len(data)-1] ^= 0xff

	_, err = cipher.DecryptBytes(data, []byte("pw"), true)
	var fileErr *FileEncryptionError
	require.ErrorAs(t, err, &fileErr)
	assert.Contains(t, err.Error(), "decode failed")
}

func TestCipher_WrongPassword(t *testing.T) {
	cipher := newTestCipher(t, &Config{KeySize: 32, SaltMarker: "$", Iterations: 1000})
	plaintext := []byte(`{"refresh_token":"Atnr|..."}`)

	for _, style := range []Style{StyleBytes, StyleJSON} {
		data, err := cipher.Encrypt(plaintext, []byte("right"), style, true)
		require.NoError(t, err)

		got, _, err := cipher.Decrypt(data, []byte("wrong"), true)
		var fileErr *FileEncryptionError
		require.ErrorAs(t, err, &fileErr, "style=%s", style)
		assert.Nil(t, got)
	}
}

func TestCipher_NonTextPlaintextRejected(t *testing.T) {
	cipher := newTestCipher(t, &Config{KeySize: 32, SaltMarker: "$", Iterations: 1000})

	// One block of 0xff is invalid UTF-8. In no-padding mode the padding
	// check never runs, so only the text validation can catch it.
	data, err := cipher.EncryptBytes(bytes.Repeat([]byte{0xff}, BlockSize), []byte("pw"), false)
	require.NoError(t, err)

	_, err = cipher.DecryptBytes(data, []byte("pw"), false)
	var fileErr *FileEncryptionError
	require.ErrorAs(t, err, &fileErr)
	assert.Contains(t, err.Error(), "not valid text")
}

func TestCipher_RecordCarriesPlaintextLocale(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocaleCode = "us"
	cipher := newTestCipher(t, cfg)

	data, err := cipher.Encrypt([]byte(`{"access_token":"Atna|..."}`), []byte("pw"), StyleJSON, true)
	require.NoError(t, err)

	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "us", rec.LocaleCode)

	// The locale rides outside the ciphertext and is ignored on decrypt.
	got, detected, err := cipher.Decrypt(data, []byte("pw"), true)
	require.NoError(t, err)
	assert.Equal(t, StyleJSON, detected)
	assert.Equal(t, []byte(`{"access_token":"Atna|..."}`), got)

	rec.LocaleCode = ""
	stripped, err := json.Marshal(&rec)
	require.NoError(t, err)
	got, _, err = cipher.Decrypt(stripped, []byte("pw"), true)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"access_token":"Atna|..."}`), got)
}

func TestCipher_CorruptHeader(t *testing.T) {
	cipher := newTestCipher(t, nil)

	data, err := cipher.EncryptBytes([]byte("payload"), []byte("pw"), true)
	require.NoError(t, err)

	// Destroying the salt marker must fail header recovery, not decrypt.
	data[0] ^= 0xff
	_, err = cipher.DecryptBytes(data, []byte("pw"), true)
	var fileErr *FileEncryptionError
	require.ErrorAs(t, err, &fileErr)
	assert.Contains(t, err.Error(), "salt marker")
}

func TestCipher_MultiByteSaltMarker(t *testing.T) {
	cipher := newTestCipher(t, &Config{KeySize: 24, SaltMarker: "drcs", Iterations: 123})

	data, err := cipher.EncryptBytes([]byte("multi marker payload"), []byte("pw"), true)
	require.NoError(t, err)

	got, err := cipher.DecryptBytes(data, []byte("pw"), true)
	require.NoError(t, err)
	assert.Equal(t, []byte("multi marker payload"), got)
}

func TestDetectRecord(t *testing.T) {
	cipher := newTestCipher(t, nil)

	rec, err := cipher.EncryptRecord([]byte("structured"), []byte("pw"), true)
	require.NoError(t, err)

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	detected, ok := detectRecord(data)
	require.True(t, ok)
	assert.Equal(t, rec.Ciphertext, detected.Ciphertext)

	_, ok = detectRecord([]byte("not json at all"))
	assert.False(t, ok)

	// JSON without the container fields is not a structured record.
	_, ok = detectRecord([]byte(`{"access_token":"plain"}`))
	assert.False(t, ok)
}

func TestCipher_RecordInfoCarriesIterations(t *testing.T) {
	cipher := newTestCipher(t, &Config{KeySize: 32, SaltMarker: "$", Iterations: 777})

	rec, err := cipher.EncryptRecord([]byte("x"), []byte("pw"), true)
	require.NoError(t, err)
	assert.Equal(t, "pbkdf2-hmac-sha256:iterations=777:key-size=32", rec.Info)

	// A cipher configured with a different iteration count still decrypts,
	// because iterations come from the record itself.
	other := newTestCipher(t, &Config{KeySize: 32, SaltMarker: "$", Iterations: 42})
	got, err := other.DecryptRecord(rec, []byte("pw"), true)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}
