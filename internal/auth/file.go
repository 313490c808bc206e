package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mkb79/Audible-sub000/internal/client"
	"github.com/mkb79/Audible-sub000/internal/crypto"
	"github.com/mkb79/Audible-sub000/internal/locale"
	"github.com/mkb79/Audible-sub000/internal/vault"
)

// Record is the on-disk shape of a credential bundle. Field names follow the
// established credential file layout so files round-trip with other tooling.
type Record struct {
	WebsiteCookies            map[string]string      `json:"website_cookies"`
	AdpToken                  string                 `json:"adp_token"`
	AccessToken               string                 `json:"access_token"`
	RefreshToken              string                 `json:"refresh_token"`
	DevicePrivateKey          string                 `json:"device_private_key"`
	StoreAuthenticationCookie string                 `json:"store_authentication_cookie"`
	DeviceInfo                map[string]interface{} `json:"device_info"`
	CustomerInfo              map[string]interface{} `json:"customer_info"`
	Expires                   float64                `json:"expires"`
	LocaleCode                string                 `json:"locale_code"`
	WithUsername              bool                   `json:"with_username"`
	ActivationBytes           string                 `json:"activation_bytes,omitempty"`
}

// Snapshot copies the current bundle into a serializable record.
func (a *Authenticator) Snapshot() *Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	cookies := make(map[string]string, len(a.websiteCookies))
	for name, value := range a.websiteCookies {
		cookies[name] = value
	}

	var expires float64
	if !a.expires.IsZero() {
		expires = float64(a.expires.UTC().Unix())
	}

	return &Record{
		WebsiteCookies:            cookies,
		AdpToken:                  a.adpToken,
		AccessToken:               a.accessToken,
		RefreshToken:              a.refreshToken,
		DevicePrivateKey:          a.devicePrivateKey,
		StoreAuthenticationCookie: a.storeAuthenticationCookie,
		DeviceInfo:                a.deviceInfo,
		CustomerInfo:              a.customerInfo,
		Expires:                   expires,
		LocaleCode:                a.locale.CountryCode,
		WithUsername:              a.withUsername,
		ActivationBytes:           a.activationBytes,
	}
}

// ToJSON serializes the bundle as an indented JSON document.
func (a *Authenticator) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(a.Snapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize credential bundle: %w", err)
	}
	return data, nil
}

// FromJSON restores an authenticator from a serialized credential bundle.
// Fields absent from older files keep their zero values; unknown fields are
// ignored.
func FromJSON(data []byte, httpc *client.HTTPClient, logger *logrus.Logger) (*Authenticator, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse credential bundle: %w", err)
	}

	loc, err := locale.ForCountryCode(rec.LocaleCode)
	if err != nil {
		return nil, fmt.Errorf("credential bundle references unknown marketplace %q: %w", rec.LocaleCode, err)
	}

	a, err := New(loc, httpc, logger)
	if err != nil {
		return nil, err
	}

	a.accessToken = rec.AccessToken
	a.refreshToken = rec.RefreshToken
	if rec.Expires != 0 {
		a.expires = time.Unix(int64(rec.Expires), 0).UTC()
	}
	a.storeAuthenticationCookie = rec.StoreAuthenticationCookie
	a.withUsername = rec.WithUsername
	a.activationBytes = rec.ActivationBytes
	if rec.WebsiteCookies != nil {
		a.websiteCookies = rec.WebsiteCookies
	}
	if rec.DeviceInfo != nil {
		a.deviceInfo = rec.DeviceInfo
	}
	if rec.CustomerInfo != nil {
		a.customerInfo = rec.CustomerInfo
	}

	if rec.AdpToken != "" || rec.DevicePrivateKey != "" {
		if err := a.SetSigningMaterial(rec.AdpToken, rec.DevicePrivateKey); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// SaveFile writes the bundle to path. With an empty password the file is
// plain JSON; otherwise it is encrypted with the given container style
// through a cipher built on this authenticator's crypto registry.
func (a *Authenticator) SaveFile(path, password string, style vault.Style) error {
	plaintext, err := a.ToJSON()
	if err != nil {
		return err
	}

	data := plaintext
	if password != "" {
		cipher, err := a.newCipher()
		if err != nil {
			return err
		}
		data, err = cipher.Encrypt(plaintext, []byte(password), style, true)
		if err != nil {
			return err
		}
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"path":      path,
		"encrypted": password != "",
	}).Info("Credential file saved")
	return nil
}

// LoadFile restores an authenticator from a credential file written by
// SaveFile. With a password the container style is detected automatically.
func LoadFile(path, password string, httpc *client.HTTPClient, logger *logrus.Logger) (*Authenticator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	if password != "" {
		cipher, err := newDefaultCipher()
		if err != nil {
			return nil, err
		}
		data, _, err = cipher.Decrypt(data, []byte(password), true)
		if err != nil {
			return nil, err
		}
	}
	return FromJSON(data, httpc, logger)
}

func (a *Authenticator) newCipher() (*vault.Cipher, error) {
	provider, err := a.registry.Resolve("")
	if err != nil {
		return nil, err
	}
	cfg := vault.DefaultConfig()
	cfg.LocaleCode = a.locale.CountryCode
	return vault.NewCipher(provider, cfg)
}

func newDefaultCipher() (*vault.Cipher, error) {
	provider, err := crypto.NewRegistry().Resolve("")
	if err != nil {
		return nil, err
	}
	return vault.NewCipher(provider, vault.DefaultConfig())
}
