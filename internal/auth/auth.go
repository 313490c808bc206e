// Package auth holds the long-lived credential bundle and the token and
// signing lifecycle around it: expiry tracking, refresh, per-request RSA
// signing, authorization-mode resolution and encrypted persistence.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mkb79/Audible-sub000/internal/client"
	"github.com/mkb79/Audible-sub000/internal/crypto"
	"github.com/mkb79/Audible-sub000/internal/device"
	"github.com/mkb79/Audible-sub000/internal/locale"
	"github.com/mkb79/Audible-sub000/internal/registration"
)

// Authenticator owns one credential bundle. All mutating operations are
// all-or-nothing: a failed refresh or deregistration leaves the bundle
// untouched. Safe for concurrent use.
type Authenticator struct {
	mu sync.Mutex

	httpc    *client.HTTPClient
	logger   *logrus.Logger
	registry *crypto.Registry
	device   device.Device
	locale   locale.Locale

	accessToken               string
	refreshToken              string
	expires                   time.Time
	adpToken                  string
	devicePrivateKey          string
	websiteCookies            map[string]string
	storeAuthenticationCookie string
	deviceInfo                map[string]interface{}
	customerInfo              map[string]interface{}
	withUsername              bool
	activationBytes           string

	// Caller-configured clock skew applied to expiry checks. Zero by default.
	skew time.Duration

	// Parsed-key cache, keyed by the exact PEM string currently held.
	// Invalidated before any new key value is stored.
	parsedKey    *rsa.PrivateKey
	parsedKeyPEM string

	// Endpoint override for tests.
	baseURL string
}

// New creates an empty authenticator for the given marketplace.
func New(loc locale.Locale, httpc *client.HTTPClient, logger *logrus.Logger) (*Authenticator, error) {
	if httpc == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Authenticator{
		httpc:          httpc,
		logger:         logger,
		registry:       crypto.NewRegistry(),
		device:         device.NewProfile(),
		locale:         loc,
		websiteCookies: map[string]string{},
		deviceInfo:     map[string]interface{}{},
		customerInfo:   map[string]interface{}{},
	}, nil
}

// FromRegistration creates an authenticator holding a freshly registered
// credential bundle.
func FromRegistration(bundle *registration.Bundle, loc locale.Locale, httpc *client.HTTPClient, logger *logrus.Logger) (*Authenticator, error) {
	if bundle == nil {
		return nil, fmt.Errorf("registration bundle is required")
	}

	a, err := New(loc, httpc, logger)
	if err != nil {
		return nil, err
	}

	a.accessToken = bundle.AccessToken
	a.refreshToken = bundle.RefreshToken
	a.expires = bundle.Expires
	a.storeAuthenticationCookie = bundle.StoreAuthenticationCookie
	if bundle.WebsiteCookies != nil {
		a.websiteCookies = bundle.WebsiteCookies
	}
	if bundle.DeviceInfo != nil {
		a.deviceInfo = bundle.DeviceInfo
	}
	if bundle.CustomerInfo != nil {
		a.customerInfo = bundle.CustomerInfo
	}

	if bundle.AdpToken != "" || bundle.DevicePrivateKey != "" {
		if err := a.SetSigningMaterial(bundle.AdpToken, bundle.DevicePrivateKey); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Crypto exposes the per-instance crypto registry so callers can pin a
// backend for this authenticator only.
func (a *Authenticator) Crypto() *crypto.Registry { return a.registry }

// SetDevice replaces the device fingerprint used for refresh exchanges.
func (a *Authenticator) SetDevice(d device.Device) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.device = d
}

// SetClockSkew configures the explicit tolerance applied by IsExpired.
// There is no implicit tolerance.
func (a *Authenticator) SetClockSkew(skew time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.skew = skew
}

// SetBaseURL overrides the token endpoint host. Used by tests.
func (a *Authenticator) SetBaseURL(baseURL string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.baseURL = baseURL
}

// SetWithUsername records that the bundle belongs to a username-based
// (pre-Amazon) account. It is persisted with the credential file.
func (a *Authenticator) SetWithUsername(withUsername bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.withUsername = withUsername
}

// Locale returns the marketplace this authenticator is bound to.
func (a *Authenticator) Locale() locale.Locale { return a.locale }

// AccessToken returns the current access token.
func (a *Authenticator) AccessToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accessToken
}

// Expires returns the absolute UTC expiry of the access token.
func (a *Authenticator) Expires() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expires
}

// IsExpired compares the stored absolute expiry against the current time,
// honoring only the explicitly configured skew.
func (a *Authenticator) IsExpired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isExpiredLocked()
}

func (a *Authenticator) isExpiredLocked() bool {
	return !time.Now().UTC().Before(a.expires.Add(-a.skew))
}

// ExpiresIn returns the remaining token lifetime, negative when expired.
func (a *Authenticator) ExpiresIn() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Until(a.expires)
}

// HasSigningMaterial reports whether both the ADP token and the device
// private key are present. They are atomic: never one without the other.
func (a *Authenticator) HasSigningMaterial() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.adpToken != "" && a.devicePrivateKey != ""
}

// ActivationBytes returns the stored activation blob, if any.
func (a *Authenticator) ActivationBytes() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activationBytes
}

// SetActivationBytes stores the activation blob extracted by the caller.
func (a *Authenticator) SetActivationBytes(blob string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activationBytes = blob
}

// SetAccessToken atomically replaces the access token and its expiry.
func (a *Authenticator) SetAccessToken(token string, expires time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accessToken = token
	a.expires = expires.UTC()
}

// SetSigningMaterial installs the ADP token and device private key as one
// unit. The parsed-key cache is cleared before the new key value is stored,
// so no signing call can ever use a key mismatched to the cache.
func (a *Authenticator) SetSigningMaterial(adpToken, privateKeyPEM string) error {
	if (adpToken == "") != (privateKeyPEM == "") {
		return fmt.Errorf("adp token and device private key must be set together")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.parsedKey = nil
	a.parsedKeyPEM = ""

	a.adpToken = adpToken
	a.devicePrivateKey = privateKeyPEM
	return nil
}

// ClearSigningMaterial drops the ADP token, the device private key and the
// parsed-key cache.
func (a *Authenticator) ClearSigningMaterial() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.parsedKey = nil
	a.parsedKeyPEM = ""
	a.adpToken = ""
	a.devicePrivateKey = ""
}

// parsedKeyLocked returns the cached RSA key for the currently held PEM
// string, parsing it on first use. Callers must hold a.mu.
func (a *Authenticator) parsedKeyLocked() (*rsa.PrivateKey, error) {
	if a.devicePrivateKey == "" {
		return nil, &AuthFlowError{Reason: "no device private key available"}
	}
	if a.parsedKey != nil && a.parsedKeyPEM == a.devicePrivateKey {
		return a.parsedKey, nil
	}

	block, _ := pem.Decode([]byte(a.devicePrivateKey))
	if block == nil {
		return nil, fmt.Errorf("device private key is not valid PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		parsed, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err8 != nil {
			return nil, fmt.Errorf("failed to parse device private key: %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("device private key is not RSA")
		}
		key = rsaKey
	}

	a.parsedKey = key
	a.parsedKeyPEM = a.devicePrivateKey
	return key, nil
}

// Refresh exchanges the refresh token for a new access token. On success the
// access token and expiry are replaced atomically; on failure the bundle is
// left untouched. Without a refresh token it fails immediately with
// ErrNoRefreshToken and performs no network call.
func (a *Authenticator) Refresh(ctx context.Context) error {
	a.mu.Lock()
	refreshToken := a.refreshToken
	dev := a.device
	domain := a.locale.Domain
	baseURL := a.baseURL
	a.mu.Unlock()

	if refreshToken == "" {
		return ErrNoRefreshToken
	}

	accessToken, expires, err := registration.RefreshToken(ctx, a.httpc, dev, refreshToken, domain, baseURL)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.accessToken = accessToken
	a.expires = expires
	a.mu.Unlock()

	a.logger.WithField("expires", expires.Format(time.RFC3339)).Info("Access token refreshed")
	return nil
}

// Deregister removes the device registration server-side, then clears the
// local bundle. With all set, every registration of the account is removed.
func (a *Authenticator) Deregister(ctx context.Context, all bool) error {
	a.mu.Lock()
	accessToken := a.accessToken
	domain := a.locale.Domain
	baseURL := a.baseURL
	a.mu.Unlock()

	if err := registration.Deregister(ctx, a.httpc, a.logger, accessToken, domain, all, baseURL); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.parsedKey = nil
	a.parsedKeyPEM = ""
	a.accessToken = ""
	a.refreshToken = ""
	a.expires = time.Time{}
	a.adpToken = ""
	a.devicePrivateKey = ""
	a.websiteCookies = map[string]string{}
	a.storeAuthenticationCookie = ""
	a.deviceInfo = map[string]interface{}{}
	a.customerInfo = map[string]interface{}{}
	a.activationBytes = ""
	return nil
}
