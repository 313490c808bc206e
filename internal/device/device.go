// Package device defines the device-fingerprint collaborator consumed by the
// login and registration flows. The engine depends only on this interface;
// callers may provide their own implementation to emulate other hardware.
package device

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Device exposes the fingerprint surface the auth engine consumes. Every
// login request carries the same user agent and initial cookie set so the
// server observes one consistent device for the whole session.
type Device interface {
	// UserAgent is sent on every request of a login session.
	UserAgent() string

	// Serial is the device serial embedded in the OAuth client id.
	Serial() string

	// RegistrationData is the device descriptor submitted on registration.
	RegistrationData() map[string]string

	// RefreshData is the app descriptor submitted on token refresh.
	RefreshData() map[string]string

	// InitialCookies seed the login session before the first request.
	InitialCookies() map[string]string
}

// Profile is the built-in iPhone Audible app fingerprint.
type Profile struct {
	serial string
}

// Option configures a Profile.
type Option func(*Profile)

// WithSerial pins the device serial instead of generating a random one.
func WithSerial(serial string) Option {
	return func(p *Profile) { p.serial = serial }
}

// NewProfile creates the built-in device profile. Without options the serial
// is freshly generated, as a new physical device would present.
func NewProfile(opts ...Option) *Profile {
	p := &Profile{}
	for _, opt := range opts {
		opt(p)
	}
	if p.serial == "" {
		p.serial = RandomSerial()
	}
	return p
}

// RandomSerial generates an uppercase 32-char hex serial.
func RandomSerial() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// ClientID builds the OAuth client id shared by the login and registration
// flows: the hex encoding of "<serial>#<device type>".
func ClientID(serial, deviceType string) string {
	return hex.EncodeToString([]byte(serial + "#" + deviceType))
}

func (p *Profile) UserAgent() string {
	return "Mozilla/5.0 (iPhone; CPU iPhone OS 15_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148"
}

func (p *Profile) Serial() string { return p.serial }

func (p *Profile) RegistrationData() map[string]string {
	return map[string]string{
		"domain":           "Device",
		"app_version":      "3.56.2",
		"device_serial":    p.serial,
		"device_type":      "A2CZJZGLK2JJVM",
		"device_name":      "%FIRST_NAME%%FIRST_NAME_POSSESSIVE_STRING%%DUPE_STRATEGY_1ST%Audible for iPhone",
		"os_version":       "15.0.0",
		"software_version": "35602678",
		"device_model":     "iPhone",
		"app_name":         "Audible",
	}
}

func (p *Profile) RefreshData() map[string]string {
	return map[string]string{
		"app_name":    "Audible",
		"app_version": "3.56.2",
	}
}

func (p *Profile) InitialCookies() map[string]string {
	return map[string]string{
		"frc":         frcToken(),
		"map-md":      p.mapMD(),
		"amzn-app-id": "MAPiOSLib/6.0/ToHideRetailLink",
	}
}

// frcToken fabricates the opaque device-integrity cookie the app would send.
func frcToken() string {
	buf := make([]byte, 313)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return strings.TrimRight(base64.StdEncoding.EncodeToString(buf), "=")
}

// mapMD is the base64 device metadata blob carried as a cookie.
func (p *Profile) mapMD() string {
	md := map[string]any{
		"device_user_dictionary": []any{},
		"device_registration_data": map[string]string{
			"software_version": "35602678",
		},
		"app_identifier": map[string]any{
			"app_version":   "3.56.2",
			"bundle_id":     "com.audible.iphone",
			"device_serial": p.serial,
		},
	}
	raw, err := json.Marshal(md)
	if err != nil {
		panic(err)
	}
	return strings.TrimRight(base64.StdEncoding.EncodeToString(raw), "=")
}
