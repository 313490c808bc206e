// Package registration implements the one-shot device registration exchange
// and its inverse, plus the token-refresh call. A successful registration
// turns an authorization code and PKCE verifier into the long-lived
// credential bundle consumed by the auth lifecycle.
package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mkb79/Audible-sub000/internal/client"
	"github.com/mkb79/Audible-sub000/internal/device"
)

// RegistrationError carries the server-reported message of a failed
// registration or deregistration call.
type RegistrationError struct {
	Message string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("device registration failed: %s", e.Message)
}

// Bundle is the credential set produced by a successful registration.
// AdpToken and DevicePrivateKey are present together or absent together;
// the private key is already normalized to PKCS#1 PEM.
type Bundle struct {
	AccessToken               string
	RefreshToken              string
	Expires                   time.Time
	AdpToken                  string
	DevicePrivateKey          string
	WebsiteCookies            map[string]string
	StoreAuthenticationCookie string
	DeviceInfo                map[string]interface{}
	CustomerInfo              map[string]interface{}
}

// RegisterRequest bundles the inputs of the registration exchange.
type RegisterRequest struct {
	AuthorizationCode string
	CodeVerifier      string
	// Domain is the marketplace top level domain, e.g. "com" or "co.uk".
	Domain string
	Device device.Device
	// WithUsername registers against the audible host instead of the
	// amazon one (pre-Amazon accounts).
	WithUsername bool
	// BaseURL overrides the derived registration host. Used by tests.
	BaseURL string
}

func (r *RegisterRequest) baseURL() string {
	if r.BaseURL != "" {
		return r.BaseURL
	}
	if r.WithUsername {
		return "https://api.audible." + r.Domain
	}
	return "https://api.amazon." + r.Domain
}

// registerResponse mirrors the wire layout of a successful registration.
type registerResponse struct {
	Response struct {
		Success struct {
			Tokens struct {
				Bearer struct {
					AccessToken  string      `json:"access_token"`
					RefreshToken string      `json:"refresh_token"`
					ExpiresIn    json.Number `json:"expires_in"`
				} `json:"bearer"`
				MacDMS struct {
					DevicePrivateKey string `json:"device_private_key"`
					AdpToken         string `json:"adp_token"`
				} `json:"mac_dms"`
				WebsiteCookies []struct {
					Name  string `json:"Name"`
					Value string `json:"Value"`
				} `json:"website_cookies"`
				StoreAuthenticationCookie struct {
					Cookie string `json:"cookie"`
				} `json:"store_authentication_cookie"`
			} `json:"tokens"`
			Extensions struct {
				DeviceInfo   map[string]interface{} `json:"device_info"`
				CustomerInfo map[string]interface{} `json:"customer_info"`
			} `json:"extensions"`
		} `json:"success"`
	} `json:"response"`
}

// errorResponse mirrors the wire layout of a failed call.
type errorResponse struct {
	Response struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

// serverMessage extracts the server-reported error message from a response
// body, falling back to the raw body.
func serverMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Response.Error.Message != "" {
		return er.Response.Error.Message
	}
	return strings.TrimSpace(string(body))
}

// Register performs the device registration exchange and returns the
// credential bundle. Any non-success response yields a RegistrationError
// carrying the server's message.
func Register(ctx context.Context, httpc *client.HTTPClient, logger *logrus.Logger, req *RegisterRequest) (*Bundle, error) {
	if req == nil {
		return nil, fmt.Errorf("register request is required")
	}
	if req.AuthorizationCode == "" || req.CodeVerifier == "" {
		return nil, fmt.Errorf("authorization code and code verifier are required")
	}
	if req.Device == nil {
		return nil, fmt.Errorf("device is required")
	}

	regData := req.Device.RegistrationData()
	body := map[string]interface{}{
		"requested_token_type": []string{
			"bearer", "mac_dms", "website_cookies", "store_authentication_cookie",
		},
		"cookies": map[string]interface{}{
			"website_cookies": []string{},
			"domain":          ".amazon." + req.Domain,
		},
		"registration_data": regData,
		"auth_data": map[string]string{
			"client_id":          device.ClientID(req.Device.Serial(), regData["device_type"]),
			"authorization_code": req.AuthorizationCode,
			"code_verifier":      req.CodeVerifier,
			"code_algorithm":     "SHA-256",
			"client_domain":      "DeviceLegacy",
		},
		"requested_extensions": []string{"device_info", "customer_info"},
	}

	resp, err := httpc.Do(ctx, &client.Request{
		Method: http.MethodPost,
		URL:    req.baseURL() + "/auth/register",
		Body:   body,
		Headers: map[string]string{
			"User-Agent": req.Device.UserAgent(),
		},
	})
	if err != nil {
		if statusErr, ok := err.(*client.StatusError); ok {
			return nil, &RegistrationError{Message: serverMessage(statusErr.Body)}
		}
		return nil, fmt.Errorf("registration request failed: %w", err)
	}

	var parsed registerResponse
	if err := client.ParseJSON(resp, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}

	success := parsed.Response.Success
	if success.Tokens.Bearer.AccessToken == "" {
		return nil, &RegistrationError{Message: serverMessage(resp.Body)}
	}

	expiresIn, err := success.Tokens.Bearer.ExpiresIn.Int64()
	if err != nil {
		return nil, fmt.Errorf("invalid expires_in in registration response: %w", err)
	}

	bundle := &Bundle{
		AccessToken:               success.Tokens.Bearer.AccessToken,
		RefreshToken:              success.Tokens.Bearer.RefreshToken,
		Expires:                   time.Now().UTC().Add(time.Duration(expiresIn) * time.Second),
		AdpToken:                  success.Tokens.MacDMS.AdpToken,
		StoreAuthenticationCookie: success.Tokens.StoreAuthenticationCookie.Cookie,
		DeviceInfo:                success.Extensions.DeviceInfo,
		CustomerInfo:              success.Extensions.CustomerInfo,
		WebsiteCookies:            make(map[string]string, len(success.Tokens.WebsiteCookies)),
	}
	for _, cookie := range success.Tokens.WebsiteCookies {
		bundle.WebsiteCookies[cookie.Name] = strings.ReplaceAll(cookie.Value, `"`, "")
	}

	// The key may arrive as raw base64 DER instead of PEM. Normalize it
	// before anything signs with it.
	if success.Tokens.MacDMS.DevicePrivateKey != "" {
		pemKey, err := NormalizePrivateKey(success.Tokens.MacDMS.DevicePrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to normalize device private key: %w", err)
		}
		bundle.DevicePrivateKey = pemKey
	}
	if (bundle.DevicePrivateKey == "") != (bundle.AdpToken == "") {
		return nil, &RegistrationError{Message: "server returned incomplete signing material"}
	}

	logger.WithFields(logrus.Fields{
		"device_serial": req.Device.Serial(),
		"expires":       bundle.Expires.Format(time.RFC3339),
	}).Info("Device registered")

	return bundle, nil
}

// Deregister removes the device registration under bearer authorization.
// A server-reported already-deregistered condition is treated as success;
// anything else propagates as a RegistrationError.
func Deregister(ctx context.Context, httpc *client.HTTPClient, logger *logrus.Logger, accessToken, domain string, all bool, baseURL string) error {
	if accessToken == "" {
		return fmt.Errorf("access token is required")
	}
	if baseURL == "" {
		baseURL = "https://api.amazon." + domain
	}

	resp, err := httpc.Do(ctx, &client.Request{
		Method: http.MethodPost,
		URL:    baseURL + "/auth/deregister",
		Body: map[string]interface{}{
			"deregister_all_existing_accounts": all,
		},
		Headers: map[string]string{
			"Authorization": "Bearer " + accessToken,
		},
	})
	if err != nil {
		statusErr, ok := err.(*client.StatusError)
		if !ok {
			return fmt.Errorf("deregistration request failed: %w", err)
		}
		message := serverMessage(statusErr.Body)
		if strings.Contains(strings.ToLower(message), "deregistered") {
			logger.WithField("message", message).Info("Device was already deregistered")
			return nil
		}
		return &RegistrationError{Message: message}
	}

	_ = resp
	logger.Info("Device deregistered")
	return nil
}

// RefreshToken exchanges a refresh token for a fresh access token and its
// absolute expiry.
func RefreshToken(ctx context.Context, httpc *client.HTTPClient, dev device.Device, refreshToken, domain, baseURL string) (string, time.Time, error) {
	if refreshToken == "" {
		return "", time.Time{}, fmt.Errorf("refresh token is required")
	}
	if baseURL == "" {
		baseURL = "https://api.amazon." + domain
	}

	form := url.Values{}
	for key, value := range dev.RefreshData() {
		form.Set(key, value)
	}
	form.Set("source_token", refreshToken)
	form.Set("requested_token_type", "access_token")
	form.Set("source_token_type", "refresh_token")

	resp, err := httpc.Do(ctx, &client.Request{
		Method:  http.MethodPost,
		URL:     baseURL + "/auth/token",
		RawBody: []byte(form.Encode()),
		Headers: map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
			"User-Agent":   dev.UserAgent(),
		},
	})
	if err != nil {
		return "", time.Time{}, err
	}

	var parsed struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	if err := client.ParseJSON(resp, &parsed); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to parse token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", time.Time{}, &RegistrationError{Message: serverMessage(resp.Body)}
	}

	expiresIn, err := parsed.ExpiresIn.Int64()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid expires_in in token response: %w", err)
	}
	return parsed.AccessToken, time.Now().UTC().Add(time.Duration(expiresIn) * time.Second), nil
}
