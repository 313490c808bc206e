package auth

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// Mode selects which authorization methods apply to a request. Signing,
// bearer and cookies may be combined; ModeNone excludes everything else and
// ModeDefault (the zero value) resolves to the best available method.
type Mode uint8

const (
	// ModeDefault resolves to signing when signing material is present,
	// otherwise to bearer when a non-expired access token is present.
	ModeDefault Mode = 0
	// ModeNone applies no authorization at all.
	ModeNone Mode = 1
	// ModeSigning signs the request with the device private key.
	ModeSigning Mode = 2
	// ModeBearer attaches the bearer access token.
	ModeBearer Mode = 4
	// ModeCookies attaches the website cookie set.
	ModeCookies Mode = 8
)

// resolveLocked validates a mode and expands ModeDefault. Callers must hold a.mu.
func (a *Authenticator) resolveLocked(mode Mode) (Mode, error) {
	if mode&ModeNone != 0 {
		if mode != ModeNone {
			return 0, fmt.Errorf("authorization mode none cannot be combined with other modes")
		}
		return ModeNone, nil
	}
	if mode != ModeDefault {
		return mode, nil
	}

	if a.adpToken != "" && a.devicePrivateKey != "" {
		return ModeSigning, nil
	}
	if a.accessToken != "" && !a.isExpiredLocked() {
		return ModeBearer, nil
	}
	return 0, &AuthFlowError{Reason: "no viable authorization method: no signing material and no valid access token"}
}

// Apply authorizes req in place according to mode. A bearer authorization
// with an expired token refreshes first when a refresh token is available.
func (a *Authenticator) Apply(req *http.Request, mode Mode) error {
	a.mu.Lock()
	resolved, err := a.resolveLocked(mode)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	if resolved == ModeNone {
		return nil
	}

	if resolved&ModeBearer != 0 && a.IsExpired() {
		if err := a.Refresh(req.Context()); err != nil {
			if err == ErrNoRefreshToken {
				return &AuthFlowError{Reason: "access token expired and no refresh token available"}
			}
			return err
		}
	}

	if resolved&ModeSigning != 0 {
		headers, err := a.SignRequest(req.Method, req.URL.RequestURI(), bodyBytes(req), time.Now())
		if err != nil {
			return err
		}
		for key, values := range headers {
			for _, value := range values {
				req.Header.Set(key, value)
			}
		}
	}

	a.mu.Lock()
	accessToken := a.accessToken
	cookies := make(map[string]string, len(a.websiteCookies))
	for name, value := range a.websiteCookies {
		cookies[name] = value
	}
	a.mu.Unlock()

	if resolved&ModeBearer != 0 {
		if accessToken == "" {
			return &AuthFlowError{Reason: "no access token available"}
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("client-id", "0")
	}

	if resolved&ModeCookies != 0 {
		for name, value := range cookies {
			req.AddCookie(&http.Cookie{Name: name, Value: value})
		}
	}
	return nil
}

// bodyBytes returns the request body for signing without consuming it.
func bodyBytes(req *http.Request) []byte {
	if req.Body == nil || req.GetBody == nil {
		return nil
	}
	reader, err := req.GetBody()
	if err != nil {
		return nil
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil
	}
	return data
}
