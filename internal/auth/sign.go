package auth

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"time"
)

// signatureAlgorithm is the identifier the server expects alongside signed
// requests.
const signatureAlgorithm = "SHA256withRSA:1.0"

// timestampFormat is the timestamp layout embedded in the canonical string
// and the signature header.
const timestampFormat = "2006-01-02T15:04:05Z"

// SignRequest signs one API request with the device private key and returns
// the resulting header set. The canonical string is
//
//	method "\n" path "\n" timestamp "\n" body "\n" adp_token
//
// signed with PKCS#1 v1.5 over SHA-256. Identical inputs yield identical
// headers. Requires both the ADP token and the device private key.
func (a *Authenticator) SignRequest(method, path string, body []byte, ts time.Time) (http.Header, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.adpToken == "" || a.devicePrivateKey == "" {
		return nil, &AuthFlowError{Reason: "signing requires adp token and device private key"}
	}

	key, err := a.parsedKeyLocked()
	if err != nil {
		return nil, err
	}
	provider, err := a.registry.Resolve("")
	if err != nil {
		return nil, err
	}

	stamp := ts.UTC().Format(timestampFormat)
	canonical := method + "\n" + path + "\n" + stamp + "\n" + string(body) + "\n" + a.adpToken

	signature, err := provider.SignPKCS1v15SHA256(key, []byte(canonical))
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	headers := http.Header{}
	headers.Set("x-adp-token", a.adpToken)
	headers.Set("x-adp-alg", signatureAlgorithm)
	headers.Set("x-adp-signature", base64.StdEncoding.EncodeToString(signature)+":"+stamp)
	return headers, nil
}
