package login

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkb79/Audible-sub000/internal/auth"
	"github.com/mkb79/Audible-sub000/internal/client"
	"github.com/mkb79/Audible-sub000/internal/config"
	"github.com/mkb79/Audible-sub000/internal/device"
	"github.com/mkb79/Audible-sub000/internal/locale"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testJarClient(t *testing.T) *client.HTTPClient {
	t.Helper()
	cfg := client.DefaultConfig()
	cfg.WithJar = true
	httpc, err := client.New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { httpc.Close() })
	return httpc
}

func testFlow(t *testing.T, serverURL string, callbacks Callbacks) *Flow {
	t.Helper()
	loc, err := locale.ForCountryCode("us")
	require.NoError(t, err)

	flow, err := NewFlow(loc, device.NewProfile(), testJarClient(t), testLogger(), callbacks)
	require.NoError(t, err)
	flow.SetBaseURL(serverURL)
	return flow
}

const signinPage = `<html><body>
<form name="signIn" method="post" action="/ap/signin">
  <input type="hidden" name="appActionToken" value="token-1"/>
  <input type="email" name="email"/>
  <input type="password" name="password"/>
</form>
</body></html>`

const captchaPage = `<html><body>
<form name="signIn" method="post" action="/ap/signin">
  <input type="hidden" name="appActionToken" value="token-2"/>
  <input type="email" name="email"/>
  <input type="password" name="password"/>
</form>
<img id="auth-captcha-image" src="/captcha.jpg"/>
</body></html>`

const otpPage = `<html><body>
<form id="auth-mfa-form" method="post" action="/ap/signin">
  <input type="hidden" name="appActionToken" value="token-3"/>
  <input type="text" name="otpCode"/>
</form>
</body></html>`

const errorPage = `<html><body>
<div id="auth-error-message-box">There was a problem. Your password is incorrect.</div>
<form name="signIn" method="post" action="/ap/signin">
  <input type="email" name="email"/>
</form>
</body></html>`

const unknownPage = `<html><head><title>Something new</title></head>
<body><p>We need more information.</p></body></html>`

// scriptedServer walks a login session through captcha and otp before
// handing out the authorization code. The PKCE challenge from the initial
// signin request is captured into challenge when non-nil.
func scriptedServer(t *testing.T, challenge *string) *httptest.Server {
	t.Helper()
	router := mux.NewRouter()

	router.HandleFunc("/ap/signin", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("openid.oa2.code_challenge"))
		assert.Equal(t, "S256", r.URL.Query().Get("openid.oa2.code_challenge_method"))
		assert.Equal(t, "device_auth_access", r.URL.Query().Get("openid.oa2.scope"))
		if challenge != nil {
			*challenge = r.URL.Query().Get("openid.oa2.code_challenge")
		}
		fmt.Fprint(w, signinPage)
	}).Methods(http.MethodGet)

	router.HandleFunc("/ap/signin", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.NotEmpty(t, r.PostForm.Get("appActionToken"))

		switch {
		case r.PostForm.Get("otpCode") != "":
			assert.Equal(t, "123456", r.PostForm.Get("otpCode"))
			http.Redirect(w, r, "/ap/maplanding?openid.oauth2.authorization_code=auth-code-xyz", http.StatusFound)
		case r.PostForm.Get("guess") != "":
			assert.Equal(t, "caterpillar", r.PostForm.Get("guess"))
			assert.Equal(t, "user@example.com", r.PostForm.Get("email"))
			fmt.Fprint(w, otpPage)
		default:
			assert.Equal(t, "user@example.com", r.PostForm.Get("email"))
			assert.Equal(t, "hunter2", r.PostForm.Get("password"))
			fmt.Fprint(w, captchaPage)
		}
	}).Methods(http.MethodPost)

	router.HandleFunc("/ap/maplanding", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func TestRunCaptchaOtpSuccess(t *testing.T) {
	var challenge string
	server := scriptedServer(t, &challenge)

	var order []string
	callbacks := Callbacks{
		Captcha: func(imageURL string) (string, error) {
			order = append(order, "captcha")
			assert.Contains(t, imageURL, "/captcha.jpg")
			return "caterpillar", nil
		},
		OTP: func() (string, error) {
			order = append(order, "otp")
			return "123456", nil
		},
	}

	flow := testFlow(t, server.URL, callbacks)
	result, err := flow.Run(context.Background(), "user@example.com", "hunter2")
	require.NoError(t, err)

	assert.Equal(t, "auth-code-xyz", result.AuthorizationCode)
	assert.Equal(t, []string{"captcha", "otp"}, order)

	sum := sha256.Sum256([]byte(result.CodeVerifier))
	assert.Equal(t, challenge, base64.RawURLEncoding.EncodeToString(sum[:]))
}

func TestRunMissingCallback(t *testing.T) {
	server := scriptedServer(t, nil)

	flow := testFlow(t, server.URL, Callbacks{})
	_, err := flow.Run(context.Background(), "user@example.com", "hunter2")

	var flowErr *auth.AuthFlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Contains(t, flowErr.Reason, "Captcha")
}

func TestRunCallbackFailure(t *testing.T) {
	server := scriptedServer(t, nil)

	callbacks := Callbacks{
		Captcha: func(string) (string, error) {
			return "", fmt.Errorf("user gave up")
		},
	}

	flow := testFlow(t, server.URL, callbacks)
	_, err := flow.Run(context.Background(), "user@example.com", "hunter2")

	var failErr *LoginFailedError
	require.ErrorAs(t, err, &failErr)
	assert.ErrorContains(t, failErr.Err, "user gave up")
}

func TestRunServerError(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/ap/signin", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, signinPage)
	}).Methods(http.MethodGet)
	router.HandleFunc("/ap/signin", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, errorPage)
	}).Methods(http.MethodPost)
	server := httptest.NewServer(router)
	defer server.Close()

	flow := testFlow(t, server.URL, Callbacks{})
	_, err := flow.Run(context.Background(), "user@example.com", "wrong")

	var failErr *LoginFailedError
	require.ErrorAs(t, err, &failErr)
	assert.Contains(t, failErr.Reason, "password is incorrect")
}

func TestRunUnrecognizedPage(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/ap/signin", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, signinPage)
	}).Methods(http.MethodGet)
	router.HandleFunc("/ap/signin", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, unknownPage)
	}).Methods(http.MethodPost)
	server := httptest.NewServer(router)
	defer server.Close()

	flow := testFlow(t, server.URL, Callbacks{})
	_, err := flow.Run(context.Background(), "user@example.com", "hunter2")

	var pageErr *UnrecognizedPageError
	require.ErrorAs(t, err, &pageErr)
	assert.Equal(t, "Something new", pageErr.Title)
}

func TestNewPKCE(t *testing.T) {
	pkce, err := NewPKCE()
	require.NoError(t, err)

	// 32 random bytes encode to 43 base64url characters, no padding.
	assert.Len(t, pkce.Verifier, 43)
	assert.NotContains(t, pkce.Verifier, "=")

	digest := sha256.Sum256([]byte(pkce.Verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(digest[:]), pkce.Challenge)

	second, err := NewPKCE()
	require.NoError(t, err)
	assert.NotEqual(t, pkce.Verifier, second.Verifier)
}

func TestClassifyPriorityOrder(t *testing.T) {
	sel := config.DefaultSelectors()

	// A page matching several selectors classifies by priority.
	page := `<html><body>
	<img id="auth-captcha-image" src="/c.jpg"/>
	<form id="auth-mfa-form"></form>
	<div id="cvf-page-content"><form></form></div>
	</body></html>`
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	require.NoError(t, err)
	assert.Equal(t, ChallengeCaptcha, Classify(doc, sel))

	tests := []struct {
		name string
		html string
		want ChallengeKind
	}{
		{"device choice", `<form id="auth-select-device-form"></form>`, ChallengeDeviceChoice},
		{"otp", `<form id="auth-mfa-form"></form>`, ChallengeOTP},
		{"verification", `<div id="cvf-page-content"><form></form></div>`, ChallengeVerification},
		{"approval", `<a id="resend-approval-link"></a>`, ChallengeApproval},
		{"none", `<p>plain page</p>`, ChallengeNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := goquery.NewDocumentFromReader(strings.NewReader("<html><body>" + tt.html + "</body></html>"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, Classify(doc, sel))
		})
	}
}

func TestClassifyCustomSelectors(t *testing.T) {
	sel := config.DefaultSelectors()
	sel.Captcha = "#brand-new-captcha"

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(
		`<html><body><img id="brand-new-captcha" src="/c.jpg"/></body></html>`))
	require.NoError(t, err)
	assert.Equal(t, ChallengeCaptcha, Classify(doc, sel))
}

func TestParseFormPreservesHiddenState(t *testing.T) {
	page := `<html><body>
	<form name="signIn" method="post" action="verify">
	  <input type="hidden" name="sessionId" value="abc"/>
	  <input type="hidden" name="workflowState" value="state-token"/>
	  <input type="text" name="email" value=""/>
	  <input type="checkbox" name="remember" value="yes"/>
	  <input type="checkbox" name="agreed" value="yes" checked/>
	  <input type="submit" name="submit" value="Sign in"/>
	</form>
	</body></html>`

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	require.NoError(t, err)

	pageURL := mustParseURL(t, "https://www.amazon.com/ap/signin?foo=bar")
	frm, err := parseForm(doc, pageURL, "form[name=signIn]")
	require.NoError(t, err)

	assert.Equal(t, "https://www.amazon.com/ap/verify", frm.action)
	assert.Equal(t, "abc", frm.fields.Get("sessionId"))
	assert.Equal(t, "state-token", frm.fields.Get("workflowState"))
	assert.Equal(t, "yes", frm.fields.Get("agreed"))
	assert.False(t, frm.fields.Has("remember"))
	assert.False(t, frm.fields.Has("submit"))
}

func TestChoiceOptions(t *testing.T) {
	page := `<html><body>
	<form id="auth-select-device-form">
	  <label><input type="radio" name="otpDeviceContext" value="dev-1"/> Phone ending in 11</label>
	  <label><input type="radio" name="otpDeviceContext" value="dev-2"/> Email a***@example.com</label>
	</form>
	</body></html>`

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	require.NoError(t, err)

	options := choiceOptions(doc, config.DefaultSelectors())
	require.Len(t, options, 2)
	assert.Equal(t, "dev-1", options[0].Value)
	assert.Contains(t, options[0].Label, "Phone ending in 11")
	assert.Equal(t, "dev-2", options[1].Value)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	return parsed
}
