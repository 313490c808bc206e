// Package login implements the browser-less web login flow: it walks the
// OAuth signin pages, recognizes the challenge each returned page presents
// (captcha, MFA device choice, OTP, verification code, device approval),
// obtains answers through caller-supplied callbacks and resubmits until the
// server hands out an authorization code.
package login

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/mkb79/Audible-sub000/internal/auth"
	"github.com/mkb79/Audible-sub000/internal/client"
	"github.com/mkb79/Audible-sub000/internal/config"
	"github.com/mkb79/Audible-sub000/internal/device"
	"github.com/mkb79/Audible-sub000/internal/locale"
)

// authorizationCodeParam is the query parameter carrying the authorization
// code on the success redirect.
const authorizationCodeParam = "openid.oauth2.authorization_code"

// maxSteps bounds the challenge loop so a misbehaving server can never make
// the flow spin forever.
const maxSteps = 12

// LoginFailedError reports a login attempt the server rejected or a
// challenge callback that failed.
type LoginFailedError struct {
	Reason string
	Err    error
}

func (e *LoginFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("login failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("login failed: %s", e.Reason)
}

func (e *LoginFailedError) Unwrap() error { return e.Err }

// UnrecognizedPageError is the terminal state for a page the classifier
// cannot place: no challenge, no error box, no authorization code. The URL
// and title are kept for human triage.
type UnrecognizedPageError struct {
	URL   string
	Title string
}

func (e *UnrecognizedPageError) Error() string {
	return fmt.Sprintf("unrecognized login page %q (%s)", e.Title, e.URL)
}

// Callbacks supplies the human answers for login challenges. A challenge
// whose callback is nil fails the flow.
type Callbacks struct {
	// Captcha receives the captcha image URL and returns the solution.
	Captcha func(imageURL string) (string, error)
	// OTP returns a one-time password from the user's MFA device.
	OTP func() (string, error)
	// Verification returns the verification code sent out-of-band.
	Verification func() (string, error)
	// Choice picks which MFA device should receive a code.
	Choice func(options []ChoiceOption) (string, error)
	// Approval blocks until the user has approved the login elsewhere.
	Approval func() error
}

// Result is a completed login: the authorization code and the PKCE verifier
// that registration must present together.
type Result struct {
	AuthorizationCode string
	CodeVerifier      string
}

// Flow drives one login session. Not safe for concurrent use; run one flow
// per human login attempt.
type Flow struct {
	httpc     *client.HTTPClient
	logger    *logrus.Logger
	device    device.Device
	locale    locale.Locale
	selectors config.Selectors
	callbacks Callbacks

	withUsername bool

	// Endpoint override for tests.
	baseURL string
}

// NewFlow creates a login flow for the given marketplace. The HTTP client
// must carry a cookie jar; the signin session depends on it.
func NewFlow(loc locale.Locale, dev device.Device, httpc *client.HTTPClient, logger *logrus.Logger, callbacks Callbacks) (*Flow, error) {
	if dev == nil {
		return nil, fmt.Errorf("device is required")
	}
	if httpc == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if httpc.Jar() == nil {
		return nil, fmt.Errorf("http client must have a cookie jar")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Flow{
		httpc:     httpc,
		logger:    logger,
		device:    dev,
		locale:    loc,
		selectors: config.DefaultSelectors(),
		callbacks: callbacks,
	}, nil
}

// SetSelectors overrides the challenge-detection CSS markers.
func (f *Flow) SetSelectors(sel config.Selectors) { f.selectors = sel }

// SetWithUsername switches the flow to the username-based signin variant.
func (f *Flow) SetWithUsername(withUsername bool) { f.withUsername = withUsername }

// SetBaseURL overrides the signin host. Used by tests.
func (f *Flow) SetBaseURL(baseURL string) { f.baseURL = baseURL }

func (f *Flow) signinBase() string {
	if f.baseURL != "" {
		return f.baseURL
	}
	if f.withUsername {
		return "https://www.audible." + f.locale.Domain
	}
	return "https://www.amazon." + f.locale.Domain
}

// oauthParams builds the /ap/signin query for this flow's device and
// marketplace, carrying the PKCE challenge.
func (f *Flow) oauthParams(challenge string) url.Values {
	deviceType := f.device.RegistrationData()["device_type"]
	clientID := device.ClientID(f.device.Serial(), deviceType)

	assocHandle := "amzn_audible_ios_" + f.locale.CountryCode
	pageID := "amzn_audible_ios"
	if f.withUsername {
		assocHandle = "amzn_audible_ios_lap_" + f.locale.CountryCode
		pageID = "amzn_audible_ios_privatepool"
	}

	q := url.Values{}
	q.Set("openid.oa2.response_type", "code")
	q.Set("openid.oa2.code_challenge_method", "S256")
	q.Set("openid.oa2.code_challenge", challenge)
	q.Set("openid.return_to", f.signinBase()+"/ap/maplanding")
	q.Set("openid.assoc_handle", assocHandle)
	q.Set("openid.identity", "http://specs.openid.net/auth/2.0/identifier_select")
	q.Set("pageId", pageID)
	q.Set("accountStatusPolicy", "P1")
	q.Set("openid.claimed_id", "http://specs.openid.net/auth/2.0/identifier_select")
	q.Set("openid.mode", "checkid_setup")
	q.Set("openid.ns.oa2", "http://www.amazon.com/ap/ext/oauth/2")
	q.Set("openid.oa2.client_id", "device:"+clientID)
	q.Set("openid.ns.pape", "http://specs.openid.net/extensions/pape/1.0")
	q.Set("openid.oa2.scope", "device_auth_access")
	q.Set("forceMobileLayout", "true")
	q.Set("openid.ns", "http://specs.openid.net/auth/2.0")
	q.Set("openid.pape.max_auth_age", "0")
	return q
}

// Run performs the whole login flow and returns the authorization code with
// its PKCE verifier. Every request carries the device user-agent and the
// initial cookie set so the server observes a single consistent fingerprint.
func (f *Flow) Run(ctx context.Context, username, password string) (*Result, error) {
	pkce, err := NewPKCE()
	if err != nil {
		return nil, err
	}

	base := f.signinBase()
	if err := f.httpc.SeedCookies(base, f.device.InitialCookies()); err != nil {
		return nil, fmt.Errorf("failed to seed session cookies: %w", err)
	}

	resp, err := f.get(ctx, base+"/ap/signin?"+f.oauthParams(pkce.Challenge).Encode())
	if err != nil {
		return nil, err
	}

	doc, err := parsePage(resp)
	if err != nil {
		return nil, err
	}

	signin, err := parseForm(doc, resp.URL, "form[name=signIn]")
	if err != nil {
		signin, err = parseForm(doc, resp.URL, "form")
		if err != nil {
			return nil, &LoginFailedError{Reason: "signin page carries no form", Err: err}
		}
	}
	signin.set("email", username)
	signin.set("password", password)

	resp, err = f.submit(ctx, signin)
	if err != nil {
		return nil, err
	}

	for step := 0; step < maxSteps; step++ {
		if code := resp.URL.Query().Get(authorizationCodeParam); code != "" {
			f.logger.WithField("steps", step+1).Info("Login flow authorized")
			return &Result{AuthorizationCode: code, CodeVerifier: pkce.Verifier}, nil
		}

		doc, err := parsePage(resp)
		if err != nil {
			return nil, err
		}

		kind := Classify(doc, f.selectors)
		f.logger.WithField("challenge", kind.String()).Debug("Login page classified")

		switch kind {
		case ChallengeCaptcha:
			resp, err = f.handleCaptcha(ctx, doc, resp.URL, username, password)
		case ChallengeDeviceChoice:
			resp, err = f.handleDeviceChoice(ctx, doc, resp.URL)
		case ChallengeOTP:
			resp, err = f.handleOTP(ctx, doc, resp.URL)
		case ChallengeVerification:
			resp, err = f.handleVerification(ctx, doc, resp.URL)
		case ChallengeApproval:
			resp, err = f.handleApproval(ctx, resp.URL)
		default:
			if msg := errorMessage(doc, f.selectors); msg != "" {
				return nil, &LoginFailedError{Reason: msg}
			}
			title := doc.Find("title").First().Text()
			return nil, &UnrecognizedPageError{URL: resp.URL.String(), Title: title}
		}
		if err != nil {
			return nil, err
		}
	}

	return nil, &LoginFailedError{Reason: fmt.Sprintf("challenge loop did not terminate after %d steps", maxSteps)}
}

func (f *Flow) handleCaptcha(ctx context.Context, doc *goquery.Document, pageURL *url.URL, username, password string) (*client.Response, error) {
	if f.callbacks.Captcha == nil {
		return nil, &auth.AuthFlowError{Reason: "captcha challenge requires the Captcha callback"}
	}

	guess, err := f.callbacks.Captcha(captchaImageURL(doc, f.selectors))
	if err != nil {
		return nil, &LoginFailedError{Reason: "captcha callback failed", Err: err}
	}

	frm, err := parseForm(doc, pageURL, "form")
	if err != nil {
		return nil, &LoginFailedError{Reason: "captcha page carries no form", Err: err}
	}
	frm.set("guess", guess)
	frm.set("use_image_captcha", "true")
	frm.set("use_audio_captcha", "false")
	frm.set("showPasswordChecked", "false")
	frm.set("email", username)
	frm.set("password", password)
	return f.submit(ctx, frm)
}

func (f *Flow) handleDeviceChoice(ctx context.Context, doc *goquery.Document, pageURL *url.URL) (*client.Response, error) {
	if f.callbacks.Choice == nil {
		return nil, &auth.AuthFlowError{Reason: "device-choice challenge requires the Choice callback"}
	}

	value, err := f.callbacks.Choice(choiceOptions(doc, f.selectors))
	if err != nil {
		return nil, &LoginFailedError{Reason: "device-choice callback failed", Err: err}
	}

	frm, err := parseForm(doc, pageURL, f.selectors.DeviceChoice)
	if err != nil {
		return nil, &LoginFailedError{Reason: "device-choice page carries no form", Err: err}
	}
	frm.set("otpDeviceContext", value)
	return f.submit(ctx, frm)
}

func (f *Flow) handleOTP(ctx context.Context, doc *goquery.Document, pageURL *url.URL) (*client.Response, error) {
	if f.callbacks.OTP == nil {
		return nil, &auth.AuthFlowError{Reason: "otp challenge requires the OTP callback"}
	}

	code, err := f.callbacks.OTP()
	if err != nil {
		return nil, &LoginFailedError{Reason: "otp callback failed", Err: err}
	}

	frm, err := parseForm(doc, pageURL, f.selectors.OTP)
	if err != nil {
		return nil, &LoginFailedError{Reason: "otp page carries no form", Err: err}
	}
	frm.set("otpCode", code)
	frm.set("rememberDevice", "")
	return f.submit(ctx, frm)
}

func (f *Flow) handleVerification(ctx context.Context, doc *goquery.Document, pageURL *url.URL) (*client.Response, error) {
	if f.callbacks.Verification == nil {
		return nil, &auth.AuthFlowError{Reason: "verification challenge requires the Verification callback"}
	}

	code, err := f.callbacks.Verification()
	if err != nil {
		return nil, &LoginFailedError{Reason: "verification callback failed", Err: err}
	}

	frm, err := parseForm(doc, pageURL, f.selectors.Verification)
	if err != nil {
		return nil, &LoginFailedError{Reason: "verification page carries no form", Err: err}
	}
	frm.set("code", code)
	return f.submit(ctx, frm)
}

// handleApproval waits for the out-of-band approval, then reloads the page;
// the server redirects an approved session onward.
func (f *Flow) handleApproval(ctx context.Context, pageURL *url.URL) (*client.Response, error) {
	if f.callbacks.Approval == nil {
		return nil, &auth.AuthFlowError{Reason: "approval challenge requires the Approval callback"}
	}
	if err := f.callbacks.Approval(); err != nil {
		return nil, &LoginFailedError{Reason: "approval callback failed", Err: err}
	}
	return f.get(ctx, pageURL.String())
}

func (f *Flow) get(ctx context.Context, rawURL string) (*client.Response, error) {
	return f.httpc.Do(ctx, &client.Request{
		Method:  http.MethodGet,
		URL:     rawURL,
		Headers: f.headers(),
	})
}

func (f *Flow) submit(ctx context.Context, frm *form) (*client.Response, error) {
	if frm.method == http.MethodGet {
		target := frm.action
		if encoded := frm.fields.Encode(); encoded != "" {
			target += "?" + encoded
		}
		return f.get(ctx, target)
	}

	headers := f.headers()
	headers["Content-Type"] = "application/x-www-form-urlencoded"
	return f.httpc.Do(ctx, &client.Request{
		Method:  http.MethodPost,
		URL:     frm.action,
		RawBody: []byte(frm.fields.Encode()),
		Headers: headers,
	})
}

func (f *Flow) headers() map[string]string {
	return map[string]string{
		"User-Agent":      f.device.UserAgent(),
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9",
	}
}

func parsePage(resp *client.Response) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, &LoginFailedError{Reason: "failed to parse login page", Err: err}
	}
	return doc, nil
}
