package login

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mkb79/Audible-sub000/internal/config"
)

// ChallengeKind identifies what a returned login page is asking for.
type ChallengeKind int

const (
	// ChallengeNone means the page carries no recognized challenge.
	ChallengeNone ChallengeKind = iota
	// ChallengeCaptcha asks for a captcha solution.
	ChallengeCaptcha
	// ChallengeDeviceChoice asks which MFA device should receive a code.
	ChallengeDeviceChoice
	// ChallengeOTP asks for a one-time password.
	ChallengeOTP
	// ChallengeVerification asks for a verification code sent out-of-band.
	ChallengeVerification
	// ChallengeApproval waits for an approval confirmed on another device.
	ChallengeApproval
)

func (k ChallengeKind) String() string {
	switch k {
	case ChallengeCaptcha:
		return "captcha"
	case ChallengeDeviceChoice:
		return "device-choice"
	case ChallengeOTP:
		return "otp"
	case ChallengeVerification:
		return "verification"
	case ChallengeApproval:
		return "approval"
	default:
		return "none"
	}
}

// Classify inspects a login page and reports the challenge it presents.
// Detection runs in a fixed priority order so a page matching several
// selectors always classifies the same way.
func Classify(doc *goquery.Document, sel config.Selectors) ChallengeKind {
	switch {
	case doc.Find(sel.Captcha).Length() > 0:
		return ChallengeCaptcha
	case doc.Find(sel.DeviceChoice).Length() > 0:
		return ChallengeDeviceChoice
	case doc.Find(sel.OTP).Length() > 0:
		return ChallengeOTP
	case doc.Find(sel.Verification).Length() > 0:
		return ChallengeVerification
	case doc.Find(sel.Approval).Length() > 0:
		return ChallengeApproval
	default:
		return ChallengeNone
	}
}

// errorMessage extracts the server-rendered error box text, if present.
func errorMessage(doc *goquery.Document, sel config.Selectors) string {
	box := doc.Find(sel.ErrorBox)
	if box.Length() == 0 {
		return ""
	}
	return strings.Join(strings.Fields(box.Text()), " ")
}

// captchaImageURL returns the src of the captcha image, if any.
func captchaImageURL(doc *goquery.Document, sel config.Selectors) string {
	src, _ := doc.Find(sel.Captcha).First().Attr("src")
	return src
}

// ChoiceOption is one selectable MFA device on a device-choice page.
type ChoiceOption struct {
	// Value is the form value submitted when this device is chosen.
	Value string
	// Label is the human-readable description shown next to the option.
	Label string
}

// choiceOptions lists the MFA devices offered by a device-choice form.
func choiceOptions(doc *goquery.Document, sel config.Selectors) []ChoiceOption {
	var options []ChoiceOption
	doc.Find(sel.DeviceChoice).Find("input[type=radio]").Each(func(_ int, s *goquery.Selection) {
		value, ok := s.Attr("value")
		if !ok {
			return
		}
		label := strings.Join(strings.Fields(s.Parent().Text()), " ")
		options = append(options, ChoiceOption{Value: value, Label: label})
	})
	return options
}
