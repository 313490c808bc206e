package login

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// form is one HTML form scraped from a login page, ready to be filled in and
// resubmitted with its hidden state preserved.
type form struct {
	action string
	method string
	fields url.Values
}

// parseForm scrapes the form matching selector from doc. The action URL is
// resolved against pageURL so relative actions post back to the right host.
func parseForm(doc *goquery.Document, pageURL *url.URL, selector string) (*form, error) {
	node := doc.Find(selector).First()
	if node.Length() == 0 {
		return nil, fmt.Errorf("no form matching %q on page", selector)
	}

	f := &form{method: http.MethodPost, fields: url.Values{}}

	if method, ok := node.Attr("method"); ok && strings.EqualFold(method, "get") {
		f.method = http.MethodGet
	}

	action, _ := node.Attr("action")
	resolved, err := resolveURL(pageURL, action)
	if err != nil {
		return nil, err
	}
	f.action = resolved

	node.Find("input").Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok || name == "" {
			return
		}
		inputType, _ := s.Attr("type")
		switch strings.ToLower(inputType) {
		case "submit", "image", "button", "reset":
			return
		case "checkbox", "radio":
			if _, checked := s.Attr("checked"); !checked {
				return
			}
		}
		value, _ := s.Attr("value")
		f.fields.Set(name, value)
	})
	return f, nil
}

// resolveURL makes targetRef absolute against base. An empty ref posts back
// to the page itself.
func resolveURL(base *url.URL, ref string) (string, error) {
	if ref == "" {
		return base.String(), nil
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid form action %q: %w", ref, err)
	}
	return base.ResolveReference(parsed).String(), nil
}

// set overwrites one form field.
func (f *form) set(name, value string) {
	f.fields.Set(name, value)
}
