// Package locale carries the marketplace metadata needed to address the
// correct regional API and login hosts.
package locale

import (
	"fmt"
	"strings"
)

// Locale identifies one Audible marketplace.
type Locale struct {
	CountryCode   string `json:"country_code" mapstructure:"country_code"`
	Domain        string `json:"domain" mapstructure:"domain"`
	MarketPlaceID string `json:"market_place_id" mapstructure:"market_place_id"`
}

// APIHost returns the regional API host.
func (l Locale) APIHost() string {
	return "api.audible." + l.Domain
}

// AmazonHost returns the regional Amazon host used for login and registration.
func (l Locale) AmazonHost() string {
	return "www.amazon." + l.Domain
}

// templates lists the known marketplaces.
var templates = []Locale{
	{CountryCode: "us", Domain: "com", MarketPlaceID: "AF2M0KC94RCEA"},
	{CountryCode: "ca", Domain: "ca", MarketPlaceID: "A2CQZ5RBY40XE"},
	{CountryCode: "uk", Domain: "co.uk", MarketPlaceID: "A2I9A3Q2GNFNGQ"},
	{CountryCode: "au", Domain: "com.au", MarketPlaceID: "AN7EY7DTAW63G"},
	{CountryCode: "fr", Domain: "fr", MarketPlaceID: "A2728XDNODOQ8T"},
	{CountryCode: "de", Domain: "de", MarketPlaceID: "AN7V1F1VY261K"},
	{CountryCode: "jp", Domain: "co.jp", MarketPlaceID: "A1QAP3MOU4173J"},
	{CountryCode: "it", Domain: "it", MarketPlaceID: "A2N7FU2W2BU2ZC"},
	{CountryCode: "in", Domain: "in", MarketPlaceID: "AJO3FBRUE6J4S"},
	{CountryCode: "es", Domain: "es", MarketPlaceID: "ALMIKO4SZCSAR"},
	{CountryCode: "br", Domain: "com.br", MarketPlaceID: "A10J1VAYUDTYRN"},
}

// ForCountryCode returns the marketplace template for a country code.
func ForCountryCode(code string) (Locale, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, l := range templates {
		if l.CountryCode == code {
			return l, nil
		}
	}
	return Locale{}, fmt.Errorf("unknown marketplace country code %q", code)
}

// Available returns the known country codes.
func Available() []string {
	codes := make([]string, 0, len(templates))
	for _, l := range templates {
		codes = append(codes, l.CountryCode)
	}
	return codes
}
