package discovery

import (
	"net/url"
	"strings"

	"mobileconnect/mcerr"
	"mobileconnect/urlbuilder"
)

// ParsedRedirect is what the operator-selection page hands back.
type ParsedRedirect struct {
	SelectedMCC           string
	SelectedMNC           string
	EncryptedSubscriberID string
}

// HasIdentifiers reports whether both MCC and MNC were selected.
func (p ParsedRedirect) HasIdentifiers() bool {
	return p.SelectedMCC != "" && p.SelectedMNC != ""
}

// ParseDiscoveryRedirect extracts the selected operator and subscriber id
// from the operator-selection redirect. Malformed values yield empty
// fields rather than errors; only an empty redirect URL is rejected.
func ParseDiscoveryRedirect(redirectURL string) (ParsedRedirect, error) {
	if err := mcerr.Require("redirectURL", redirectURL); err != nil {
		return ParsedRedirect{}, err
	}

	var out ParsedRedirect
	u, err := url.Parse(redirectURL)
	if err != nil {
		return out, nil
	}
	params, err := url.ParseQuery(u.RawQuery)
	if err != nil && len(params) == 0 {
		return out, nil
	}

	out.EncryptedSubscriberID = urlbuilder.Lookup(params, paramSubscriberID)
	if mccMNC := urlbuilder.Lookup(params, paramMCCMNC); mccMNC != "" {
		parts := strings.Split(mccMNC, "_")
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			out.SelectedMCC = parts[0]
			out.SelectedMNC = parts[1]
		}
	}
	return out, nil
}
