package discovery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Link relations found in discovery documents.
const (
	RelOperatorSelection = "operatorSelection"
	RelAuthorization     = "authorization"
	RelToken             = "token"
	RelUserInfo          = "userinfo"
	RelJWKS              = "jwks"
	RelPremiumInfo       = "premiuminfo"
	RelIssuer            = "issuer"
)

// Link is a typed hyperlink in a discovery document.
type Link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

// API groups the links published for one operator API.
type API struct {
	Link []Link `json:"link"`
}

// OperatorResponse is the "response" object of an operator-identified document.
type OperatorResponse struct {
	ServingOperator string         `json:"serving_operator,omitempty"`
	Country         string         `json:"country,omitempty"`
	Currency        string         `json:"currency,omitempty"`
	ClientID        string         `json:"client_id,omitempty"`
	ClientSecret    string         `json:"client_secret,omitempty"`
	ClientName      string         `json:"client_name,omitempty"`
	APIs            map[string]API `json:"apis,omitempty"`
}

// Metadata is a parsed discovery response body.
type Metadata struct {
	TTL          json.Number       `json:"ttl,omitempty"`
	SubscriberID string            `json:"subscriber_id,omitempty"`
	Links        []Link            `json:"links,omitempty"`
	Response     *OperatorResponse `json:"response,omitempty"`

	Error            string `json:"error,omitempty"`
	Description      string `json:"description,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

// ParseMetadata decodes a discovery response body. The body must be a JSON object.
func ParseMetadata(body []byte) (*Metadata, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty discovery document")
	}
	if trimmed[0] != '{' {
		return nil, errors.New("discovery document is not a json object")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var md Metadata
	if err := dec.Decode(&md); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	return &md, nil
}

// maxHintSeconds bounds ttl values that convert to int64 without overflow,
// whether read as seconds or milliseconds.
const maxHintSeconds = 1 << 53

// farFuture is returned for ttl values beyond maxHintSeconds.
var farFuture = time.Unix(maxHintSeconds, 0)

// TTLHint returns the instant carried in the ttl field, if any. The value
// is epoch seconds; values too large to be seconds are read as milliseconds.
// Values past any representable instant saturate to a far-future time.
func (m *Metadata) TTLHint() (time.Time, bool) {
	if m == nil || m.TTL == "" {
		return time.Time{}, false
	}
	f, err := m.TTL.Float64()
	if err != nil && !math.IsInf(f, 1) {
		return time.Time{}, false
	}
	if f <= 0 || math.IsNaN(f) {
		return time.Time{}, false
	}
	millis := f > 1e11
	secs := f
	if millis {
		secs = f / 1000
	}
	if secs >= maxHintSeconds {
		return farFuture, true
	}
	if millis {
		return time.UnixMilli(int64(f)), true
	}
	return time.Unix(int64(f), 0), true
}

// LinkHref returns the href of the first link whose rel matches,
// case-insensitively. Top-level links are searched before operator APIs.
func (m *Metadata) LinkHref(rel string) string {
	if m == nil {
		return ""
	}
	if href := findLink(m.Links, rel); href != "" {
		return href
	}
	if m.Response == nil {
		return ""
	}
	if api, ok := m.Response.APIs["operatorid"]; ok {
		if href := findLink(api.Link, rel); href != "" {
			return href
		}
	}
	for _, api := range m.Response.APIs {
		if href := findLink(api.Link, rel); href != "" {
			return href
		}
	}
	return ""
}

func findLink(links []Link, rel string) string {
	for _, l := range links {
		if strings.EqualFold(l.Rel, rel) && l.Href != "" {
			return l.Href
		}
	}
	return ""
}

// ErrorResponse is an error object returned by the discovery service.
type ErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
}

// ErrorResponse returns the error object in the document, or nil.
func (m *Metadata) ErrorResponse() *ErrorResponse {
	if m == nil || m.Error == "" {
		return nil
	}
	desc := m.Description
	if desc == "" {
		desc = m.ErrorDescription
	}
	return &ErrorResponse{Error: m.Error, Description: desc, URI: m.ErrorURI}
}

// OperatorEndpoints is the operator metadata needed for authentication.
type OperatorEndpoints struct {
	ClientID          string
	ClientSecret      string
	ServingOperator   string
	AuthorizationHref string
	TokenHref         string
	UserInfoHref      string
	JWKSHref          string
	PremiumInfoHref   string
	IssuerHref        string
}

// OperatorEndpoints extracts the operator view; ok is false when the
// document is not an operator-identified response.
func (m *Metadata) OperatorEndpoints() (OperatorEndpoints, bool) {
	if m == nil || m.Response == nil {
		return OperatorEndpoints{}, false
	}
	return OperatorEndpoints{
		ClientID:          m.Response.ClientID,
		ClientSecret:      m.Response.ClientSecret,
		ServingOperator:   m.Response.ServingOperator,
		AuthorizationHref: m.LinkHref(RelAuthorization),
		TokenHref:         m.LinkHref(RelToken),
		UserInfoHref:      m.LinkHref(RelUserInfo),
		JWKSHref:          m.LinkHref(RelJWKS),
		PremiumInfoHref:   m.LinkHref(RelPremiumInfo),
		IssuerHref:        m.LinkHref(RelIssuer),
	}, true
}
