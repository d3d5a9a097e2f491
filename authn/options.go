package authn

import (
	"time"

	"mobileconnect/discovery"
)

// Authorization request defaults.
const (
	DefaultScope      = "openid"
	DefaultMaxAge     = 3600
	DefaultAcrValues  = "2"
	DefaultDisplay    = "page"
	DefaultScreenMode = "overlay"
	DefaultTimeout    = 30 * time.Second

	// EncryptedMSISDNPrefix marks a login hint built from the encrypted
	// subscriber id returned by discovery.
	EncryptedMSISDNPrefix = "ENCR_MSISDN:"
)

const (
	paramClientID      = "client_id"
	paramResponseType  = "response_type"
	paramScope         = "scope"
	paramRedirectURI   = "redirect_uri"
	paramAcrValues     = "acr_values"
	paramState         = "state"
	paramNonce         = "nonce"
	paramDisplay       = "display"
	paramPrompt        = "prompt"
	paramMaxAge        = "max_age"
	paramUILocales     = "ui_locales"
	paramClaimsLocales = "claims_locales"
	paramIDTokenHint   = "id_token_hint"
	paramLoginHint     = "login_hint"
	paramDtbs          = "dtbs"
	paramGrantType     = "grant_type"
	paramCode          = "code"

	paramError            = "error"
	paramErrorDescription = "error_description"
	paramErrorURI         = "error_uri"

	responseTypeCode       = "code"
	grantAuthorizationCode = "authorization_code"
)

// AuthenticationOptions are the optional authorization request parameters.
type AuthenticationOptions struct {
	Display       string
	Prompt        string
	UILocales     string
	ClaimsLocales string
	IDTokenHint   string
	LoginHint     string
	Dtbs          string
	ScreenMode    string
	Timeout       time.Duration
}

// DefaultAuthenticationOptions returns the options used when none are given.
func DefaultAuthenticationOptions() AuthenticationOptions {
	return AuthenticationOptions{
		Display:    DefaultDisplay,
		ScreenMode: DefaultScreenMode,
		Timeout:    DefaultTimeout,
	}
}

func resolveAuthenticationOptions(opts *AuthenticationOptions) AuthenticationOptions {
	if opts == nil {
		return DefaultAuthenticationOptions()
	}
	out := *opts
	if out.Display == "" {
		out.Display = DefaultDisplay
	}
	if out.ScreenMode == "" {
		out.ScreenMode = DefaultScreenMode
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	return out
}

// AuthenticationRequest is the input to StartAuthentication. Scope, MaxAge
// and AcrValues fall back to their defaults when zero.
type AuthenticationRequest struct {
	RedirectURI     string
	State           string
	Nonce           string
	Scope           string
	MaxAge          int
	AcrValues       string
	EncryptedMSISDN string
	Options         *AuthenticationOptions
}

// TokenOptions tune the token exchange and id token handling.
type TokenOptions struct {
	Timeout time.Duration
	// Verify checks the id token signature against the operator jwks,
	// along with audience, expiry and issuer.
	Verify bool
	// Issuer overrides the issuer link from discovery. When both are
	// empty the issuer is not checked.
	Issuer        string
	ExpectedNonce string
}

// DefaultTokenOptions returns the options used when none are given.
func DefaultTokenOptions() TokenOptions {
	return TokenOptions{Timeout: DefaultTimeout}
}

func resolveTokenOptions(opts *TokenOptions) TokenOptions {
	if opts == nil {
		return DefaultTokenOptions()
	}
	out := *opts
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	return out
}

// StartAuthenticationResponse is the authorization URL to send the user to
// and how the relying party should present it.
type StartAuthenticationResponse struct {
	URL        string
	ScreenMode string
}

// ParsedAuthorizationResponse holds the parameters of the authorization
// redirect.
type ParsedAuthorizationResponse struct {
	Error            string
	ErrorDescription string
	ErrorURI         string
	State            string
	Code             string
}

// ErrorResponse is shared with discovery; both services use the OAuth error shape.
type ErrorResponse = discovery.ErrorResponse
