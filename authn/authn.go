// Package authn runs the OpenID Connect leg of Mobile Connect against the
// operator endpoints resolved by discovery.
package authn

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"mobileconnect/discovery"
	"mobileconnect/mcerr"
	"mobileconnect/rest"
	"mobileconnect/urlbuilder"
)

// Service builds authorization requests and exchanges codes for tokens.
// It is safe for concurrent use.
type Service struct {
	client     rest.Doer
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	keySets map[string]*oidc.RemoteKeySet
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithHTTPClient sets the client used to fetch operator keys and userinfo.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// New creates an authentication service.
func New(client rest.Doer, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		client:     client,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     logger,
		now:        time.Now,
		keySets:    make(map[string]*oidc.RemoteKeySet),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartAuthentication builds the operator authorization URL.
func (s *Service) StartAuthentication(result *discovery.Result, req AuthenticationRequest) (*StartAuthenticationResponse, error) {
	if err := s.checkResult(result); err != nil {
		return nil, err
	}
	if err := mcerr.Require("redirectURI", req.RedirectURI, "nonce", req.Nonce); err != nil {
		return nil, err
	}

	scope := req.Scope
	if scope == "" {
		scope = DefaultScope
	}
	maxAge := req.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	acr := req.AcrValues
	if acr == "" {
		acr = DefaultAcrValues
	}
	opts := resolveAuthenticationOptions(req.Options)

	ep, err := operatorEndpoints(result)
	if err != nil {
		return nil, err
	}
	if ep.AuthorizationHref == "" {
		return nil, &mcerr.Error{Kind: mcerr.ErrOIDC, Message: "no authorization href"}
	}

	loginHint := opts.LoginHint
	if loginHint == "" && req.EncryptedMSISDN != "" {
		loginHint = EncryptedMSISDNPrefix + req.EncryptedMSISDN
	}

	authURL, err := urlbuilder.New(ep.AuthorizationHref).
		Add(paramClientID, ep.ClientID).
		Add(paramResponseType, responseTypeCode).
		Add(paramScope, scope).
		Add(paramRedirectURI, req.RedirectURI).
		Add(paramAcrValues, acr).
		Add(paramState, req.State).
		Add(paramNonce, req.Nonce).
		Add(paramDisplay, opts.Display).
		Add(paramPrompt, opts.Prompt).
		AddInt(paramMaxAge, maxAge).
		Add(paramUILocales, opts.UILocales).
		Add(paramClaimsLocales, opts.ClaimsLocales).
		Add(paramIDTokenHint, opts.IDTokenHint).
		Add(paramLoginHint, loginHint).
		Add(paramDtbs, opts.Dtbs).
		Build()
	if err != nil {
		return nil, mcerr.New(mcerr.ErrOIDC, "invalid authorization href", err)
	}

	return &StartAuthenticationResponse{URL: authURL, ScreenMode: opts.ScreenMode}, nil
}

// ParseAuthenticationResponse reads the authorization redirect.
func ParseAuthenticationResponse(redirectURL string) (ParsedAuthorizationResponse, error) {
	if err := mcerr.Require("redirectURL", redirectURL); err != nil {
		return ParsedAuthorizationResponse{}, err
	}
	u, err := url.Parse(redirectURL)
	if err != nil {
		return ParsedAuthorizationResponse{}, mcerr.New(mcerr.ErrOIDC, "parse authentication response", err)
	}
	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return ParsedAuthorizationResponse{}, mcerr.New(mcerr.ErrOIDC, "parse authentication response", err)
	}
	return ParsedAuthorizationResponse{
		Error:            urlbuilder.Lookup(params, paramError),
		ErrorDescription: urlbuilder.Lookup(params, paramErrorDescription),
		ErrorURI:         urlbuilder.Lookup(params, paramErrorURI),
		State:            urlbuilder.Lookup(params, paramState),
		Code:             urlbuilder.Lookup(params, paramCode),
	}, nil
}

// RequestToken exchanges an authorization code at the operator token
// endpoint. OAuth error bodies are returned in TokenResponse.Error, not as
// a Go error.
func (s *Service) RequestToken(ctx context.Context, result *discovery.Result, redirectURI, code string, opts *TokenOptions) (*TokenResponse, error) {
	if err := s.checkResult(result); err != nil {
		return nil, err
	}
	if err := mcerr.Require("redirectURI", redirectURI, "code", code); err != nil {
		return nil, err
	}
	ep, err := operatorEndpoints(result)
	if err != nil {
		return nil, err
	}
	if ep.TokenHref == "" {
		return nil, &mcerr.Error{Kind: mcerr.ErrOIDC, Message: "no token href"}
	}
	o := resolveTokenOptions(opts)

	form := urlbuilder.New(ep.TokenHref).
		Add(paramRedirectURI, redirectURI).
		Add(paramGrantType, grantAuthorizationCode).
		Add(paramCode, code).
		Values()

	resp, err := s.client.Do(ctx, &rest.Request{
		Method:   rest.MethodFor(ep.TokenHref),
		URL:      ep.TokenHref,
		Form:     form,
		Username: ep.ClientID,
		Password: ep.ClientSecret,
		Timeout:  o.Timeout,
	})
	if err != nil {
		var restErr *rest.Error
		if errors.As(err, &restErr) {
			return nil, mcerr.New(mcerr.ErrOIDC, "call to token end point failed", err)
		}
		return nil, mcerr.New(mcerr.ErrOIDC, "calling token service failed", err)
	}

	tr, err := parseTokenResponse(s.now(), resp.Body)
	if err != nil {
		return nil, mcerr.New(mcerr.ErrOIDC, "calling token service failed", err).
			WithDiagnostics(&mcerr.Diagnostics{
				URI:        resp.URI,
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Body:       string(resp.Body),
			})
	}
	tr.ResponseCode = resp.StatusCode
	tr.Headers = resp.Header

	if tr.Error != nil {
		s.logger.Info("authn.token_error", "status", resp.StatusCode, "error", tr.Error.Error)
	}
	return tr, nil
}

// ParseIDToken decodes an id token. The claims are always read without
// verification; with opts.Verify the token is also checked against the
// operator jwks and ExpectedNonce.
func (s *Service) ParseIDToken(ctx context.Context, result *discovery.Result, rawIDToken string, opts *TokenOptions) (*ParsedIDToken, error) {
	if err := s.checkResult(result); err != nil {
		return nil, err
	}
	if err := mcerr.Require("id_token", rawIDToken); err != nil {
		return nil, err
	}
	o := resolveTokenOptions(opts)

	var claims IDTokenClaims
	tok, _, err := jwt.NewParser().ParseUnverified(rawIDToken, &claims)
	if err != nil {
		return nil, mcerr.New(mcerr.ErrOIDC, "not an id_token", err)
	}
	parsed := &ParsedIDToken{Raw: rawIDToken, Header: tok.Header, Claims: claims}

	if !o.Verify {
		return parsed, nil
	}
	if err := s.verify(ctx, result, rawIDToken, o); err != nil {
		return nil, err
	}
	parsed.Verified = true
	return parsed, nil
}

func (s *Service) verify(ctx context.Context, result *discovery.Result, rawIDToken string, o TokenOptions) error {
	ep, err := operatorEndpoints(result)
	if err != nil {
		return err
	}
	if ep.JWKSHref == "" {
		return &mcerr.Error{Kind: mcerr.ErrOIDC, Message: "no jwks href"}
	}
	issuer := o.Issuer
	if issuer == "" {
		issuer = ep.IssuerHref
	}

	verifier := oidc.NewVerifier(issuer, s.keySet(ep.JWKSHref), &oidc.Config{
		ClientID:        ep.ClientID,
		SkipIssuerCheck: issuer == "",
		Now:             s.now,
	})

	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	idToken, err := verifier.Verify(oidc.ClientContext(ctx, s.httpClient), rawIDToken)
	if err != nil {
		return mcerr.New(mcerr.ErrOIDC, "id_token verification failed", err)
	}
	if o.ExpectedNonce != "" && idToken.Nonce != o.ExpectedNonce {
		return &mcerr.Error{Kind: mcerr.ErrOIDC, Message: "nonce mismatch"}
	}
	return nil
}

// keySet returns the cached remote key set for jwksURL. Key sets refresh
// themselves when an unknown key id shows up.
func (s *Service) keySet(jwksURL string) *oidc.RemoteKeySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ks, ok := s.keySets[jwksURL]; ok {
		return ks
	}
	ks := oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), s.httpClient), jwksURL)
	s.keySets[jwksURL] = ks
	return ks
}

// UserInfo fetches the subscriber's claims from the operator userinfo
// endpoint.
func (s *Service) UserInfo(ctx context.Context, result *discovery.Result, accessToken string) (*oidc.UserInfo, error) {
	if err := s.checkResult(result); err != nil {
		return nil, err
	}
	if err := mcerr.Require("accessToken", accessToken); err != nil {
		return nil, err
	}
	ep, err := operatorEndpoints(result)
	if err != nil {
		return nil, err
	}
	if ep.UserInfoHref == "" {
		return nil, &mcerr.Error{Kind: mcerr.ErrOIDC, Message: "no userinfo href"}
	}

	ctx = oidc.ClientContext(ctx, s.httpClient)
	provider := (&oidc.ProviderConfig{
		IssuerURL:   ep.IssuerHref,
		AuthURL:     ep.AuthorizationHref,
		TokenURL:    ep.TokenHref,
		UserInfoURL: ep.UserInfoHref,
		JWKSURL:     ep.JWKSHref,
	}).NewProvider(ctx)

	info, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	if err != nil {
		return nil, mcerr.New(mcerr.ErrOIDC, "userinfo request failed", err).
			WithDiagnostics(&mcerr.Diagnostics{URI: ep.UserInfoHref})
	}
	return info, nil
}

func (s *Service) checkResult(result *discovery.Result) error {
	if result == nil {
		return mcerr.InvalidArgument("discoveryResult")
	}
	if result.ExpiredAt(s.now()) {
		return &mcerr.Error{Kind: mcerr.ErrDiscoveryExpired, Message: "discovery result has expired"}
	}
	return nil
}

func operatorEndpoints(result *discovery.Result) (discovery.OperatorEndpoints, error) {
	ep, ok := result.OperatorEndpoints()
	if !ok {
		return ep, &mcerr.Error{Kind: mcerr.ErrOIDC, Message: "not a valid discovery result"}
	}
	return ep, nil
}
