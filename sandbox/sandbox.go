// Package sandbox simulates a Mobile Connect discovery service and the
// operator identity providers behind it, for local runs and tests.
package sandbox

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"mobileconnect/authn"
	"mobileconnect/discovery"
	"mobileconnect/middleware"
	"mobileconnect/urlbuilder"
)

const (
	// SelectionCookie is set on operator-not-identified responses so the
	// relying party can replay it on completion.
	SelectionCookie = "mc_discovery"

	paramRedirect = "redirect_url"
	paramOperator = "operator"
)

type operator struct {
	OperatorConfig
	secretHash   []byte
	networks     []netip.Prefix
	encryptedSub string
}

// Sandbox serves the discovery and operator endpoints.
type Sandbox struct {
	cfg        Config
	secretHash []byte
	operators  []*operator
	byName     map[string]*operator
	byCode     map[string]*operator
	keys       *Keys
	store      *store
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithClock overrides the sandbox time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sandbox) {
		if now != nil {
			s.now = now
		}
	}
}

// New validates cfg and builds the sandbox.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Sandbox, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	secretHash, err := hashSecret(cfg.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("hash discovery client secret: %w", err)
	}
	keys, err := NewKeys()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	s := &Sandbox{
		cfg:        cfg,
		secretHash: secretHash,
		byName:     make(map[string]*operator),
		byCode:     make(map[string]*operator),
		keys:       keys,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.store = newStore(s.now)

	for _, oc := range cfg.Operators {
		op := &operator{OperatorConfig: oc}
		if op.secretHash, err = hashSecret(oc.ClientSecret); err != nil {
			return nil, fmt.Errorf("hash secret for operator %s: %w", oc.Name, err)
		}
		for _, n := range oc.Networks {
			op.networks = append(op.networks, netip.MustParsePrefix(n))
		}
		if op.Subscriber == "" {
			op.Subscriber = oc.Name + "-subscriber"
		}
		sum := sha256.Sum256([]byte(op.Name + ":" + op.Subscriber))
		op.encryptedSub = hex.EncodeToString(sum[:16])

		s.operators = append(s.operators, op)
		s.byName[op.Name] = op
		s.byCode[op.MCC+"_"+op.MNC] = op
	}
	return s, nil
}

// Keys exposes the id token signing keys.
func (s *Sandbox) Keys() *Keys { return s.keys }

// Routes returns the sandbox HTTP handler.
func (s *Sandbox) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(s.logger))
	r.Use(middleware.Recovery(s.logger, true))

	r.Get("/discovery", s.handleDiscovery)
	r.Get("/select", s.handleSelect)
	r.Route("/operators/{operator}", func(r chi.Router) {
		r.Get("/authorize", s.handleAuthorize)
		r.Post("/accesstoken", s.handleToken)
		r.Get("/jwks", s.handleJWKS)
		r.Get("/userinfo", s.handleUserInfo)
	})
	return r
}

func (s *Sandbox) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != s.cfg.ClientID || bcrypt.CompareHashAndPassword(s.secretHash, []byte(pass)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid_client", "unknown discovery credentials")
		return
	}

	q := r.URL.Query()
	mcc, mnc := urlbuilder.Lookup(q, "Selected-MCC"), urlbuilder.Lookup(q, "Selected-MNC")
	if mcc != "" || mnc != "" {
		op, ok := s.byCode[mcc+"_"+mnc]
		if !ok {
			writeError(w, http.StatusNotFound, "Not_Found", "Operator Not Found")
			return
		}
		s.writeOperator(w, r, op)
		return
	}

	if !strings.EqualFold(urlbuilder.Lookup(q, "Manually-Select"), "true") {
		if op := s.identify(r); op != nil {
			s.writeOperator(w, r, op)
			return
		}
	}

	selectURL, err := urlbuilder.New(s.baseURL(r)+"/select").
		Add(paramRedirect, urlbuilder.Lookup(q, "Redirect-URL")).
		Build()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	http.SetCookie(w, &http.Cookie{Name: SelectionCookie, Value: uuid.NewString(), Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusAccepted, discovery.Metadata{
		Links: []discovery.Link{{Rel: discovery.RelOperatorSelection, Href: selectURL}},
	})
}

// identify resolves the operator from explicit MCC/MNC hints or from the
// subscriber's address.
func (s *Sandbox) identify(r *http.Request) *operator {
	q := r.URL.Query()
	if mcc, mnc := urlbuilder.Lookup(q, "Identified-MCC"), urlbuilder.Lookup(q, "Identified-MNC"); mcc != "" && mnc != "" {
		return s.byCode[mcc+"_"+mnc]
	}
	for _, raw := range []string{r.Header.Get(discovery.SourceIPHeader), urlbuilder.Lookup(q, "Local-Client-IP")} {
		addr, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		for _, op := range s.operators {
			for _, n := range op.networks {
				if n.Contains(addr) {
					return op
				}
			}
		}
	}
	return nil
}

func (s *Sandbox) writeOperator(w http.ResponseWriter, r *http.Request, op *operator) {
	middleware.Annotate(r.Context(), "operator", op.Name)
	base := s.baseURL(r) + "/operators/" + op.Name
	ttl := s.now().Add(s.cfg.TTL).Unix()

	writeJSON(w, http.StatusOK, discovery.Metadata{
		TTL:          json.Number(strconv.FormatInt(ttl, 10)),
		SubscriberID: op.encryptedSub,
		Response: &discovery.OperatorResponse{
			ServingOperator: op.Name,
			Country:         op.Country,
			Currency:        op.Currency,
			ClientID:        op.ClientID,
			ClientSecret:    op.ClientSecret,
			APIs: map[string]discovery.API{
				"operatorid": {Link: []discovery.Link{
					{Rel: discovery.RelAuthorization, Href: base + "/authorize"},
					{Rel: discovery.RelToken, Href: base + "/accesstoken"},
					{Rel: discovery.RelUserInfo, Href: base + "/userinfo"},
					{Rel: discovery.RelJWKS, Href: base + "/jwks"},
					{Rel: discovery.RelIssuer, Href: base},
				}},
			},
		},
	})
}

func (s *Sandbox) handleSelect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirect := q.Get(paramRedirect)
	if redirect == "" {
		http.Error(w, "redirect_url required", http.StatusBadRequest)
		return
	}

	name := q.Get(paramOperator)
	if name == "" {
		s.renderSelect(w, r, redirect)
		return
	}
	op, ok := s.byName[name]
	if !ok {
		http.Error(w, "unknown operator", http.StatusNotFound)
		return
	}
	target, err := urlbuilder.New(redirect).
		Add("mcc_mnc", op.MCC+"_"+op.MNC).
		Add("subscriber_id", op.encryptedSub).
		Build()
	if err != nil {
		http.Error(w, "invalid redirect_url", http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Sandbox) lookupOperator(w http.ResponseWriter, r *http.Request) (*operator, bool) {
	op, ok := s.byName[chi.URLParam(r, "operator")]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown operator")
		return nil, false
	}
	middleware.Annotate(r.Context(), "operator", op.Name)
	return op, true
}

func (s *Sandbox) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	op, ok := s.lookupOperator(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	if q.Get("client_id") != op.ClientID {
		writeError(w, http.StatusBadRequest, "unauthorized_client", "unknown client_id")
		return
	}
	redirectURI := q.Get("redirect_uri")
	if u, err := urlbuilder.New(redirectURI).Build(); err != nil || u == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "redirect_uri must be absolute")
		return
	}
	state := q.Get("state")

	if q.Get("response_type") != "code" {
		redirectError(w, r, redirectURI, state, "unsupported_response_type", "only code is supported")
		return
	}
	if !hasScope(q.Get("scope"), "openid") {
		redirectError(w, r, redirectURI, state, "invalid_scope", "openid scope required")
		return
	}
	nonce := q.Get("nonce")
	if nonce == "" {
		redirectError(w, r, redirectURI, state, "invalid_request", "nonce required")
		return
	}
	if hint := q.Get("login_hint"); strings.HasPrefix(hint, authn.EncryptedMSISDNPrefix) &&
		strings.TrimPrefix(hint, authn.EncryptedMSISDNPrefix) != op.encryptedSub {
		redirectError(w, r, redirectURI, state, "access_denied", "unknown subscriber")
		return
	}

	now := s.now()
	code := s.store.issueCode(authCode{
		Operator:    op.Name,
		ClientID:    op.ClientID,
		RedirectURI: redirectURI,
		Nonce:       nonce,
		Scope:       q.Get("scope"),
		Acr:         q.Get("acr_values"),
		Subject:     op.Subscriber,
		AuthTime:    now,
		ExpiresAt:   now.Add(s.cfg.CodeTTL),
	})

	target, _ := urlbuilder.New(redirectURI).Add("code", code).Add("state", state).Build()
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Sandbox) handleToken(w http.ResponseWriter, r *http.Request) {
	op, ok := s.lookupOperator(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != op.ClientID || bcrypt.CompareHashAndPassword(op.secretHash, []byte(secret)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code is supported")
		return
	}

	code, ok := s.store.consumeCode(r.PostForm.Get("code"))
	if !ok || code.Operator != op.Name || code.ClientID != clientID {
		writeError(w, http.StatusBadRequest, "invalid_grant", "code invalid or expired")
		return
	}
	if code.RedirectURI != r.PostForm.Get("redirect_uri") {
		writeError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	now := s.now()
	access := s.store.issueToken(accessToken{
		Operator:  op.Name,
		Subject:   code.Subject,
		Scope:     code.Scope,
		ExpiresAt: now.Add(s.cfg.AccessTTL),
	})
	idToken, err := s.keys.Sign(authn.IDTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.baseURL(r) + "/operators/" + op.Name,
			Subject:   code.Subject,
			Audience:  jwt.ClaimStrings{op.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTTL)),
			ID:        uuid.NewString(),
		},
		Nonce:    code.Nonce,
		AuthTime: jwt.NewNumericDate(code.AuthTime),
		Acr:      code.Acr,
		Amr:      []string{"SIM_OK"},
		Azp:      op.ClientID,
		AtHash:   atHash(access),
	})
	if err != nil {
		s.logger.Error("sign id_token", "operator", op.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "failed to sign id_token")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, authn.TokenData{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.cfg.AccessTTL.Seconds()),
		IDToken:     idToken,
		Scope:       code.Scope,
	})
}

func (s *Sandbox) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.lookupOperator(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.keys.PublicJWKS())
}

func (s *Sandbox) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	op, ok := s.lookupOperator(w, r)
	if !ok {
		return
	}
	tok, ok := s.store.lookupToken(bearerToken(r.Header.Get("Authorization")))
	if !ok || tok.Operator != op.Name {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, http.StatusUnauthorized, "invalid_token", "access token invalid or expired")
		return
	}
	claims := map[string]any{"sub": tok.Subject}
	if op.PhoneNumber != "" && hasScope(tok.Scope, "phone") {
		claims["phone_number"] = op.PhoneNumber
		claims["phone_number_verified"] = true
	}
	writeJSON(w, http.StatusOK, claims)
}

func (s *Sandbox) baseURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimSuffix(s.cfg.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func hashSecret(secret string) ([]byte, error) {
	if _, err := bcrypt.Cost([]byte(secret)); err == nil {
		return []byte(secret), nil
	}
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
}

// atHash is the left half of the SHA-256 of the access token, base64url encoded.
func atHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

func hasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}

func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, desc string) {
	target, err := urlbuilder.New(redirectURI).
		Add("error", code).
		Add("error_description", desc).
		Add("state", state).
		Build()
	if err != nil {
		writeError(w, http.StatusBadRequest, code, desc)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}
