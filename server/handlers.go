package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mobileconnect/authn"
	"mobileconnect/discovery"
	"mobileconnect/mcerr"
	"mobileconnect/middleware"
)

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleMetrics() http.Handler {
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
}

// handleStart begins discovery. Optional mcc and mnc query parameters
// identify the operator up front; manual=true forces operator selection.
func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mc := a.Config.MobileConnect
	opts := &discovery.Options{
		ManuallySelect: parseBool(q.Get("manual"), false),
		IdentifiedMCC:  q.Get("mcc"),
		IdentifiedMNC:  q.Get("mnc"),
		CookiesEnabled: mc.CookiesEnabled,
		Timeout:        mc.Timeout,
		ClientIP:       a.clientIP(r),
	}

	flow := a.Sessions.StartFlow(w)
	result, err := a.Discovery.StartAutomatedOperatorDiscovery(r.Context(), a.creds, a.Config.DiscoveryRedirect(), opts, nil)
	if !a.checkDiscovery(w, r, result, err) {
		return
	}

	selection, err := discovery.IsOperatorSelectionRequired(result)
	if err != nil {
		a.Metrics.Discoveries.WithLabelValues("error").Inc()
		writeError(w, http.StatusBadGateway, "discovery_failed", err.Error())
		return
	}
	if selection {
		target := discovery.ExtractOperatorSelectionURL(result)
		if target == "" {
			a.Metrics.Discoveries.WithLabelValues("error").Inc()
			writeError(w, http.StatusBadGateway, "discovery_failed", "operator selection url missing")
			return
		}
		a.Metrics.Discoveries.WithLabelValues("selection").Inc()
		flow.DiscoveryCookies = result.Cookies()
		a.Sessions.SaveFlow(flow)
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	a.Metrics.Discoveries.WithLabelValues("identified").Inc()
	a.startAuthentication(w, r, flow, result, result.Data.SubscriberID)
}

// handleDiscoveryCallback completes discovery after operator selection.
func (a *App) handleDiscoveryCallback(w http.ResponseWriter, r *http.Request) {
	flow, ok := a.Sessions.Flow(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "no discovery in progress")
		return
	}

	parsed, err := discovery.ParseDiscoveryRedirect(a.requestURL(r))
	if err != nil || !parsed.HasIdentifiers() {
		writeError(w, http.StatusBadRequest, "invalid_request", "operator selection did not return mcc_mnc")
		return
	}
	middleware.Annotate(r.Context(), "mcc", parsed.SelectedMCC)
	middleware.Annotate(r.Context(), "mnc", parsed.SelectedMNC)

	mc := a.Config.MobileConnect
	result, err := a.Discovery.CompleteSelectedOperatorDiscovery(r.Context(), a.creds, a.Config.DiscoveryRedirect(),
		parsed.SelectedMCC, parsed.SelectedMNC,
		&discovery.TimeoutOptions{Timeout: mc.Timeout, ClientIP: a.clientIP(r)},
		flow.DiscoveryCookies)
	if !a.checkDiscovery(w, r, result, err) {
		return
	}
	a.Metrics.Discoveries.WithLabelValues("identified").Inc()
	a.startAuthentication(w, r, flow, result, parsed.EncryptedSubscriberID)
}

func (a *App) checkDiscovery(w http.ResponseWriter, r *http.Request, result *discovery.Result, err error) bool {
	if err != nil {
		a.Metrics.Discoveries.WithLabelValues("error").Inc()
		attrs := []any{"error", err}
		if d, ok := mcerr.DiagnosticsOf(err); ok {
			attrs = append(attrs, "uri", d.URI, "status", d.StatusCode)
		}
		a.Logger.Error("discovery failed", attrs...)
		status := http.StatusBadGateway
		if errors.Is(err, mcerr.ErrInvalidArgument) {
			status = http.StatusBadRequest
		}
		writeError(w, status, "discovery_failed", err.Error())
		return false
	}
	if discovery.IsErrorResponse(result) {
		a.Metrics.Discoveries.WithLabelValues("error").Inc()
		e := discovery.GetErrorResponse(result)
		a.Logger.Warn("discovery service returned error", "error", e.Error, "description", e.Description)
		writeError(w, http.StatusBadGateway, e.Error, e.Description)
		return false
	}
	middleware.Annotate(r.Context(), "discovery_cached", result.Cached)
	return true
}

func (a *App) startAuthentication(w http.ResponseWriter, r *http.Request, flow Flow, result *discovery.Result, encryptedMSISDN string) {
	mc := a.Config.MobileConnect
	flow.State = a.Store.NewID()
	flow.Nonce = a.Store.NewID()
	flow.Result = result

	resp, err := a.Auth.StartAuthentication(result, authn.AuthenticationRequest{
		RedirectURI:     a.Config.AuthRedirect(),
		State:           flow.State,
		Nonce:           flow.Nonce,
		Scope:           mc.Scope,
		MaxAge:          mc.MaxAge,
		AcrValues:       mc.AcrValues,
		EncryptedMSISDN: encryptedMSISDN,
		Options:         &authn.AuthenticationOptions{Timeout: mc.Timeout},
	})
	if err != nil {
		a.Logger.Error("build authorization request", "error", err)
		writeError(w, http.StatusBadGateway, "authentication_failed", err.Error())
		return
	}
	a.Sessions.SaveFlow(flow)
	http.Redirect(w, r, resp.URL, http.StatusFound)
}

// handleCallback exchanges the authorization code and opens a session.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mc := a.Config.MobileConnect

	parsed, err := authn.ParseAuthenticationResponse(a.requestURL(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	flow, ok := a.Sessions.FinishFlow(w, r)
	if !ok || flow.State == "" || flow.Result == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "no authentication in progress")
		return
	}
	if parsed.State != flow.State {
		a.Metrics.Authentications.WithLabelValues("error").Inc()
		writeError(w, http.StatusBadRequest, "invalid_request", "state mismatch")
		return
	}
	if parsed.Error != "" {
		a.Metrics.Authentications.WithLabelValues("denied").Inc()
		writeError(w, http.StatusUnauthorized, parsed.Error, parsed.ErrorDescription)
		return
	}
	if parsed.Code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code missing")
		return
	}

	tokens, err := a.Auth.RequestToken(ctx, flow.Result, a.Config.AuthRedirect(), parsed.Code, &authn.TokenOptions{Timeout: mc.Timeout})
	if err != nil {
		a.failAuthentication(w, err)
		return
	}
	if tokens.Error != nil {
		a.Metrics.Authentications.WithLabelValues("denied").Inc()
		writeError(w, http.StatusUnauthorized, tokens.Error.Error, tokens.Error.Description)
		return
	}
	if tokens.Data == nil || tokens.Data.IDToken == "" {
		a.failAuthentication(w, errors.New("token response carries no id_token"))
		return
	}

	idToken, err := a.Auth.ParseIDToken(ctx, flow.Result, tokens.Data.IDToken, &authn.TokenOptions{
		Verify:        mc.VerifyIDToken,
		ExpectedNonce: flow.Nonce,
	})
	if err != nil {
		a.failAuthentication(w, err)
		return
	}
	if !idToken.Verified && idToken.Claims.Nonce != flow.Nonce {
		a.failAuthentication(w, errors.New("id_token nonce mismatch"))
		return
	}

	sess := Session{
		Subject:  idToken.Claims.Subject,
		Acr:      idToken.Claims.Acr,
		Verified: idToken.Verified,
	}
	if flow.Result.Data != nil && flow.Result.Data.Response != nil {
		sess.Operator = flow.Result.Data.Response.ServingOperator
	}
	if mc.FetchUserInfo {
		info, err := a.Auth.UserInfo(ctx, flow.Result, tokens.Data.AccessToken)
		if err != nil {
			a.Logger.Warn("userinfo unavailable", "error", err)
		} else {
			var claims map[string]any
			if err := info.Claims(&claims); err == nil {
				sess.UserInfo = claims
			}
		}
	}

	created := a.Sessions.Create(w, sess)
	a.Metrics.Authentications.WithLabelValues("success").Inc()
	middleware.Annotate(ctx, "sub", created.Subject)
	a.Logger.Info("subscriber authenticated", "sub", created.Subject, "operator", created.Operator, "verified", created.Verified)
	writeJSON(w, http.StatusOK, created)
}

func (a *App) failAuthentication(w http.ResponseWriter, err error) {
	a.Metrics.Authentications.WithLabelValues("error").Inc()
	a.Logger.Error("authentication failed", "error", err)
	writeError(w, http.StatusBadGateway, "authentication_failed", err.Error())
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, _ := a.Sessions.Fetch(r)
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "login_required", "no session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// handleCacheClear drops one operator, or everything when mcc and mnc are absent.
func (a *App) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var opts *discovery.CacheOptions
	if mcc, mnc := r.Form.Get("mcc"), r.Form.Get("mnc"); mcc != "" || mnc != "" {
		opts = &discovery.CacheOptions{MCC: mcc, MNC: mnc}
	}
	if err := a.Discovery.ClearDiscoveryCache(r.Context(), opts); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, mcerr.ErrInvalidArgument) {
			status = http.StatusBadRequest
		}
		writeError(w, status, "cache_clear_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// clientIP is the subscriber address forwarded to discovery.
func (a *App) clientIP(r *http.Request) string {
	if a.Config.Server.TrustProxyHeaders {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestURL rebuilds the absolute URL the browser was redirected to.
func (a *App) requestURL(r *http.Request) string {
	return strings.TrimRight(a.Config.Server.PublicURL, "/") + r.URL.RequestURI()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}
