package server

import (
	"log/slog"
	"net/http"
	"time"
)

const (
	sessionCookieName = "mc_session"
	flowCookieName    = "mc_flow"
)

// SessionManager handles the cookie-backed flow and session state.
type SessionManager struct {
	store        *InMemoryStore
	logger       *slog.Logger
	now          func() time.Time
	ttl          time.Duration
	flowTTL      time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store *InMemoryStore, logger *slog.Logger) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}
	ttl := cfg.Server.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	return &SessionManager{
		store:        store,
		logger:       logger,
		now:          store.now,
		ttl:          ttl,
		flowTTL:      DefaultFlowTTL,
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// StartFlow creates a fresh flow and binds it to the browser.
func (sm *SessionManager) StartFlow(w http.ResponseWriter) Flow {
	now := sm.now()
	f := Flow{
		ID:        sm.store.NewID(),
		CreatedAt: now,
		ExpiresAt: now.Add(sm.flowTTL),
	}
	sm.store.SaveFlow(f)
	// The operator redirects back cross-site, so the flow cookie is always Lax.
	sm.setCookie(w, flowCookieName, f.ID, http.SameSiteLaxMode, int(sm.flowTTL.Seconds()))
	return f
}

// Flow returns the flow bound to the request, if any.
func (sm *SessionManager) Flow(r *http.Request) (Flow, bool) {
	cookie, err := r.Cookie(flowCookieName)
	if err != nil {
		return Flow{}, false
	}
	return sm.store.GetFlow(cookie.Value)
}

// SaveFlow persists changes to a flow.
func (sm *SessionManager) SaveFlow(f Flow) {
	sm.store.SaveFlow(f)
}

// FinishFlow consumes the request's flow and clears its cookie.
func (sm *SessionManager) FinishFlow(w http.ResponseWriter, r *http.Request) (Flow, bool) {
	cookie, err := r.Cookie(flowCookieName)
	if err != nil {
		return Flow{}, false
	}
	sm.setCookie(w, flowCookieName, "", http.SameSiteLaxMode, -1)
	return sm.store.ConsumeFlow(cookie.Value)
}

// Fetch returns the session associated with the request cookie if present.
func (sm *SessionManager) Fetch(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, nil
	}
	sess, ok := sm.store.GetSession(cookie.Value)
	if !ok {
		return nil, nil
	}
	now := sm.now()
	if now.After(sess.ExpiresAt) {
		sm.store.DeleteSession(sess.ID)
		return nil, nil
	}

	// Sliding expiration: extend on activity.
	sess.ExpiresAt = now.Add(sm.ttl)
	sm.store.SaveSession(sess)
	return &sess, nil
}

// Create establishes a new session and sets the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter, sess Session) *Session {
	now := sm.now()
	sess.ID = sm.store.NewID()
	sess.AuthTime = now
	sess.ExpiresAt = now.Add(sm.ttl)

	sm.store.SaveSession(sess)
	sm.setCookie(w, sessionCookieName, sess.ID, sm.sameSite, int(sm.ttl.Seconds()))
	return &sess
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		sm.store.DeleteSession(cookie.Value)
	}
	sm.setCookie(w, sessionCookieName, "", sm.sameSite, -1)
}

func (sm *SessionManager) setCookie(w http.ResponseWriter, name, value string, sameSite http.SameSite, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sameSite,
		MaxAge:   maxAge,
	})
}
