package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"mobileconnect/discovery"
)

// Flow tracks one browser through discovery and authorization.
type Flow struct {
	ID string
	// DiscoveryCookies are replayed when completing operator selection.
	DiscoveryCookies []*http.Cookie
	// State and Nonce are set once the authorization request is built.
	State     string
	Nonce     string
	Result    *discovery.Result
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Session is an authenticated subscriber.
type Session struct {
	ID        string         `json:"-"`
	Subject   string         `json:"sub"`
	Operator  string         `json:"operator,omitempty"`
	Acr       string         `json:"acr,omitempty"`
	Verified  bool           `json:"verified"`
	UserInfo  map[string]any `json:"userinfo,omitempty"`
	AuthTime  time.Time      `json:"auth_time"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// InMemoryStore keeps flows and sessions for a single process.
type InMemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	flows    map[string]Flow
	sessions map[string]Session
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore(now func() time.Time) *InMemoryStore {
	if now == nil {
		now = time.Now
	}
	return &InMemoryStore{
		now:      now,
		flows:    make(map[string]Flow),
		sessions: make(map[string]Session),
	}
}

// NewID returns a random identifier.
func (s *InMemoryStore) NewID() string {
	return uuid.NewString()
}

// SaveFlow stores or replaces a flow.
func (s *InMemoryStore) SaveFlow(f Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = f
}

// GetFlow returns an unexpired flow.
func (s *InMemoryStore) GetFlow(id string) (Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return Flow{}, false
	}
	if !s.now().Before(f.ExpiresAt) {
		delete(s.flows, id)
		return Flow{}, false
	}
	return f, true
}

// ConsumeFlow removes and returns the flow, so a callback is accepted once.
func (s *InMemoryStore) ConsumeFlow(id string) (Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return Flow{}, false
	}
	delete(s.flows, id)
	if !s.now().Before(f.ExpiresAt) {
		return Flow{}, false
	}
	return f, true
}

// SaveSession stores or replaces a session.
func (s *InMemoryStore) SaveSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// GetSession returns the session with the given id.
func (s *InMemoryStore) GetSession(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// DeleteSession removes a session.
func (s *InMemoryStore) DeleteSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Sweep drops expired flows and sessions.
func (s *InMemoryStore) Sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, f := range s.flows {
		if !now.Before(f.ExpiresAt) {
			delete(s.flows, id)
		}
	}
	for id, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
}
