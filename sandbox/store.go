package sandbox

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type authCode struct {
	Code        string
	Operator    string
	ClientID    string
	RedirectURI string
	Nonce       string
	Scope       string
	Acr         string
	Subject     string
	AuthTime    time.Time
	ExpiresAt   time.Time
}

type accessToken struct {
	Token     string
	Operator  string
	Subject   string
	Scope     string
	ExpiresAt time.Time
}

// store keeps issued codes and access tokens in memory.
type store struct {
	mu     sync.Mutex
	now    func() time.Time
	codes  map[string]authCode
	tokens map[string]accessToken
}

func newStore(now func() time.Time) *store {
	return &store{
		now:    now,
		codes:  make(map[string]authCode),
		tokens: make(map[string]accessToken),
	}
}

func (s *store) issueCode(code authCode) string {
	code.Code = uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code
	return code.Code
}

// consumeCode returns the code at most once.
func (s *store) consumeCode(code string) (authCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auth, ok := s.codes[code]
	if !ok {
		return authCode{}, false
	}
	delete(s.codes, code)
	if !s.now().Before(auth.ExpiresAt) {
		return authCode{}, false
	}
	return auth, true
}

func (s *store) issueToken(tok accessToken) string {
	tok.Token = uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.Token] = tok
	return tok.Token
}

func (s *store) lookupToken(token string) (accessToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[token]
	if !ok {
		return accessToken{}, false
	}
	if !s.now().Before(tok.ExpiresAt) {
		delete(s.tokens, token)
		return accessToken{}, false
	}
	return tok, true
}
