package sandbox

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type signingKey struct {
	private *rsa.PrivateKey
	jwk     jose.JSONWebKey
}

// Keys holds the operator id token signing keys. The previous key stays
// published after a rotation so tokens signed with it still verify.
type Keys struct {
	mu       sync.RWMutex
	current  signingKey
	previous *signingKey
}

// NewKeys generates a fresh signing key.
func NewKeys() (*Keys, error) {
	k := &Keys{}
	if err := k.Rotate(); err != nil {
		return nil, err
	}
	return k, nil
}

// Rotate replaces the signing key.
func (k *Keys) Rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	next := signingKey{
		private: key,
		jwk:     jose.JSONWebKey{Key: key, KeyID: uuid.NewString(), Algorithm: string(jose.RS256), Use: "sig"},
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current.private != nil {
		prev := k.current
		k.previous = &prev
	}
	k.current = next
	return nil
}

// Sign signs claims with the current key and sets its kid.
func (k *Keys) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	k.mu.RLock()
	defer k.mu.RUnlock()
	token.Header["kid"] = k.current.jwk.KeyID
	return token.SignedString(k.current.private)
}

// PublicJWKS returns the published public keys.
func (k *Keys) PublicJWKS() jose.JSONWebKeySet {
	k.mu.RLock()
	defer k.mu.RUnlock()
	keys := []jose.JSONWebKey{k.current.jwk.Public()}
	if k.previous != nil {
		keys = append(keys, k.previous.jwk.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}
