package authn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"mobileconnect/discovery"
	"mobileconnect/mcerr"
	"mobileconnect/rest"
)

const (
	testClientID     = "op-client"
	testClientSecret = "op-secret"
	testKeyID        = "k1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testOperator struct {
	srv        *httptest.Server
	key        *rsa.PrivateKey
	tokenCalls atomic.Int32
	nonce      string
}

func newTestOperator(t *testing.T) *testOperator {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey returned error: %v", err)
	}
	op := &testOperator{key: key, nonce: "nonce-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     testKeyID,
			Algorithm: "RS256",
			Use:       "sig",
		}}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	})
	mux.HandleFunc("/accesstoken", func(w http.ResponseWriter, r *http.Request) {
		op.tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		user, pass, ok := r.BasicAuth()
		if r.Method != http.MethodPost || !ok || user != testClientID || pass != testClientSecret {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid_client","error_description":"bad credentials"}`))
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") != "authorization_code" || r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     op.sign(t, op.claims(testClientID)),
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sub":"subscriber-1","phone_number":"+15550100"}`))
	})
	op.srv = httptest.NewServer(mux)
	t.Cleanup(op.srv.Close)
	return op
}

func (op *testOperator) claims(audience string) IDTokenClaims {
	now := time.Now()
	return IDTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    op.srv.URL,
			Subject:   "subscriber-1",
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Nonce:    op.nonce,
		AuthTime: jwt.NewNumericDate(now),
		Acr:      "2",
		Amr:      []string{"SIM_PIN"},
		Azp:      audience,
	}
}

func (op *testOperator) sign(t *testing.T, claims IDTokenClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKeyID
	signed, err := tok.SignedString(op.key)
	if err != nil {
		t.Fatalf("SignedString returned error: %v", err)
	}
	return signed
}

func (op *testOperator) result(t *testing.T, ttl time.Time) *discovery.Result {
	t.Helper()
	doc := fmt.Sprintf(`{
  "response": {
    "client_id": %q,
    "client_secret": %q,
    "serving_operator": "Test Operator",
    "apis": {"operatorid": {"link": [
      {"rel": "authorization", "href": "https://op.example/authorize"},
      {"rel": "token", "href": "%[3]s/accesstoken"},
      {"rel": "userinfo", "href": "%[3]s/userinfo"},
      {"rel": "jwks", "href": "%[3]s/jwks"},
      {"rel": "issuer", "href": "%[3]s"}
    ]}}
  }
}`, testClientID, testClientSecret, op.srv.URL)
	md, err := discovery.ParseMetadata([]byte(doc))
	if err != nil {
		t.Fatalf("ParseMetadata returned error: %v", err)
	}
	return &discovery.Result{ResponseCode: 200, TTL: ttl, Data: md, Raw: []byte(doc)}
}

func newTestService(op *testOperator) *Service {
	logger := testLogger()
	return New(rest.NewClient(op.srv.Client(), logger), logger, WithHTTPClient(op.srv.Client()))
}

func TestStartAuthenticationBuildsOrderedURL(t *testing.T) {
	op := newTestOperator(t)
	svc := newTestService(op)

	resp, err := svc.StartAuthentication(op.result(t, time.Now().Add(time.Hour)), AuthenticationRequest{
		RedirectURI:     "https://rp.example/callback",
		State:           "st",
		Nonce:           "nc",
		EncryptedMSISDN: "enc-sub",
	})
	if err != nil {
		t.Fatalf("StartAuthentication returned error: %v", err)
	}
	want := "https://op.example/authorize?client_id=op-client&response_type=code&scope=openid" +
		"&redirect_uri=https%3A%2F%2Frp.example%2Fcallback&acr_values=2&state=st&nonce=nc" +
		"&display=page&max_age=3600&login_hint=ENCR_MSISDN%3Aenc-sub"
	if resp.URL != want {
		t.Fatalf("URL =\n%s\nwant\n%s", resp.URL, want)
	}
	if resp.ScreenMode != DefaultScreenMode {
		t.Fatalf("ScreenMode = %q", resp.ScreenMode)
	}
}

func TestStartAuthenticationOptionalParameters(t *testing.T) {
	op := newTestOperator(t)
	svc := newTestService(op)

	resp, err := svc.StartAuthentication(op.result(t, time.Now().Add(time.Hour)), AuthenticationRequest{
		RedirectURI:     "https://rp.example/callback",
		Nonce:           "nc",
		Scope:           "openid mc_authn",
		MaxAge:          60,
		AcrValues:       "3",
		EncryptedMSISDN: "ignored",
		Options: &AuthenticationOptions{
			Display:    "popup",
			Prompt:     "login",
			UILocales:  "en",
			LoginHint:  "MSISDN:15550100",
			Dtbs:       "sign-this",
			ScreenMode: "popup",
		},
	})
	if err != nil {
		t.Fatalf("StartAuthentication returned error: %v", err)
	}
	want := "https://op.example/authorize?client_id=op-client&response_type=code&scope=openid+mc_authn" +
		"&redirect_uri=https%3A%2F%2Frp.example%2Fcallback&acr_values=3&nonce=nc&display=popup" +
		"&prompt=login&max_age=60&ui_locales=en&login_hint=MSISDN%3A15550100&dtbs=sign-this"
	if resp.URL != want {
		t.Fatalf("URL =\n%s\nwant\n%s", resp.URL, want)
	}
	if resp.ScreenMode != "popup" {
		t.Fatalf("ScreenMode = %q", resp.ScreenMode)
	}
}

func TestStartAuthenticationValidation(t *testing.T) {
	op := newTestOperator(t)
	svc := newTestService(op)
	live := op.result(t, time.Now().Add(time.Hour))

	if _, err := svc.StartAuthentication(nil, AuthenticationRequest{RedirectURI: "x", Nonce: "n"}); !errors.Is(err, mcerr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for nil result, got %v", err)
	}
	if _, err := svc.StartAuthentication(live, AuthenticationRequest{Nonce: "n"}); !errors.Is(err, mcerr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for redirect, got %v", err)
	}
	if _, err := svc.StartAuthentication(live, AuthenticationRequest{RedirectURI: "x"}); !errors.Is(err, mcerr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for nonce, got %v", err)
	}

	selection, _ := discovery.ParseMetadata([]byte(`{"links":[{"rel":"operatorSelection","href":"https://d.example"}]}`))
	notIdentified := &discovery.Result{ResponseCode: 202, TTL: time.Now().Add(time.Hour), Data: selection}
	if _, err := svc.StartAuthentication(notIdentified, AuthenticationRequest{RedirectURI: "x", Nonce: "n"}); !errors.Is(err, mcerr.ErrOIDC) {
		t.Fatalf("expected oidc error, got %v", err)
	}
}

// countingDoer records calls and never succeeds.
type countingDoer struct{ calls atomic.Int32 }

func (d *countingDoer) Do(context.Context, *rest.Request) (*rest.Response, error) {
	d.calls.Add(1)
	return nil, &rest.Error{Message: "unexpected call"}
}

func TestExpiredDiscoveryResultIsRejected(t *testing.T) {
	op := newTestOperator(t)
	doer := &countingDoer{}
	svc := New(doer, testLogger())
	expired := op.result(t, time.Now().Add(-time.Minute))
	ctx := context.Background()

	if _, err := svc.StartAuthentication(expired, AuthenticationRequest{RedirectURI: "x", Nonce: "n"}); !errors.Is(err, mcerr.ErrDiscoveryExpired) {
		t.Fatalf("StartAuthentication: expected expired, got %v", err)
	}
	if _, err := svc.RequestToken(ctx, expired, "x", "code", nil); !errors.Is(err, mcerr.ErrDiscoveryExpired) {
		t.Fatalf("RequestToken: expected expired, got %v", err)
	}
	if _, err := svc.ParseIDToken(ctx, expired, "a.b.c", nil); !errors.Is(err, mcerr.ErrDiscoveryExpired) {
		t.Fatalf("ParseIDToken: expected expired, got %v", err)
	}
	if _, err := svc.UserInfo(ctx, expired, "at"); !errors.Is(err, mcerr.ErrDiscoveryExpired) {
		t.Fatalf("UserInfo: expected expired, got %v", err)
	}
	if doer.calls.Load() != 0 {
		t.Fatalf("expired results must not reach the network")
	}
}

func TestParseAuthenticationResponse(t *testing.T) {
	got, err := ParseAuthenticationResponse("https://rp.example/callback?code=abc&state=st")
	if err != nil {
		t.Fatalf("ParseAuthenticationResponse returned error: %v", err)
	}
	if got.Code != "abc" || got.State != "st" || got.Error != "" {
		t.Fatalf("unexpected response %+v", got)
	}

	got, err = ParseAuthenticationResponse("https://rp.example/callback?error=access_denied&error_description=user+cancelled&error_uri=https%3A%2F%2Fop.example%2Fe&state=st")
	if err != nil {
		t.Fatalf("ParseAuthenticationResponse returned error: %v", err)
	}
	want := ParsedAuthorizationResponse{Error: "access_denied", ErrorDescription: "user cancelled", ErrorURI: "https://op.example/e", State: "st"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	if _, err := ParseAuthenticationResponse(""); !errors.Is(err, mcerr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := ParseAuthenticationResponse("https://rp.example/cb?%zz"); !errors.Is(err, mcerr.ErrOIDC) {
		t.Fatalf("expected oidc error, got %v", err)
	}
}

func TestRequestTokenAndVerifyIDToken(t *testing.T) {
	op := newTestOperator(t)
	svc := newTestService(op)
	result := op.result(t, time.Now().Add(time.Hour))
	ctx := context.Background()

	tr, err := svc.RequestToken(ctx, result, "https://rp.example/callback", "good-code", nil)
	if err != nil {
		t.Fatalf("RequestToken returned error: %v", err)
	}
	if tr.ResponseCode != http.StatusOK || tr.Error != nil || tr.Data == nil {
		t.Fatalf("unexpected token response %+v", tr)
	}
	if tr.Data.AccessToken != "at-1" || tr.Data.IDToken == "" {
		t.Fatalf("unexpected token data %+v", tr.Data)
	}

	tok := tr.OAuth2Token()
	if tok.AccessToken != "at-1" || tok.Extra("id_token") != tr.Data.IDToken {
		t.Fatalf("unexpected oauth2 token %+v", tok)
	}
	if want := tr.TimeReceived.Add(time.Hour); !tok.Expiry.Equal(want) {
		t.Fatalf("Expiry = %v, want %v", tok.Expiry, want)
	}

	parsed, err := svc.ParseIDToken(ctx, result, tr.Data.IDToken, &TokenOptions{Verify: true, ExpectedNonce: op.nonce})
	if err != nil {
		t.Fatalf("ParseIDToken returned error: %v", err)
	}
	if !parsed.Verified || parsed.Claims.Subject != "subscriber-1" || parsed.Claims.Acr != "2" {
		t.Fatalf("unexpected parsed token %+v", parsed)
	}
	if parsed.Header["kid"] != testKeyID {
		t.Fatalf("unexpected header %v", parsed.Header)
	}

	if _, err := svc.ParseIDToken(ctx, result, tr.Data.IDToken, &TokenOptions{Verify: true, ExpectedNonce: "other"}); !errors.Is(err, mcerr.ErrOIDC) {
		t.Fatalf("expected nonce mismatch, got %v", err)
	}
}

func TestParseIDTokenWithoutVerification(t *testing.T) {
	op := newTestOperator(t)
	svc := newTestService(op)
	result := op.result(t, time.Now().Add(time.Hour))
	ctx := context.Background()

	foreign := op.sign(t, op.claims("someone-else"))
	parsed, err := svc.ParseIDToken(ctx, result, foreign, nil)
	if err != nil {
		t.Fatalf("ParseIDToken returned error: %v", err)
	}
	if parsed.Verified || parsed.Claims.Nonce != op.nonce {
		t.Fatalf("unexpected parsed token %+v", parsed)
	}
	if len(parsed.Claims.Amr) != 1 || parsed.Claims.Amr[0] != "SIM_PIN" {
		t.Fatalf("unexpected amr %v", parsed.Claims.Amr)
	}

	if _, err := svc.ParseIDToken(ctx, result, foreign, &TokenOptions{Verify: true}); !errors.Is(err, mcerr.ErrOIDC) {
		t.Fatalf("expected audience failure, got %v", err)
	}
	_, err = svc.ParseIDToken(ctx, result, "not-a-token", nil)
	if !errors.Is(err, mcerr.ErrOIDC) || !strings.Contains(err.Error(), "not an id_token") {
		t.Fatalf("expected not an id_token, got %v", err)
	}
}

func TestRequestTokenErrorResponse(t *testing.T) {
	op := newTestOperator(t)
	svc := newTestService(op)
	result := op.result(t, time.Now().Add(time.Hour))

	tr, err := svc.RequestToken(context.Background(), result, "https://rp.example/callback", "bad-code", nil)
	if err != nil {
		t.Fatalf("RequestToken returned error: %v", err)
	}
	if tr.ResponseCode != http.StatusBadRequest || tr.Data != nil || tr.Error == nil || tr.Error.Error != "invalid_grant" {
		t.Fatalf("unexpected token response %+v", tr)
	}
	if tr.OAuth2Token() != nil {
		t.Fatalf("error responses have no oauth2 token")
	}
}

func TestRequestTokenWrapsTransportFailure(t *testing.T) {
	op := newTestOperator(t)
	svc := New(&countingDoer{}, testLogger())
	result := op.result(t, time.Now().Add(time.Hour))

	_, err := svc.RequestToken(context.Background(), result, "https://rp.example/callback", "good-code", nil)
	if !errors.Is(err, mcerr.ErrOIDC) || !strings.Contains(err.Error(), "call to token end point failed") {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
	var restErr *rest.Error
	if !errors.As(err, &restErr) {
		t.Fatalf("cause should be preserved")
	}
}

func TestUserInfo(t *testing.T) {
	op := newTestOperator(t)
	svc := newTestService(op)
	result := op.result(t, time.Now().Add(time.Hour))

	info, err := svc.UserInfo(context.Background(), result, "at-1")
	if err != nil {
		t.Fatalf("UserInfo returned error: %v", err)
	}
	if info.Subject != "subscriber-1" {
		t.Fatalf("Subject = %q", info.Subject)
	}
	var claims struct {
		PhoneNumber string `json:"phone_number"`
	}
	if err := info.Claims(&claims); err != nil {
		t.Fatalf("Claims returned error: %v", err)
	}
	if claims.PhoneNumber != "+15550100" {
		t.Fatalf("phone_number = %q", claims.PhoneNumber)
	}

	if _, err := svc.UserInfo(context.Background(), result, "wrong"); !errors.Is(err, mcerr.ErrOIDC) {
		t.Fatalf("expected oidc error, got %v", err)
	}
}
