package authn

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// TokenData is a successful token endpoint response.
type TokenData struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenResponse is the outcome of a token exchange. Exactly one of Data
// and Error is set.
type TokenResponse struct {
	TimeReceived time.Time
	ResponseCode int
	Headers      http.Header
	Data         *TokenData
	Error        *ErrorResponse
}

type tokenBody struct {
	TokenData
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
	Description      string `json:"description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

func parseTokenResponse(received time.Time, body []byte) (*TokenResponse, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("token response is not a json object")
	}
	var tb tokenBody
	if err := json.Unmarshal(trimmed, &tb); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	out := &TokenResponse{TimeReceived: received}
	if tb.Error != "" {
		desc := tb.ErrorDescription
		if desc == "" {
			desc = tb.Description
		}
		out.Error = &ErrorResponse{Error: tb.Error, Description: desc, URI: tb.ErrorURI}
		return out, nil
	}
	data := tb.TokenData
	out.Data = &data
	return out, nil
}

// OAuth2Token converts a successful response to an oauth2 token. The id
// token is carried as the "id_token" extra.
func (r *TokenResponse) OAuth2Token() *oauth2.Token {
	if r == nil || r.Data == nil {
		return nil
	}
	tok := &oauth2.Token{
		AccessToken:  r.Data.AccessToken,
		TokenType:    r.Data.TokenType,
		RefreshToken: r.Data.RefreshToken,
	}
	if r.Data.ExpiresIn > 0 {
		tok.Expiry = r.TimeReceived.Add(time.Duration(r.Data.ExpiresIn) * time.Second)
	}
	extra := map[string]any{}
	if r.Data.IDToken != "" {
		extra["id_token"] = r.Data.IDToken
	}
	if r.Data.Scope != "" {
		extra["scope"] = r.Data.Scope
	}
	return tok.WithExtra(extra)
}

// IDTokenClaims are the claims of a Mobile Connect id token.
type IDTokenClaims struct {
	jwt.RegisteredClaims
	Nonce    string           `json:"nonce,omitempty"`
	AuthTime *jwt.NumericDate `json:"auth_time,omitempty"`
	Acr      string           `json:"acr,omitempty"`
	Amr      []string         `json:"amr,omitempty"`
	Azp      string           `json:"azp,omitempty"`
	AtHash   string           `json:"at_hash,omitempty"`
}

// ParsedIDToken is a decoded id token.
type ParsedIDToken struct {
	Raw    string
	Header map[string]any
	Claims IDTokenClaims
	// Verified is true only when the signature and standard claims were
	// checked against the operator keys.
	Verified bool
}
