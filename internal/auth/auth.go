// Package auth resolves the user behind an incoming collaboration request.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

const (
	TokenQueryParam = "token"
	SessionCookie   = "lattice_session"
)

type Identity struct {
	UserID string
	Name   string
}

type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

type claims struct {
	Name string `json:"name,omitempty"`
	gojwt.RegisteredClaims
}

// JWTAuthenticator accepts HS256 tokens whose subject is the user id.
type JWTAuthenticator struct {
	secret []byte
	parser *gojwt.Parser
}

func NewJWTAuthenticator(secret []byte, issuer, audience string) *JWTAuthenticator {
	opts := []gojwt.ParserOption{
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, gojwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, gojwt.WithAudience(audience))
	}
	return &JWTAuthenticator{
		secret: secret,
		parser: gojwt.NewParser(opts...),
	}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	raw := TokenFromRequest(r)
	if raw == "" {
		return Identity{}, fmt.Errorf("%w: no token", ErrUnauthorized)
	}

	var c claims
	_, err := a.parser.ParseWithClaims(raw, &c, func(*gojwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return Identity{UserID: c.Subject, Name: c.Name}, nil
}

// TokenFromRequest looks for a token in the Authorization header, then the
// token query parameter, then the session cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get(TokenQueryParam); token != "" {
		return token
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// IssueToken signs an HS256 token with the given claims and display name.
// Used by tests and local tooling.
func IssueToken(secret []byte, c gojwt.RegisteredClaims, name string) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims{Name: name, RegisteredClaims: c})
	return token.SignedString(secret)
}
