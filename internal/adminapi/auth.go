package adminapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keithlinneman/iplimit/internal/xerrors"
)

// Audience is the required "aud" claim on admin tokens.
const Audience = "iplimit-admin"

// HostAudience is the required "aud" claim on tokens presented by game hosts
// to the host API. Admin tokens are not accepted there and vice versa.
const HostAudience = "iplimit-host"

const minSecretLen = 32

type subjectKey struct{}

// Subject returns the authenticated token subject from ctx.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

// Authenticator verifies HS256 bearer tokens for one audience.
type Authenticator struct {
	secret   []byte
	audience string
	now      func() time.Time
}

// NewAuthenticator verifies admin tokens.
func NewAuthenticator(secret []byte) (*Authenticator, error) {
	return newAuthenticator(secret, Audience)
}

// NewHostAuthenticator verifies host tokens.
func NewHostAuthenticator(secret []byte) (*Authenticator, error) {
	return newAuthenticator(secret, HostAudience)
}

func newAuthenticator(secret []byte, audience string) (*Authenticator, error) {
	if len(secret) < minSecretLen {
		return nil, xerrors.Newf("%s JWT secret must be at least %d bytes", audience, minSecretLen)
	}
	return &Authenticator{secret: secret, audience: audience, now: time.Now}, nil
}

// Issue signs a token for subject valid for ttl.
func (a *Authenticator) Issue(subject string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"sub": subject,
		"aud": a.audience,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"iss": "iplimit",
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", xerrors.Wrapf(err, "sign %s token", a.audience)
	}
	return s, nil
}

// Verify parses a token and returns its subject.
func (a *Authenticator) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", err
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", xerrors.New("token has no subject")
	}
	return sub, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="`+a.audience+`"`)
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		sub, err := a.Verify(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="`+a.audience+`", error="invalid_token"`)
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, sub)))
	})
}
