// Package session carries the operator's bearer credential through
// context.Context and owns the single handler that reacts to an expired or
// rejected credential.
package session

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ehr/opsdesk/internal/platform/apperr"
)

type contextKey string

const credentialKey contextKey = "credential"

// Roles understood by the screens.
const (
	RoleAdmin     = "admin"
	RoleDoctor    = "doctor"
	RoleFrontDesk = "frontdesk"
	RolePatient   = "patient"
)

// Claims is the subset of token claims opsdesk reads. The remote system of
// record is the authority on validity; opsdesk only inspects the claims to
// route the request to the right workspace and to fail fast on expiry.
type Claims struct {
	jwt.RegisteredClaims
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Credential is an opaque bearer credential plus what could be learned from it.
type Credential struct {
	Token     string
	Subject   string
	Roles     []string
	ExpiresAt *time.Time
}

// Expired reports whether the credential carries an expiry that has passed.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// HasRole reports whether the credential carries role. Admins hold every role.
func (c Credential) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// Header returns the Authorization header value for outbound calls.
func (c Credential) Header() string {
	return "Bearer " + c.Token
}

// ParseOptions controls how a bearer token is interpreted.
type ParseOptions struct {
	// SigningKey enables HS256 signature verification. When empty the token
	// is parsed without verification and the remote API decides.
	SigningKey []byte
	Issuer     string
	// FallbackSubject is used for opaque (non-JWT) tokens.
	FallbackSubject string
}

// ParseCredential interprets raw as a bearer token. JWTs yield a subject,
// roles and expiry; opaque tokens are accepted as-is when a fallback subject
// is available.
func ParseCredential(raw string, opts ParseOptions) (Credential, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Credential{}, apperr.ErrUnauthorized.With("missing credential", nil)
	}

	claims := &Claims{}
	var err error
	if len(opts.SigningKey) > 0 {
		parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
		if opts.Issuer != "" {
			parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
		}
		var token *jwt.Token
		token, err = jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return opts.SigningKey, nil
		}, parserOpts...)
		if err != nil || !token.Valid {
			return Credential{}, apperr.ErrUnauthorized.With("invalid credential", err)
		}
	} else {
		_, _, err = jwt.NewParser().ParseUnverified(raw, claims)
	}

	if err != nil {
		// Opaque token: the remote API is the only judge.
		if opts.FallbackSubject == "" {
			return Credential{}, apperr.ErrUnauthorized.With("credential subject unknown", nil)
		}
		return Credential{Token: raw, Subject: opts.FallbackSubject}, nil
	}

	cred := Credential{Token: raw, Subject: claims.Subject, Roles: claims.Roles}
	if claims.Role != "" {
		cred.Roles = append(cred.Roles, claims.Role)
	}
	if cred.Subject == "" {
		cred.Subject = opts.FallbackSubject
	}
	if cred.Subject == "" {
		return Credential{}, apperr.ErrUnauthorized.With("credential has no subject", nil)
	}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		cred.ExpiresAt = &exp
	}
	return cred, nil
}

// NewContext returns a copy of ctx carrying cred.
func NewContext(ctx context.Context, cred Credential) context.Context {
	return context.WithValue(ctx, credentialKey, cred)
}

// FromContext returns the credential stored in ctx.
func FromContext(ctx context.Context) (Credential, bool) {
	cred, ok := ctx.Value(credentialKey).(Credential)
	return cred, ok
}
