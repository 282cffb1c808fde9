// Package auth authenticates API requests: JWT bearer tokens are validated
// and turned into the request context every downstream operation consumes.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lattice-hq/lattice/pkg/reqctx"
)

// Claims are the JWT claims the platform expects. Subject carries the user
// id; tenant and realm bind the token to one tenancy.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	RealmID  string   `json:"realm_id"`
	Roles    []string `json:"roles"`
}

// Validator validates bearer tokens.
type Validator struct {
	keyFunc jwt.Keyfunc
}

// NewValidator creates a validator over an HMAC signing secret.
func NewValidator(secret []byte) *Validator {
	return &Validator{keyFunc: func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return secret, nil
	}}
}

// NewValidatorKeyFunc creates a validator with a custom key resolver, for
// deployments using asymmetric keys.
func NewValidatorKeyFunc(fn jwt.Keyfunc) *Validator {
	return &Validator{keyFunc: fn}
}

// Validate parses and validates a token string.
func (v *Validator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// publicPaths need no authentication.
var publicPaths = []string{
	"/healthz",
	"/readyz",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Unauthorized writes the rejection response; the api package injects its
// RFC 7807 writer to keep this package transport-neutral.
type Unauthorized func(w http.ResponseWriter, detail string)

// NewMiddleware creates the JWT middleware. Every authenticated request
// carries a populated request context; a nil validator fails closed.
func NewMiddleware(validator *Validator, unauthorized Unauthorized) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				unauthorized(w, "expected 'Bearer <token>'")
				return
			}
			if validator == nil {
				unauthorized(w, "authentication not configured")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				unauthorized(w, "invalid or expired token")
				return
			}
			if claims.Subject == "" {
				unauthorized(w, "token subject is required")
				return
			}
			if claims.TenantID == "" {
				unauthorized(w, "token tenant binding is required")
				return
			}

			rc := &reqctx.RequestContext{
				UserID:    claims.Subject,
				TenantID:  claims.TenantID,
				RealmID:   claims.RealmID,
				Roles:     claims.Roles,
				RequestID: GetRequestID(r.Context()),
			}
			if rc.RealmID == "" {
				rc.RealmID = "default"
			}
			next.ServeHTTP(w, r.WithContext(reqctx.Into(r.Context(), rc)))
		})
	}
}
