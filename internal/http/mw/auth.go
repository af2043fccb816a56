// Package mw contains HTTP middleware.
package mw

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ocrbase/ocrbase/internal/service"
)

// ContextKey is a type for context keys.
type ContextKey string

// IdentityKey is the context key for the authenticated identity.
const IdentityKey ContextKey = "identity"

// Identity is the authenticated caller.
type Identity struct {
	TenantID string
	KeyID    string // set when authenticated via API key
	Subject  string // set when authenticated via session token
}

// sessionClaims is the JWT payload for browser session tokens.
type sessionClaims struct {
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

// Auth authenticates requests via, in order:
//
//   - Authorization: Bearer ob_... (API key)
//   - Authorization: Bearer <jwt>  (session token)
//   - ?api_key=ob_...              (EventSource cannot set headers)
//   - session cookie               (browser realtime clients)
//
// signingKey may be nil, which disables session-token auth.
func Auth(authSvc *service.AuthService, signingKey []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				token = r.URL.Query().Get("api_key")
			}
			if token == "" {
				if c, err := r.Cookie("ocrbase_session"); err == nil {
					token = c.Value
				}
			}
			if token == "" {
				unauthorized(w)
				return
			}

			var ident *Identity
			var err error
			if strings.HasPrefix(token, service.APIKeySecretPrefix) {
				ident, err = validateAPIKey(r.Context(), authSvc, token)
			} else {
				ident, err = validateSessionToken(token, signingKey)
			}
			if err != nil {
				unauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), IdentityKey, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return h
}

func validateAPIKey(ctx context.Context, authSvc *service.AuthService, secret string) (*Identity, error) {
	key, err := authSvc.ValidateKey(ctx, secret)
	if err != nil {
		return nil, err
	}
	return &Identity{TenantID: key.TenantID, KeyID: key.ID}, nil
}

func validateSessionToken(token string, signingKey []byte) (*Identity, error) {
	if len(signingKey) == 0 {
		return nil, service.ErrInvalidCredential
	}
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, service.ErrInvalidCredential
		}
		return signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid || claims.TenantID == "" {
		return nil, service.ErrInvalidCredential
	}
	return &Identity{TenantID: claims.TenantID, Subject: claims.Subject}, nil
}

// IssueSessionToken mints a short-lived session JWT for a tenant, for
// browser realtime clients that cannot hold an API key.
func IssueSessionToken(signingKey []byte, tenantID, subject string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := sessionClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
}

// GetIdentity retrieves the authenticated identity from context.
func GetIdentity(ctx context.Context) *Identity {
	ident, ok := ctx.Value(IdentityKey).(*Identity)
	if !ok {
		return nil
	}
	return ident
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
}
