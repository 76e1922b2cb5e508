package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey avoids collisions with other packages' context values.
type contextKey string

const claimsContextKey contextKey = "api.claims"

// Claims is the JWT payload issued to API callers.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates bearer tokens on protected routes.
type AuthMiddleware struct {
	secret []byte
}

// NewAuthMiddleware constructs an AuthMiddleware signing/verifying with
// secret (HMAC).
func NewAuthMiddleware(secret []byte) *AuthMiddleware {
	return &AuthMiddleware{secret: secret}
}

// GenerateToken issues a bearer token for username, valid for ttl.
func (a *AuthMiddleware) GenerateToken(username string, ttl time.Duration) (string, error) {
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthMiddleware) extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

// Middleware wraps next, rejecting requests without a valid bearer
// token and otherwise stashing the parsed Claims in the request context.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := a.extractToken(r)
		if raw == "" {
			respondError(w, MissingAuthError())
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			// Reject any non-HMAC alg before handing back the secret, so
			// a forged "alg: none"/RS256 header can't skip verification.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return a.secret, nil
		})
		if err != nil {
			if strings.Contains(err.Error(), "expired") {
				respondError(w, TokenExpiredError())
				return
			}
			respondError(w, TokenInvalidError())
			return
		}
		if !token.Valid {
			respondError(w, TokenInvalidError())
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaims returns the Claims stashed by Middleware, if any.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}
