// Package auth carries request identity through the bridge: request ids and
// the operator token that guards the admin front door.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/aobridge/pkg/api"
)

// OperatorClaims are the JWT claims accepted on the admin door.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// OperatorValidator validates HS256 operator tokens.
type OperatorValidator struct {
	secret []byte
}

// NewOperatorValidator returns nil for an empty secret.
func NewOperatorValidator(secret string) *OperatorValidator {
	if secret == "" {
		return nil
	}
	return &OperatorValidator{secret: []byte(secret)}
}

// Validate parses and validates a token string. Expiry is mandatory.
func (v *OperatorValidator) Validate(tokenStr string) (*OperatorClaims, error) {
	if v == nil {
		return nil, errors.New("validator uninitialized")
	}
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	return claims, nil
}

// Issue mints an operator token for subject valid for ttl.
func (v *OperatorValidator) Issue(subject string, ttl time.Duration) (string, error) {
	if v == nil {
		return "", errors.New("validator uninitialized")
	}
	now := time.Now().UTC()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "aobridge",
		},
		Roles: []string{"admin"},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type operatorKey struct{}

// GetOperator returns the operator subject attached by OperatorMiddleware.
func GetOperator(ctx context.Context) string {
	if s, ok := ctx.Value(operatorKey{}).(string); ok {
		return s
	}
	return ""
}

// OperatorMiddleware requires a valid bearer operator token when validator is
// non-nil. With a nil validator requests pass through unauthenticated.
func OperatorMiddleware(validator *OperatorValidator) func(http.Handler) http.Handler {
	if validator == nil {
		slog.Warn("admin door is not protected by an operator token", "component", "auth")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if validator == nil || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			claims, err := validator.Validate(strings.TrimSpace(parts[1]))
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
