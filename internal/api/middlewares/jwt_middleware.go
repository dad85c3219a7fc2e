package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey struct{}

var ErrInvalidToken = errors.New("invalid token")

// ContextClaims identifies one open context (tab).
type ContextClaims struct {
	ContextID string `json:"context_id"`
	jwt.RegisteredClaims
}

// ContextTokens issues and verifies HS256 context tokens.
type ContextTokens struct {
	secret []byte
	ttl    time.Duration
}

func NewContextTokens(secret string, ttl time.Duration) *ContextTokens {
	return &ContextTokens{secret: []byte(secret), ttl: ttl}
}

// Issue creates a signed token carrying contextID.
func (t *ContextTokens) Issue(contextID string) (string, error) {
	now := time.Now()
	claims := ContextClaims{
		ContextID: contextID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Parse returns the context id of a valid token.
func (t *ContextTokens) Parse(tokenStr string) (string, error) {
	claims := &ContextClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid || claims.ContextID == "" {
		return "", ErrInvalidToken
	}
	return claims.ContextID, nil
}

// Middleware validates the bearer token (or ?token= for WebSocket upgrades)
// and attaches the context id to the request context.
func (t *ContextTokens) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := bearerToken(r)
		if tokenStr == "" {
			http.Error(w, "missing or invalid token", http.StatusUnauthorized)
			return
		}
		contextID, err := t.Parse(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, contextID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// ContextID returns the context id set by Middleware.
func ContextID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// WithContextID is used by tests and internal callers that bypass Middleware.
func WithContextID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}
