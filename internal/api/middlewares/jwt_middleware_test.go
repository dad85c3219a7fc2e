package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoContextID(w http.ResponseWriter, r *http.Request) {
	id, _ := ContextID(r.Context())
	_, _ = w.Write([]byte(id))
}

func TestMiddlewareAcceptsHeaderAndQuery(t *testing.T) {
	tokens := NewContextTokens("secret", time.Hour)
	tok, err := tokens.Issue("ctx-1")
	require.NoError(t, err)
	h := tokens.Middleware(http.HandlerFunc(echoContextID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ctx-1", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "ctx-1", rec.Body.String())
}

func TestMiddlewareRejects(t *testing.T) {
	tokens := NewContextTokens("secret", time.Hour)
	other, err := NewContextTokens("other", time.Hour).Issue("ctx-1")
	require.NoError(t, err)
	expired, err := NewContextTokens("secret", -time.Minute).Issue("ctx-1")
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, ContextClaims{ContextID: "ctx-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	h := tokens.Middleware(http.HandlerFunc(echoContextID))
	for name, auth := range map[string]string{
		"missing":      "",
		"wrong secret": "Bearer " + other,
		"expired":      "Bearer " + expired,
		"alg none":     "Bearer " + none,
		"garbage":      "Bearer abc.def",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if auth != "" {
				req.Header.Set("Authorization", auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestParseRequiresContextID(t *testing.T) {
	tokens := NewContextTokens("secret", time.Hour)
	tok, err := tokens.Issue("")
	require.NoError(t, err)
	_, err = tokens.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
