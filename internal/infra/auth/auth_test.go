package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestVerifyToken_RoundTrip(t *testing.T) {
	v, err := NewBaseValidator(testSecret)
	require.NoError(t, err)

	tok, err := v.IssueToken("svc-shop", "vendor-shop", []string{"agents.write"}, time.Minute)
	require.NoError(t, err)

	claims, err := v.VerifyToken("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, "svc-shop", claims.Subject)
	assert.True(t, claims.Allows("agents.write"))
	assert.False(t, claims.Allows("messages.route"))
}

func TestVerifyToken_Rejects(t *testing.T) {
	v, _ := NewBaseValidator(testSecret)
	other, _ := NewBaseValidator("another-secret-of-enough-length")

	tok, err := other.IssueToken("svc", "", nil, time.Minute)
	require.NoError(t, err)
	_, err = v.VerifyToken(tok)
	assert.Error(t, err)

	expired, err := v.IssueToken("svc", "", nil, -time.Minute)
	require.NoError(t, err)
	_, err = v.VerifyToken(expired)
	assert.Error(t, err)

	_, err = NewBaseValidator("short")
	assert.Error(t, err)
}

func TestMiddleware_ScopeCheck(t *testing.T) {
	v, _ := NewBaseValidator(testSecret)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := NewMiddleware(v, zap.NewNop())(RequireScope("agents.write")(ok))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	reader, _ := v.IssueToken("svc", "", []string{"agents.read"}, time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+reader)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin, _ := v.IssueToken("svc", "", []string{"admin"}, time.Minute)
	req.Header.Set("Authorization", "Bearer "+admin)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
