// ABOUTME: Tests for identity propagation and the bearer extraction helpers.
// ABOUTME: Validates header/query precedence and middleware rejection paths.

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithIdentity_FromContext(t *testing.T) {
	id := &Identity{UserID: "user-1"}
	ctx := WithIdentity(context.Background(), id)

	got := FromContext(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.UserID)
}

func TestFromContext_Missing(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
}

func TestExtractBearer_Header(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc123")

	assert.Equal(t, "abc123", ExtractBearer(r))
}

func TestExtractBearer_QueryFallback(t *testing.T) {
	// Browser WebSocket clients cannot set headers.
	r := httptest.NewRequest(http.MethodGet, "/ws?token=qry456", nil)

	assert.Equal(t, "qry456", ExtractBearer(r))
}

func TestExtractBearer_HeaderWinsOverQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=qry456", nil)
	r.Header.Set("Authorization", "Bearer hdr123")

	assert.Equal(t, "hdr123", ExtractBearer(r))
}

func TestExtractBearer_None(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Empty(t, ExtractBearer(r))
}

func TestMiddleware_AttachesIdentity(t *testing.T) {
	gate, err := NewJWTGate([]byte("test-secret"))
	require.NoError(t, err)
	token, err := gate.Generate("user-1", time.Hour)
	require.NoError(t, err)

	var seen *Identity
	handler := Middleware(gate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user-1", seen.UserID)
}

func TestMiddleware_RejectsMissingCredential(t *testing.T) {
	gate, err := NewJWTGate([]byte("test-secret"))
	require.NoError(t, err)

	handler := Middleware(gate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_RejectsBadToken(t *testing.T) {
	gate, err := NewJWTGate([]byte("test-secret"))
	require.NoError(t, err)

	handler := Middleware(gate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	r.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
