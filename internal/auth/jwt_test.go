package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerifyRoundTrip(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Hour)

	token, err := mgr.Generate("u1", "alice", "admin", "sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := mgr.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)
	require.Equal(t, "alice", claims.Username)
	require.Equal(t, "admin", claims.Role)
	require.Equal(t, "sess-1", claims.SessionID)

	sessionID, ok := SessionIDFromContext(SetUserContext(context.Background(), claims))
	require.True(t, ok)
	require.Equal(t, "sess-1", sessionID)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	mgr := NewJWTManager("test-secret", -time.Hour)

	token, err := mgr.Generate("u1", "alice", "admin", "sess-1")
	require.NoError(t, err)

	_, err = mgr.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	mgr := NewJWTManager("secret-a", time.Hour)
	other := NewJWTManager("secret-b", time.Hour)

	token, err := mgr.Generate("u1", "alice", "admin", "sess-1")
	require.NoError(t, err)

	_, err = other.Verify(token)
	require.Error(t, err)
}

func TestExtractTokenFromHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc.def.ghi")

	token, err := ExtractTokenFromHeader(req)
	require.NoError(t, err)
	require.Equal(t, "abc.def.ghi", token)
}

func TestExtractTokenFromHeaderMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := ExtractTokenFromHeader(req)
	require.Error(t, err)
}

func TestExtractTokenFromQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?token=xyz", nil)
	token, err := ExtractTokenFromQuery(req)
	require.NoError(t, err)
	require.Equal(t, "xyz", token)
}

func TestWebSocketAuthPrefersQueryThenHeader(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Hour)
	token, err := mgr.Generate("u1", "alice", "admin", "sess-1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	claims, err := mgr.WebSocketAuth(req)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)

	req2 := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req2.Header.Set("Authorization", "Bearer "+token)
	claims2, err := mgr.WebSocketAuth(req2)
	require.NoError(t, err)
	require.Equal(t, "u1", claims2.UserID)
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Hour)
	handler := mgr.AuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	mgr := NewJWTManager("test-secret", time.Hour)
	var gotUser string
	handler := mgr.AuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetUserFromContext(r.Context())
		require.True(t, ok)
		gotUser = claims.UserID
		w.WriteHeader(http.StatusOK)
	})

	token, err := mgr.Generate("u2", "bob", "user", "sess-2")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "u2", gotUser)
}
