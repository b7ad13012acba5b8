package auth

import (
	"context"
)

type contextKey string

const userContextKey contextKey = "user"

// SetUserContext adds verified claims to the context, the hop between an
// HTTP/WebSocket auth check and the connmgr.Authenticate call that binds
// the claimed identity to a live connection (spec §4.B connecting ->
// authenticated).
func SetUserContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

// GetUserFromContext retrieves verified claims from the context.
func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(userContextKey).(*Claims)
	return claims, ok
}

// SessionIDFromContext returns the session id bound to the verified token
// in ctx, if any. Used by the WebSocket authenticate handler to prefer the
// token's own session_id over whatever the client sent in its
// authenticate frame (spec §6 authenticate {user_id, session_id}).
func SessionIDFromContext(ctx context.Context) (string, bool) {
	claims, ok := GetUserFromContext(ctx)
	if !ok || claims.SessionID == "" {
		return "", false
	}
	return claims.SessionID, true
}
