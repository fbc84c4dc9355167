// Package authctx holds the request-context keys and accessors shared by the
// auth middleware and the handlers that read the authenticated identity.
package authctx

import "context"

// ContextKey is the type used for auth values stored in a request context.
type ContextKey string

const (
	// UserIDKey is the context key for the authenticated user's id
	UserIDKey ContextKey = "user_id"
	// UsernameKey is the context key for the authenticated user's username
	UsernameKey ContextKey = "username"
	// IsAdminKey is the context key for the admin flag
	IsAdminKey ContextKey = "is_admin"
)

// GetUserID extracts the user id from context
func GetUserID(ctx context.Context) (int, bool) {
	userID, ok := ctx.Value(UserIDKey).(int)
	return userID, ok
}

// GetUsername extracts the username from context
func GetUsername(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(UsernameKey).(string)
	return username, ok
}

// IsAdmin reports whether the current token carries the admin claim
func IsAdmin(ctx context.Context) bool {
	isAdmin, ok := ctx.Value(IsAdminKey).(bool)
	return ok && isAdmin
}
