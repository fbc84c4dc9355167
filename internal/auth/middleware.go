package auth

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"lesson-service/internal/authctx"
	"lesson-service/internal/httputil"
)

const (
	// UserIDKey is the context key for the authenticated user's id
	UserIDKey = authctx.UserIDKey
	// UsernameKey is the context key for the authenticated user's username
	UsernameKey = authctx.UsernameKey
	// IsAdminKey is the context key for the admin flag
	IsAdminKey = authctx.IsAdminKey
)

// Middleware validates the JWT cookie and adds claims to the request context
func Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie("token")
			if err != nil {
				logger.Warn("no auth cookie found", "path", r.URL.Path)
				httputil.RespondWithError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			claims, err := ValidateAccessToken(cookie.Value)
			if err != nil {
				logger.Warn("invalid token", "error", err)
				httputil.RespondWithError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, claims.UserID)
			ctx = context.WithValue(ctx, UsernameKey, claims.Username)
			ctx = context.WithValue(ctx, IsAdminKey, claims.IsAdmin)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects requests whose token lacks the admin claim. Must run
// after Middleware.
func RequireAdmin(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsAdmin(r.Context()) {
				logger.Warn("admin route denied", "path", r.URL.Path)
				httputil.RespondWithError(w, http.StatusUnauthorized, "not authorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetUserID extracts the user id from context
func GetUserID(ctx context.Context) (int, bool) {
	return authctx.GetUserID(ctx)
}

// GetUsername extracts the username from context
func GetUsername(ctx context.Context) (string, bool) {
	return authctx.GetUsername(ctx)
}

// IsAdmin reports whether the current token carries the admin claim
func IsAdmin(ctx context.Context) bool {
	return authctx.IsAdmin(ctx)
}

// SetAuthCookie sets the JWT in a secure HttpOnly cookie
func SetAuthCookie(w http.ResponseWriter, token string) {
	sameSite := http.SameSiteStrictMode
	env := os.Getenv("ENV")
	if env == "development" || env == "local" {
		sameSite = http.SameSiteLaxMode // allow testing from Postman
	}

	secure := env == "prod" || env == "production"

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    token,
		HttpOnly: true,
		Secure:   secure,
		SameSite: sameSite,
		Path:     "/",
		MaxAge:   900, // 15 minutes
	})
}

// ClearAuthCookie removes the auth cookie
func ClearAuthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Secure:   os.Getenv("ENV") != "local",
		SameSite: http.SameSiteStrictMode,
		Path:     "/",
		MaxAge:   -1,
	})
}
