package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/engramkeep/health-connector/internal/api/apierr"
	"github.com/engramkeep/health-connector/internal/logging"
)

// UserIDHeader carries the authenticated application user, set by the
// product backend in front of this service.
const UserIDHeader = "X-User-ID"

type contextKey string

const userIDKey contextKey = "user_id"

// APIKeyAuth validates the service API key from the Authorization header
// or x-api-key. An empty key disables the check (local development).
func APIKeyAuth(expectedKey string, log *logging.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expectedKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				if keyEqual(strings.TrimPrefix(auth, "Bearer "), expectedKey) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if keyEqual(r.Header.Get("x-api-key"), expectedKey) {
				next.ServeHTTP(w, r)
				return
			}

			apierr.Write(w, r, log, apierr.New(http.StatusUnauthorized, apierr.CodeUnauthorized, "Invalid API key"))
		})
	}
}

func keyEqual(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// RequireUser rejects requests without X-User-ID and stores the id in the
// request context.
func RequireUser(log *logging.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
			if userID == "" {
				apierr.Write(w, r, log, apierr.New(http.StatusUnauthorized, apierr.CodeUnauthorized, "Missing "+UserIDHeader))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the caller set by RequireUser, or "".
func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}
