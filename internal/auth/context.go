// Package auth carries the declared upload owner through request contexts. Identity is
// asserted by the fronting gateway; nothing here authenticates.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
)

// UserHeader carries the declared owner of a request.
const UserHeader = "X-User-ID"

// ErrUserRequired is returned when a request does not declare its user.
var ErrUserRequired = errors.New("user id is required")

type contextKey string

const userIDKey contextKey = "userID"

// ContextWithUserID returns a new context that carries the declared user.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext retrieves the declared user from the context, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(userIDKey).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// RequireUser returns the declared user or ErrUserRequired.
func RequireUser(ctx context.Context) (string, error) {
	id, ok := UserIDFromContext(ctx)
	if !ok {
		return "", ErrUserRequired
	}
	return id, nil
}

// Middleware copies the user header into the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get(UserHeader)); id != "" {
			r = r.WithContext(ContextWithUserID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
