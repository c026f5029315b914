package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/heraldhq/herald/internal/auth/session"
	"github.com/heraldhq/herald/internal/db/models"
)

type contextKey string

const userKey contextKey = "user"

// UserFromContext returns the user attached by RequireUser.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userKey).(*models.User)
	return user, ok
}

// RequireUser validates the request's access token (Authorization bearer
// header first, then the accessToken cookie) and puts the resolved user
// on the context. Every protected route consumes the core through this
// middleware.
func RequireUser(sessions *session.Service) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			access := accessTokenFromRequest(r)
			if access == "" {
				writeError(w, http.StatusUnauthorized, "missing access token")
				return
			}

			user, err := sessions.ValidateRequest(r.Context(), access)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid or expired access token")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
		})
	}
}

func accessTokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if cookie, err := r.Cookie(accessTokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}
