package middleware

import (
	"net/http"

	"github.com/crea8r/context-router/internal/admin"
)

// AdminAuth gates a route subtree behind the admin session cookie.
// Requests without a live session get 401.
func AdminAuth(sessions *admin.Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(admin.CookieName)
			if err != nil || !sessions.Validate(cookie.Value) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"admin session required"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
