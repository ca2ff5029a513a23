package http

import (
	"net/http"

	"geotrack/internal/auth"
)

// RequireAPIKey gates a route subtree on the X-API-Key header, chi middleware
// style.
func RequireAPIKey(a *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				writeError(w, http.StatusUnauthorized, "missing X-API-Key header")
				return
			}
			if !a.Validate(r.Context(), apiKey) {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
