package admin

import (
	"net/http"
	"strings"

	"github.com/maxpert/wsrepd/cfg"
)

// AuthMiddleware validates PSK authentication for mutating admin endpoints
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.IsAdminAuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		secret := cfg.Config.Admin.Secret

		providedSecret := r.Header.Get("X-Wsrepd-Secret")
		if providedSecret == "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}
			providedSecret = parts[1]
		}

		if providedSecret != secret {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid secret")
			return
		}

		next.ServeHTTP(w, r)
	})
}
