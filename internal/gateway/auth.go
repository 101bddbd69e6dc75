package gateway

import (
	"crypto/subtle"
	"net/http"
)

// adminAuthMiddleware guards administrative routes with a static token
// compared in constant time.
func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.adminToken == "" {
			g.writeError(w, http.StatusForbidden, "admin API disabled")
			return
		}

		token := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(g.adminToken)) != 1 {
			g.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
