package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware accepts the token as "Authorization: Bearer <token>" or
// as the token query parameter.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}

		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "error", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
