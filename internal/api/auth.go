package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth guards the run and memory endpoints with a static token.
// Comparison is constant-time so the token cannot be guessed byte by byte.
func BearerAuth(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				httpError(w, http.StatusUnauthorized, "authentication_error", "missing bearer token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
