package httpmw

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mcpmux/mcpmux/internal/logger"
)

// SharedSecret wraps next with a single shared-secret Bearer check, the
// "authentication by shared secret" the manager itself intentionally
// leaves to its HTTP wrapper. An empty secret disables the check (used in
// local/dev deployments that front the multiplexer another way).
func SharedSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				logger.Warn("rejected unauthenticated request", "remote", r.RemoteAddr, "path", r.URL.Path)
				jsonAuthError(w, "authentication required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func jsonAuthError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    -32001,
			"message": message,
		},
		"id": nil,
	})
}
