package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// requireToken rejects requests whose Authorization header does not carry
// "Bearer <token>". An empty token lets every request through.
func requireToken(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearer(r.Header.Get("Authorization"))
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				slog.Debug("api: rejected request", "path", r.URL.Path, "remote", r.RemoteAddr, "header_present", ok)
				w.Header().Set("WWW-Authenticate", `Bearer realm="remedy"`)
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearer extracts the credential from an Authorization header. The scheme is
// matched case-insensitively.
func bearer(header string) (string, bool) {
	scheme, cred, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	cred = strings.TrimSpace(cred)
	return cred, cred != ""
}
