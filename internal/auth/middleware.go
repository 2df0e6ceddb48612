// Package auth implements optional bearer token authentication for the
// upload API.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// skipPaths is the set of paths that do not require authentication.
var skipPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
	"/docs":    true,
	"/openapi": true,
}

// Skip reports whether path is served without authentication.
func Skip(path string) bool {
	return skipPaths[path] || strings.HasPrefix(path, "/docs") || strings.HasPrefix(path, "/openapi")
}

// Middleware returns HTTP middleware that requires
// "Authorization: Bearer <token>" on every request except the excluded
// paths and CORS preflight requests. An empty token disables the check.
func Middleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || Skip(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			got, ok := bearer(r)
			if !ok {
				writeAuthError(w, "authentication credentials were not provided")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				writeAuthError(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	scheme, value, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="bleepupload"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "Unauthorized"})
}
