// Package middleware gates inbound routes on the configured API key and the
// admin password.
package middleware

import (
	"net/http"
	"strings"
)

const unauthorizedBody = `{"type":"error","error":{"type":"authentication_error","message":"invalid api key"}}`

// APIKeyAuth validates the configured key against the Authorization bearer
// header or x-api-key. An empty key disables the gate (first-run scenario).
func APIKeyAuth(apiKey string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" || requestKey(r) == apiKey {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(unauthorizedBody))
		})
	}
}

// AdminAuth protects operator routes with the web UI password, falling back
// to the API key when no password is set. With neither configured the routes
// stay open.
func AdminAuth(password, apiKey string) func(next http.Handler) http.Handler {
	secret := password
	if secret == "" {
		secret = apiKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || requestKey(r) == secret {
				next.ServeHTTP(w, r)
				return
			}
			if _, pass, ok := r.BasicAuth(); ok && pass == secret {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="agnexus"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(unauthorizedBody))
		})
	}
}

func requestKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("x-api-key")
}
