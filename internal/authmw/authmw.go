// Package authmw guards read routes that expose stored alert payloads.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const bearerPrefix = "Bearer "

// RequireToken returns middleware that admits requests whose Authorization
// header carries the given bearer token. An empty token disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	if token == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearer(r.Header.Get("Authorization"))
			if !ok || subtle.ConstantTimeCompare(got, expected) != 1 {
				trace.SpanFromContext(r.Context()).SetAttributes(attribute.Bool("responder.auth.rejected", true))
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="responder"`)
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(header string) ([]byte, bool) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return nil, false
	}
	return []byte(header[len(bearerPrefix):]), true
}
