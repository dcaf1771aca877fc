package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/apperr"
)

// AdminAuth validates the shared admin secret.
func AdminAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeError(w, &apperr.Error{Code: "not_configured", Status: http.StatusServiceUnavailable, Message: "Admin secret not configured"})
				return
			}

			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if token == "" || token == auth {
				writeError(w, apperr.New(apperr.ErrUnauthenticated, "Missing admin token"))
				return
			}

			if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				writeError(w, apperr.New(apperr.ErrUnauthorized, "Invalid admin token"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
