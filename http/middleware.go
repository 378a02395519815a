package http

import (
	"net/http"

	"github.com/sagarc03/ucs"
)

// AuthMiddleware creates middleware that verifies presigned request
// signatures. Pass nil for public access.
func AuthMiddleware(verifier ucs.RequestVerifier) func(http.Handler) http.Handler {
	if verifier == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := verifier.Verify(r); err != nil {
				HandleError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
