package auth

import (
	"net/http"
	"strings"

	"github.com/accredo/evidence-backend/pkg/api/problem"
)

// publicPaths do not require authentication.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Middleware rejects requests without a valid bearer token and attaches the
// principal to the context. A nil validator fails closed.
func Middleware(validator *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if validator == nil {
				problem.WriteUnauthorized(w, "authentication is not configured")
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				problem.WriteUnauthorized(w, "missing Authorization header")
				return
			}
			tokenStr, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				problem.WriteUnauthorized(w, "Authorization header must be a bearer token")
				return
			}

			principal, err := validator.Validate(tokenStr)
			if err != nil {
				problem.WriteUnauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
