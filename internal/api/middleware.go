package api

import (
	"net/http"

	"github.com/omenbackend/omen-market-backend/internal/apiauth"
	"github.com/omenbackend/omen-market-backend/internal/apperr"
)

// requestIDHeader adopts or generates x-request-id and echoes it back on
// every response.
func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("x-request-id")
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set("x-request-id", id)
		next.ServeHTTP(w, r)
	})
}

// requireRole wraps a handler so it only runs for a Principal (attached by
// apiauth.Authenticator.Middleware upstream) carrying role.
func requireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := apiauth.PrincipalFromContext(r.Context())
		if !ok || !principal.HasRole(role) {
			writeError(w, apperr.New(apperr.KindForbidden, "caller does not hold the "+role+" role"))
			return
		}
		next(w, r)
	}
}
