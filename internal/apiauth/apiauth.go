// Package apiauth is the thin admin/issuer principal shim the core needs in
// front of internal/entitypermissions.Authorize: full admin
// authentication is an external collaborator's concern (Non-goals), but
// every approve/activate/pause/archive call still needs *a* principal ID and
// role set to pass through. Callers authenticate with either a static
// ADMIN_API_KEY bearer token or an ADMIN_JWT_PUBLIC_KEY-verified JWT
// (github.com/golang-jwt/jwt/v5), never both (config.Runtime.validate
// enforces the xor).
//
// The per-key rate limiter is a continuous-refill token bucket, generalized
// from three fixed per-category buckets to one bucket per API key, sized
// from RATE_LIMIT_WINDOW_MS/RATE_LIMIT_MAX_REQUESTS instead of hardcoded
// limits.
package apiauth

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
	"github.com/omenbackend/omen-market-backend/internal/config"
	"github.com/omenbackend/omen-market-backend/pkg/logging"
)

// Principal identifies the caller entitypermissions.Authorize checks roles
// and actions against.
type Principal struct {
	ID    string
	Roles []string
}

// HasRole reports whether p carries role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal attaches p to ctx for downstream handlers to read back via
// PrincipalFromContext.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal attached by the auth
// middleware, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator verifies the Authorization header of admin/issuer-gated
// requests and rate-limits each distinct credential independently.
type Authenticator struct {
	apiKey    string
	jwtPubKey *rsa.PublicKey

	mu       sync.Mutex
	limiters map[string]*tokenBucket
	window   time.Duration
	maxReqs  int

	log *logging.Logger
}

// New builds an Authenticator from runtime config. Exactly one of
// rt.AdminAPIKey / rt.AdminJWTPublicKey is set, enforced at config load.
func New(rt *config.Runtime) (*Authenticator, error) {
	a := &Authenticator{
		apiKey:   rt.AdminAPIKey,
		limiters: make(map[string]*tokenBucket),
		window:   time.Duration(rt.RateLimitWindowMS) * time.Millisecond,
		maxReqs:  rt.RateLimitMaxReqs,
		log:      logging.GetDefault().Component("apiauth"),
	}
	if rt.AdminJWTPublicKey != "" {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(rt.AdminJWTPublicKey))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "apiauth: parse ADMIN_JWT_PUBLIC_KEY", err)
		}
		a.jwtPubKey = key
	}
	return a, nil
}

// claims is the expected shape of an admin JWT: sub carries the principal
// ID, roles carries the role list entitypermissions checks against.
type claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// Authenticate extracts and verifies the caller's credential from r, rate
// limits it, and returns the resulting Principal. It never consults
// entitypermissions itself; callers still run Authorize for the specific
// action once they have a Principal.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return Principal{}, apperr.New(apperr.KindForbidden, "apiauth: missing bearer token")
	}

	var principal Principal
	var err error
	if a.apiKey != "" {
		principal, err = a.authenticateAPIKey(token)
	} else {
		principal, err = a.authenticateJWT(token)
	}
	if err != nil {
		return Principal{}, err
	}

	if !a.allow(token) {
		return Principal{}, apperr.New(apperr.KindRateLimited, "apiauth: rate limit exceeded")
	}
	return principal, nil
}

func (a *Authenticator) authenticateAPIKey(token string) (Principal, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.apiKey)) == 1 {
		return Principal{ID: "admin", Roles: []string{"admin"}}, nil
	}
	return Principal{}, apperr.New(apperr.KindForbidden, "apiauth: invalid API key")
}

func (a *Authenticator) authenticateJWT(tokenString string) (Principal, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, apperr.New(apperr.KindForbidden, "apiauth: unexpected signing method")
		}
		return a.jwtPubKey, nil
	})
	if err != nil || !parsed.Valid {
		return Principal{}, apperr.Wrap(apperr.KindForbidden, "apiauth: invalid admin token", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.Subject == "" {
		return Principal{}, apperr.New(apperr.KindForbidden, "apiauth: token missing subject")
	}
	roles := c.Roles
	if len(roles) == 0 {
		roles = []string{"admin"}
	}
	return Principal{ID: c.Subject, Roles: roles}, nil
}

func (a *Authenticator) allow(key string) bool {
	a.mu.Lock()
	tb, ok := a.limiters[key]
	if !ok {
		tb = newTokenBucket(float64(a.maxReqs), float64(a.maxReqs)/a.window.Seconds())
		a.limiters[key] = tb
	}
	a.mu.Unlock()
	return tb.Allow()
}

// Middleware wraps next so every request carries a verified Principal in
// its context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.Authenticate(r)
		if err != nil {
			status := http.StatusForbidden
			if ae, ok := err.(*apperr.Error); ok {
				status = ae.HTTPStatus()
			}
			http.Error(w, err.Error(), status)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}
