package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/avagate/gateway/internal/sessions"
)

type identityKey struct{}

// SetIdentity stashes the authenticated username in ctx.
func SetIdentity(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, identityKey{}, username)
}

// Identity returns the authenticated username, if any.
func Identity(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(identityKey{}).(string)
	return v, ok
}

// Auth validates the bearer token on every request other than the public
// allowlist (spec.md §4.H): /api/login and /api/health bypass auth
// entirely, as does anything outside /api.
type Auth struct {
	sessions *sessions.Service
}

// NewAuth builds the bearer-token auth middleware.
func NewAuth(svc *sessions.Service) *Auth {
	return &Auth{sessions: svc}
}

var publicAPIPaths = map[string]bool{
	"/api/login":  true,
	"/api/health": true,
}

func (a *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") || publicAPIPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		sess, err := a.sessions.Validate(r.Context(), token)
		if err != nil {
			log.Debug().Str("path", r.URL.Path).Err(err).Msg("rejected unauthenticated request")
			respondUnauthorized(w)
			return
		}

		ctx := SetIdentity(r.Context(), sess.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

func respondUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="avagate"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": "missing or invalid session token"})
}
