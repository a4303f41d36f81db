package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"chatsync/auth"
	"chatsync/errs"
	"chatsync/metrics"
)

type contextKey string

const principalContextKey contextKey = "principal"

// Verifier checks a session token.
type Verifier interface {
	Verify(token string) (auth.Principal, error)
}

// TokenFromRequest looks for the session token in the cookie, then an
// Authorization bearer header, then the "token" query parameter used by
// browsers that cannot set headers on a websocket handshake.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// Auth rejects requests without a valid session token and puts the principal
// in the request context.
func Auth(v Verifier, cookieName string, m *metrics.Metrics, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.Verify(TokenFromRequest(r, cookieName))
			if err != nil {
				if m != nil {
					m.AuthFailures.Inc()
				}
				log.Debug("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
				unauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// GetUserFromContext retrieves the principal stored by Auth.
func GetUserFromContext(r *http.Request) (auth.Principal, bool) {
	p, ok := r.Context().Value(principalContextKey).(auth.Principal)
	return p, ok
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": "Unauthorized",
		"code":  errs.CodeOf(err),
	})
}
