// Package auth guards the operator endpoints with HS256 bearer tokens.
// Tenant traffic is authenticated by application token in the URL, not here.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const ctxSubject ctxKey = "sub"

// Config holds the operator-endpoint guard settings.
type Config struct {
	// HS256Secret verifies operator tokens. When empty the router does not
	// mount the operator endpoints at all, so the middleware never sees a
	// request without a secret configured.
	HS256Secret string
}

// Middleware rejects requests without a valid HS256 bearer token carrying a
// non-empty subject. The subject is kept in the context for audit logs.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				deny(w)
				return
			}

			claims := jwt.MapClaims{}
			tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(cfg.HS256Secret), nil
			})
			if err != nil || !tok.Valid {
				log.Warn().Err(err).Msg("operator token rejected")
				deny(w)
				return
			}

			sub, _ := claims["sub"].(string)
			if sub == "" {
				log.Warn().Msg("operator token has no subject")
				deny(w)
				return
			}

			ctx := context.WithValue(r.Context(), ctxSubject, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Subject returns the authenticated operator's token subject, empty when the
// request did not pass Middleware.
func Subject(ctx context.Context) string {
	if s, ok := ctx.Value(ctxSubject).(string); ok {
		return s
	}
	return ""
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

func deny(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
}
