/*
auth.go - Bearer-token authentication for protected endpoints

PURPOSE:
  Validates HS256 JWTs on the manual payout trigger and plan/user
  management routes. Tokens are issued by the surrounding platform
  (authentication itself is out of scope here); this middleware only
  verifies signature and expiry against the shared secret.

DEVELOPMENT MODE:
  With an empty secret the middleware is disabled. main.go refuses an
  empty secret in production.
*/
package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RequireAuth returns middleware that rejects requests without a valid
// bearer token signed with secret. An empty secret disables the check.
func RequireAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				respondError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				respondError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
