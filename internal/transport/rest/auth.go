package rest

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/n6hub/n6pipe/internal/eventdb"
)

// AuthData is what the bearer token carries: the caller's org and the
// access zones granted to it. Policy evaluation happens elsewhere;
// this layer only extracts and verifies the signed claims.
type AuthData struct {
	OrgID       string
	AccessZones []string
}

func (a *AuthData) HasZone(zone eventdb.AccessZone) bool {
	for _, z := range a.AccessZones {
		if z == string(zone) {
			return true
		}
	}
	return false
}

type ctxKeyAuth struct{}

// Auth verifies the bearer token and stashes AuthData in the request
// context.
func Auth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			claims := jwt.MapClaims{}
			tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !tok.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			auth := &AuthData{}
			if org, ok := claims["org_id"].(string); ok {
				auth.OrgID = org
			}
			if zones, ok := claims["access_zones"].([]any); ok {
				for _, z := range zones {
					if s, ok := z.(string); ok {
						auth.AccessZones = append(auth.AccessZones, s)
					}
				}
			}
			if auth.OrgID == "" {
				http.Error(w, "token carries no org", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyAuth{}, auth)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authData(ctx context.Context) *AuthData {
	auth, _ := ctx.Value(ctxKeyAuth{}).(*AuthData)
	return auth
}
