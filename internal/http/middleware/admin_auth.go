package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const adminSubjectKey contextKey = "adminSubject"

// AdminJWT guards the admin-only routes (search, statistics) with an
// HMAC-signed bearer token. An empty secret keeps the routes closed rather
// than open.
func AdminJWT(secret string) func(http.Handler) http.Handler {
	keyFunc := func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				unauthorized(w, "admin access is not configured")
				return
			}
			raw, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}
			claims := jwt.RegisteredClaims{}
			token, err := parser.ParseWithClaims(raw, &claims, keyFunc)
			if err != nil || !token.Valid {
				unauthorized(w, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), adminSubjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminSubject returns the authenticated admin token's subject, when the
// request passed through AdminJWT.
func AdminSubject(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(adminSubjectKey).(string)
	return subject, ok
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(auth, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

func unauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}
