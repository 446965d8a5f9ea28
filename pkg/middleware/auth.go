package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Auth verifies the bearer token issued by the identity provider and places
// the verified subject (user id) on the request context. Token issuance
// itself lives outside this service.
func Auth(jwtSecret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := verifyBearer(r, jwtSecret)
			if err != nil {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verifyBearer(r *http.Request, secret []byte) (string, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return "", errors.New("missing authorization header")
	}
	raw, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok {
		return "", errors.New("malformed authorization header")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token missing subject")
	}
	return sub, nil
}
