package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/cartapi"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
)

type subjectKey struct{}

// AuthConfig selects which bearer tokens are admitted. With neither field
// set any non-empty token passes.
type AuthConfig struct {
	Tokens    []string
	JWTSecret string
}

// BearerAuth rejects requests without an acceptable Authorization bearer
// token. A token from cfg.Tokens passes as is; an HS256 JWT signed with
// cfg.JWTSecret passes and binds the request to its subject.
func BearerAuth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			token = strings.TrimSpace(token)
			if !ok || token == "" {
				respondError(w, http.StatusUnauthorized, cartapi.CodeUnauthorized, "missing bearer token")
				return
			}

			switch {
			case knownToken(cfg.Tokens, token):
			case cfg.JWTSecret != "":
				subject, err := verifyJWT(token, cfg.JWTSecret)
				if err != nil {
					respondError(w, http.StatusUnauthorized, cartapi.CodeUnauthorized, "invalid bearer token")
					return
				}
				r = r.WithContext(context.WithValue(r.Context(), subjectKey{}, subject))
			case len(cfg.Tokens) > 0:
				respondError(w, http.StatusUnauthorized, cartapi.CodeUnauthorized, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func knownToken(tokens []string, token string) bool {
	for _, t := range tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

func verifyJWT(token, secret string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", jwt.ErrSignatureInvalid
	}
	return claims.Subject, nil
}

// subjectFrom returns the account a JWT caller is bound to, or "" for
// callers that are not bound to one.
func subjectFrom(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey{}).(string)
	return subject
}

// subjectAllows reports whether the caller may act on accountID.
func subjectAllows(ctx context.Context, accountID string) bool {
	subject := subjectFrom(ctx)
	return subject == "" || accountID == "" || subject == accountID
}

// RequestLogger logs one line per request once it has been served.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			log.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
