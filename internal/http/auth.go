package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/inspection-dispatch/internal/apperr"
)

const (
	RoleClient = "client"
	RoleDriver = "driver"
	RoleAdmin  = "admin"
)

type contextKey string

const (
	userIDKey contextKey = "user-id"
	roleKey   contextKey = "role"
)

// authMiddleware validates the bearer token and stashes {sub, role}
// in the request context. Role enforcement happens in requireRole so
// each route names its allowed roles exactly once.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			s.writeError(w, r, apperr.New(apperr.CodeUnauthorized, "missing bearer token"))
			return
		}
		raw := strings.TrimPrefix(auth, "Bearer ")

		tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, apperr.New(apperr.CodeUnauthorized, "unexpected signing method")
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !tok.Valid {
			s.writeError(w, r, apperr.New(apperr.CodeUnauthorized, "invalid token"))
			return
		}
		claims, ok := tok.Claims.(jwt.MapClaims)
		if !ok {
			s.writeError(w, r, apperr.New(apperr.CodeUnauthorized, "invalid claims"))
			return
		}
		sub, _ := claims["sub"].(string)
		role, _ := claims["role"].(string)
		if sub == "" || role == "" {
			s.writeError(w, r, apperr.New(apperr.CodeUnauthorized, "token missing sub or role"))
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, sub)
		ctx = context.WithValue(ctx, roleKey, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole is the single authorization check every engine
// operation goes through.
func (s *Server) requireRole(h http.HandlerFunc, roles ...string) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowed[roleFromContext(r.Context())] {
			s.writeError(w, r, apperr.New(apperr.CodeForbidden, "role not permitted for this operation"))
			return
		}
		h(w, r)
	})
}

func userIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

func roleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(roleKey).(string); ok {
		return v
	}
	return ""
}
