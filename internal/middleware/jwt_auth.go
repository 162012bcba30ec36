package middleware

import (
	"net/http"
	"strings"

	"github.com/technosupport/ts-cctv/internal/tokens"
)

type TokenValidator interface {
	ValidateToken(tokenString string) (*tokens.Claims, error)
}

type JWTAuth struct {
	tokens TokenValidator
}

func NewJWTAuth(t TokenValidator) *JWTAuth {
	return &JWTAuth{tokens: t}
}

// Middleware verifies the access token and injects the Principal.
func (m *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := m.tokens.ValidateToken(token)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if claims.TokenType != tokens.Access {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := WithPrincipal(r.Context(), &Principal{
			UserID:  claims.UserID,
			Role:    claims.Role,
			TokenID: claims.ID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a subtree to one of the given roles. Admin always
// passes.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := GetPrincipal(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if p.Role == tokens.RoleAdmin {
				next.ServeHTTP(w, r)
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "Forbidden", http.StatusForbidden)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}
