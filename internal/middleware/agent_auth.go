package middleware

import (
	"context"
	"net/http"

	"github.com/technosupport/ts-cctv/internal/data"
)

// AgentResolver maps a bearer token to an agent client row.
type AgentResolver interface {
	GetByToken(ctx context.Context, tokenPlain string) (*data.AgentClient, error)
}

type AgentAuth struct {
	agents AgentResolver
}

func NewAgentAuth(agents AgentResolver) *AgentAuth {
	return &AgentAuth{agents: agents}
}

// Middleware authenticates the /local-client surface. Every request
// must carry the agent's opaque bearer token.
func (m *AgentAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		agent, err := m.agents.GetByToken(r.Context(), token)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agent)))
	})
}
