package middleware

import (
	"context"

	"github.com/technosupport/ts-cctv/internal/data"
)

type contextKey string

const (
	principalKey contextKey = "principal"
	agentKey     contextKey = "agent"
)

// Principal is the authenticated operator behind a request.
type Principal struct {
	UserID  string
	Role    string
	TokenID string
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func GetPrincipal(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// WithAgent stores the authenticated agent client on the context.
func WithAgent(ctx context.Context, a *data.AgentClient) context.Context {
	return context.WithValue(ctx, agentKey, a)
}

func GetAgent(ctx context.Context) (*data.AgentClient, bool) {
	a, ok := ctx.Value(agentKey).(*data.AgentClient)
	return a, ok
}
