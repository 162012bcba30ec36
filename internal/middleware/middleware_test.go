package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-cctv/internal/data"
	"github.com/technosupport/ts-cctv/internal/ratelimit"
	"github.com/technosupport/ts-cctv/internal/tokens"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestJWTAuthAcceptsValidToken(t *testing.T) {
	mgr := tokens.NewManager("test-key")
	tok, err := mgr.GenerateAccessToken("op-1", tokens.RoleOperator)
	require.NoError(t, err)

	var seen *Principal
	handler := NewJWTAuth(mgr).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetPrincipal(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/cameras", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, seen)
	require.Equal(t, "op-1", seen.UserID)
	require.Equal(t, tokens.RoleOperator, seen.Role)
}

func TestJWTAuthRejects(t *testing.T) {
	mgr := tokens.NewManager("test-key")
	handler := NewJWTAuth(mgr).Middleware(okHandler())

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not.a.jwt"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/cameras", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			require.Equal(t, http.StatusUnauthorized, rr.Code)
		})
	}
}

func TestJWTAuthRejectsRefreshToken(t *testing.T) {
	mgr := tokens.NewManager("test-key")
	tok, err := mgr.GenerateRefreshToken("op-1", tokens.RoleOperator)
	require.NoError(t, err)

	handler := NewJWTAuth(mgr).Middleware(okHandler())
	req := httptest.NewRequest("GET", "/cameras", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(tokens.RoleOperator)(okHandler())

	run := func(role string) int {
		req := httptest.NewRequest("POST", "/cameras", nil)
		req = req.WithContext(WithPrincipal(req.Context(), &Principal{UserID: "u", Role: role}))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	require.Equal(t, http.StatusOK, run(tokens.RoleOperator))
	require.Equal(t, http.StatusOK, run(tokens.RoleAdmin))
	require.Equal(t, http.StatusForbidden, run(tokens.RoleViewer))

	// No principal at all.
	req := httptest.NewRequest("POST", "/cameras", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

type fakeAgentResolver struct {
	agent *data.AgentClient
}

func (f *fakeAgentResolver) GetByToken(_ context.Context, token string) (*data.AgentClient, error) {
	if f.agent != nil && token == "good-token" {
		return f.agent, nil
	}
	return nil, data.ErrRecordNotFound
}

func TestAgentAuth(t *testing.T) {
	agent := &data.AgentClient{Name: "branch-office"}
	var seen *data.AgentClient
	handler := NewAgentAuth(&fakeAgentResolver{agent: agent}).Middleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = GetAgent(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest("GET", "/local-client/schedules", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "branch-office", seen.Name)

	req = httptest.NewRequest("GET", "/local-client/schedules", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest("GET", "/local-client/schedules", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestGlobalLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	limiter := ratelimit.NewLimiter(client, "salt")
	mw := NewRateLimitMiddleware(limiter, ratelimit.LimitConfig{Rate: 2, Window: time.Minute}, zerolog.Nop())
	handler := mw.GlobalLimiter(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/cameras", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code, "request %d", i)
	}

	req := httptest.NewRequest("GET", "/cameras", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.NotEmpty(t, rr.Header().Get("Retry-After"))

	// A different client is unaffected.
	req = httptest.NewRequest("GET", "/cameras", nil)
	req.RemoteAddr = "10.9.9.9:5555"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}
