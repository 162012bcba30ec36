package session

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewManager(client), mr
}

func TestRegisterAndCount(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	camID := uuid.New()

	require.NoError(t, m.Register(ctx, camID, "main", "sess-1"))
	require.NoError(t, m.Register(ctx, camID, "main", "sess-2"))
	require.NoError(t, m.Register(ctx, camID, "sub", "sess-3"))

	n, err := m.ActiveViewers(ctx, camID, "main")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = m.ActiveViewers(ctx, camID, "sub")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestDeregister(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	camID := uuid.New()

	require.NoError(t, m.Register(ctx, camID, "main", "sess-1"))
	require.NoError(t, m.Deregister(ctx, "sess-1"))

	n, err := m.ActiveViewers(ctx, camID, "main")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestTouchUnknownSession(t *testing.T) {
	m, _ := testManager(t)
	err := m.Touch(context.Background(), "ghost")
	require.ErrorIs(t, err, redis.Nil)
}

func TestExpiredViewersPruned(t *testing.T) {
	m, mr := testManager(t)
	ctx := context.Background()
	camID := uuid.New()

	require.NoError(t, m.Register(ctx, camID, "main", "sess-1"))
	mr.FastForward(ViewerTTL + 1)

	n, err := m.ActiveViewers(ctx, camID, "main")
	require.NoError(t, err)
	require.Zero(t, n)
}
