// Package session tracks live viewers in Redis so viewer counts
// survive a server restart and can be shared across replicas.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ViewerTTL is how long a viewer stays counted without a touch. The
// MJPEG handler touches its session as long as the client reads.
const ViewerTTL = 2 * time.Minute

type Manager struct {
	client *redis.Client
}

func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client}
}

func viewersKey(cameraID uuid.UUID, quality string) string {
	return fmt.Sprintf("viewers:%s:%s", cameraID, quality)
}

func viewerKey(sessionID string) string {
	return fmt.Sprintf("viewer:%s", sessionID)
}

// Register adds a viewer session for a camera stream.
func (m *Manager) Register(ctx context.Context, cameraID uuid.UUID, quality, sessionID string) error {
	now := float64(time.Now().Unix())
	setKey := viewersKey(cameraID, quality)

	pipe := m.client.Pipeline()
	pipe.ZAdd(ctx, setKey, redis.Z{Score: now, Member: sessionID})
	pipe.Expire(ctx, setKey, ViewerTTL)
	pipe.HSet(ctx, viewerKey(sessionID),
		"camera_id", cameraID.String(),
		"quality", quality,
		"started_at", now)
	pipe.Expire(ctx, viewerKey(sessionID), ViewerTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes a session's liveness.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	fields, err := m.client.HGetAll(ctx, viewerKey(sessionID)).Result()
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return redis.Nil
	}
	cameraID, err := uuid.Parse(fields["camera_id"])
	if err != nil {
		return err
	}
	setKey := viewersKey(cameraID, fields["quality"])

	now := float64(time.Now().Unix())
	pipe := m.client.Pipeline()
	pipe.ZAdd(ctx, setKey, redis.Z{Score: now, Member: sessionID})
	pipe.Expire(ctx, setKey, ViewerTTL)
	pipe.Expire(ctx, viewerKey(sessionID), ViewerTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Deregister removes a viewer session.
func (m *Manager) Deregister(ctx context.Context, sessionID string) error {
	fields, err := m.client.HGetAll(ctx, viewerKey(sessionID)).Result()
	if err != nil {
		return err
	}

	pipe := m.client.Pipeline()
	pipe.Del(ctx, viewerKey(sessionID))
	if id, ok := fields["camera_id"]; ok {
		if cameraID, err := uuid.Parse(id); err == nil {
			pipe.ZRem(ctx, viewersKey(cameraID, fields["quality"]), sessionID)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ActiveViewers prunes expired members and returns the live count for
// a camera stream.
func (m *Manager) ActiveViewers(ctx context.Context, cameraID uuid.UUID, quality string) (int64, error) {
	setKey := viewersKey(cameraID, quality)
	cutoff := float64(time.Now().Add(-ViewerTTL).Unix())

	pipe := m.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, setKey, "0", fmt.Sprintf("%f", cutoff))
	card := pipe.ZCard(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}
