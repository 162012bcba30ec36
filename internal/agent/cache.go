package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-cctv/internal/data"
)

// Cache mirrors the agent's assigned cameras and schedules. It backs
// the schedule engine, so camera or network loss never stalls a tick:
// the engine keeps running on the last good sync.
type Cache struct {
	client *Client
	log    zerolog.Logger

	mu        sync.RWMutex
	cameras   map[uuid.UUID]*data.Camera
	schedules map[uuid.UUID]*data.Schedule
	lastSync  time.Time
}

func NewCache(client *Client, log zerolog.Logger) *Cache {
	return &Cache{
		client:    client,
		log:       log.With().Str("component", "cache").Logger(),
		cameras:   make(map[uuid.UUID]*data.Camera),
		schedules: make(map[uuid.UUID]*data.Schedule),
	}
}

// Sync pulls cameras and schedule deltas. Camera sync is a full
// replace; schedule sync is incremental on updated_at.
func (c *Cache) Sync(ctx context.Context) error {
	cams, err := c.client.Cameras(ctx)
	if err != nil {
		return err
	}

	c.mu.RLock()
	lastSync := c.lastSync
	c.mu.RUnlock()

	schedules, serverTime, err := c.client.Schedules(ctx, lastSync)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cameras = make(map[uuid.UUID]*data.Camera, len(cams))
	for _, cam := range cams {
		c.cameras[cam.ID] = cam
	}
	for _, s := range schedules {
		c.schedules[s.ID] = s
	}
	// Drop schedules whose camera is no longer assigned.
	for id, s := range c.schedules {
		if _, ok := c.cameras[s.CameraID]; !ok {
			delete(c.schedules, id)
		}
	}
	c.lastSync = serverTime

	c.log.Debug().
		Int("cameras", len(c.cameras)).
		Int("schedules", len(c.schedules)).
		Msg("synced")
	return nil
}

// List implements schedule.ScheduleStore over the mirror.
func (c *Cache) List(_ context.Context, filter data.ScheduleFilter) ([]*data.Schedule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*data.Schedule
	for _, s := range c.schedules {
		if filter.CameraID != nil && s.CameraID != *filter.CameraID {
			continue
		}
		if filter.IsActive != nil && s.IsActive != *filter.IsActive {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *Cache) GetByID(_ context.Context, id uuid.UUID) (*data.Schedule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schedules[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	return s, nil
}

// SetActive flips the mirrored row. The authoritative flip happens on
// the server: for fired once schedules its hourly sweep deactivates
// the row, and the next incremental sync confirms it here.
func (c *Cache) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.schedules[id]
	if !ok {
		return data.ErrRecordNotFound
	}
	s.IsActive = active
	return nil
}

// Camera implements schedule.CameraGetter.
func (c *Cache) Camera(_ context.Context, id uuid.UUID) (*data.Camera, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cam, ok := c.cameras[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	return cam, nil
}

// Cameras returns the current assignment set.
func (c *Cache) Cameras() []*data.Camera {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*data.Camera, 0, len(c.cameras))
	for _, cam := range c.cameras {
		out = append(out, cam)
	}
	return out
}

// cameraGetter adapts Cache to the schedule engine's interface name.
type cameraGetter struct{ cache *Cache }

func (g cameraGetter) GetByID(ctx context.Context, id uuid.UUID) (*data.Camera, error) {
	return g.cache.Camera(ctx, id)
}
