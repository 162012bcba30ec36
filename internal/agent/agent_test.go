package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-cctv/internal/data"
)

func testQueue(t *testing.T) *StatusQueue {
	t.Helper()
	q, err := NewStatusQueue(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return q
}

func TestStatusQueuePushDrainFIFO(t *testing.T) {
	q := testQueue(t)

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, q.Push(StatusUpdate{RecordingID: id, Status: data.RecordingCompleted}))
	}
	assert.Equal(t, 3, q.Len())

	var got []uuid.UUID
	n := q.Drain(context.Background(), func(_ context.Context, u StatusUpdate) error {
		got = append(got, u.RecordingID)
		return nil
	})

	assert.Equal(t, 3, n)
	assert.Equal(t, ids, got)
	assert.Equal(t, 0, q.Len())
}

func TestStatusQueueStopsAtFirstFailure(t *testing.T) {
	q := testQueue(t)

	first, second := uuid.New(), uuid.New()
	require.NoError(t, q.Push(StatusUpdate{RecordingID: first}))
	require.NoError(t, q.Push(StatusUpdate{RecordingID: second}))

	n := q.Drain(context.Background(), func(_ context.Context, u StatusUpdate) error {
		return errors.New("server down")
	})

	assert.Equal(t, 0, n)
	assert.Equal(t, 2, q.Len())

	// The failed head keeps its position and attempt count.
	entries, err := q.load()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first, entries[0].Update.RecordingID)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, 0, entries[1].Attempts)
}

func TestStatusQueueDropsAfterMaxAttempts(t *testing.T) {
	q := testQueue(t)
	require.NoError(t, q.Push(StatusUpdate{RecordingID: uuid.New()}))

	for i := 0; i < maxPushAttempts; i++ {
		q.Drain(context.Background(), func(context.Context, StatusUpdate) error {
			return errors.New("still down")
		})
	}
	assert.Equal(t, 0, q.Len())
}

func TestStatusQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	q1, err := NewStatusQueue(dir, zerolog.Nop())
	require.NoError(t, err)
	id := uuid.New()
	require.NoError(t, q1.Push(StatusUpdate{RecordingID: id}))

	q2, err := NewStatusQueue(dir, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, q2.Len())
}

func newTestServer(t *testing.T, cams []*data.Camera, schedules []*data.Schedule) (*httptest.Server, *string) {
	t.Helper()
	var lastSyncSeen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer agent-token" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/local-client/validate":
			json.NewEncoder(w).Encode(map[string]any{"agent_id": uuid.New(), "name": "gate-agent"})
		case "/local-client/cameras":
			json.NewEncoder(w).Encode(map[string]any{"cameras": cams, "count": len(cams)})
		case "/local-client/schedules":
			lastSyncSeen = r.URL.Query().Get("last_sync")
			json.NewEncoder(w).Encode(map[string]any{
				"schedules":   schedules,
				"count":       len(schedules),
				"server_time": time.Now().UTC().Format(time.RFC3339),
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &lastSyncSeen
}

func TestClientValidate(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	require.NoError(t, NewClient(srv.URL, "agent-token").Validate(context.Background()))
	assert.ErrorIs(t, NewClient(srv.URL, "wrong").Validate(context.Background()), ErrUnauthorized)
}

func TestCacheSync(t *testing.T) {
	cam := &data.Camera{ID: uuid.New(), Name: "gate", RecordingMode: data.RecordingModeLocalClient, IsActive: true}
	sched := &data.Schedule{
		ID:        uuid.New(),
		CameraID:  cam.ID,
		Name:      "night",
		Kind:      data.ScheduleDaily,
		StartTime: "22:00:00",
		EndTime:   "06:00:00",
		IsActive:  true,
	}
	srv, lastSyncSeen := newTestServer(t, []*data.Camera{cam}, []*data.Schedule{sched})

	cache := NewCache(NewClient(srv.URL, "agent-token"), zerolog.Nop())
	require.NoError(t, cache.Sync(context.Background()))

	// First sync is a full pull.
	assert.Empty(t, *lastSyncSeen)

	got, err := cache.GetByID(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "night", got.Name)

	camGot, err := cache.Camera(context.Background(), cam.ID)
	require.NoError(t, err)
	assert.Equal(t, "gate", camGot.Name)

	// Subsequent syncs pass the server time back as last_sync.
	require.NoError(t, cache.Sync(context.Background()))
	assert.NotEmpty(t, *lastSyncSeen)
}

func TestCacheDropsSchedulesOfUnassignedCameras(t *testing.T) {
	cam := &data.Camera{ID: uuid.New(), IsActive: true}
	orphan := &data.Schedule{ID: uuid.New(), CameraID: uuid.New(), IsActive: true}
	kept := &data.Schedule{ID: uuid.New(), CameraID: cam.ID, IsActive: true}
	srv, _ := newTestServer(t, []*data.Camera{cam}, []*data.Schedule{orphan, kept})

	cache := NewCache(NewClient(srv.URL, "agent-token"), zerolog.Nop())
	require.NoError(t, cache.Sync(context.Background()))

	_, err := cache.GetByID(context.Background(), orphan.ID)
	assert.ErrorIs(t, err, data.ErrRecordNotFound)
	_, err = cache.GetByID(context.Background(), kept.ID)
	assert.NoError(t, err)
}

type fakeObjStore struct {
	putKeys []string
}

func (f *fakeObjStore) Put(_ context.Context, key, _ string) error {
	f.putKeys = append(f.putKeys, key)
	return nil
}
func (f *fakeObjStore) Exists(context.Context, string) (bool, error) { return false, nil }
func (f *fakeObjStore) Size(context.Context, string) (int64, error)  { return 0, nil }
func (f *fakeObjStore) Delete(context.Context, string) error         { return nil }
func (f *fakeObjStore) URL(context.Context, string, bool, time.Duration) (string, error) {
	return "", nil
}
func (f *fakeObjStore) Enabled() bool { return true }

func TestUploaderStatusPushCarriesObjectKey(t *testing.T) {
	var got StatusUpdate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/local-client/recordings/status" {
			http.NotFound(w, r)
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	file := filepath.Join(dir, "Gate_20260310_120000.mp4")
	require.NoError(t, os.WriteFile(file, []byte("not really a video"), 0o644))

	store := &fakeObjStore{}
	u, err := NewUploader(store, NewClient(srv.URL, "agent-token"), testQueue(t), dir, zerolog.Nop())
	require.NoError(t, err)

	p := pendingUpload{
		RecordingID: uuid.New(),
		CameraID:    uuid.New(),
		FilePath:    file,
		QueuedAt:    time.Now(),
	}
	require.NoError(t, u.upload(context.Background(), p))

	key := u.ObjectKey(p)
	require.Equal(t, []string{key}, store.putKeys)

	// The push names the archived object so the server can flip the row
	// to cloud storage.
	assert.Equal(t, p.RecordingID, got.RecordingID)
	assert.Equal(t, data.RecordingCompleted, got.Status)
	assert.Equal(t, key, got.ObjectKey)
	assert.Equal(t, data.UploadCompleted, got.UploadStatus)
	assert.Equal(t, int64(len("not really a video")), got.FileSize)
}

func TestRemoteStoreTracksActive(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	queue := testQueue(t)
	store := NewRemoteStore(NewClient(srv.URL, "agent-token"), queue, zerolog.Nop())

	camID := uuid.New()
	rec := &data.Recording{CameraID: camID, Status: data.RecordingActive}
	require.NoError(t, store.Create(context.Background(), rec))
	assert.Equal(t, 1, store.ActiveCount())

	got, err := store.ActiveForCamera(context.Background(), camID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	// A terminal update clears the slot; the unreachable server routes
	// the push into the durable queue.
	rec.Status = data.RecordingCompleted
	require.NoError(t, store.Update(context.Background(), rec))
	assert.Equal(t, 0, store.ActiveCount())
	assert.Equal(t, 1, queue.Len())
}
