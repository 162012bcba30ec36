package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-cctv/internal/data"
	"github.com/technosupport/ts-cctv/internal/record"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeScheduleStore struct {
	mu        sync.Mutex
	schedules map[uuid.UUID]*data.Schedule
}

func newFakeScheduleStore(schedules ...*data.Schedule) *fakeScheduleStore {
	s := &fakeScheduleStore{schedules: make(map[uuid.UUID]*data.Schedule)}
	for _, sc := range schedules {
		s.schedules[sc.ID] = sc
	}
	return s
}

func (s *fakeScheduleStore) List(_ context.Context, filter data.ScheduleFilter) ([]*data.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*data.Schedule
	for _, sc := range s.schedules {
		if filter.IsActive != nil && sc.IsActive != *filter.IsActive {
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

func (s *fakeScheduleStore) GetByID(_ context.Context, id uuid.UUID) (*data.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.schedules[id]; ok {
		return sc, nil
	}
	return nil, data.ErrRecordNotFound
}

func (s *fakeScheduleStore) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return data.ErrRecordNotFound
	}
	sc.IsActive = active
	return nil
}

type fakeCameraGetter struct {
	cams map[uuid.UUID]*data.Camera
}

func (g *fakeCameraGetter) GetByID(_ context.Context, id uuid.UUID) (*data.Camera, error) {
	if c, ok := g.cams[id]; ok {
		return c, nil
	}
	return nil, data.ErrRecordNotFound
}

type startCall struct {
	cameraID uuid.UUID
	params   record.Params
}

type fakeRecorder struct {
	mu       sync.Mutex
	calls    []startCall
	busy     map[uuid.UUID]bool
	failWith error
}

func (r *fakeRecorder) Start(_ context.Context, cam *data.Camera, params record.Params) (*data.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	r.calls = append(r.calls, startCall{cameraID: cam.ID, params: params})
	return &data.Recording{ID: uuid.New(), CameraID: cam.ID}, nil
}

func (r *fakeRecorder) Recording(cameraID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy[cameraID]
}

func (r *fakeRecorder) Calls() []startCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]startCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func testEngine(t *testing.T, clock Clock, schedules *fakeScheduleStore, cams *fakeCameraGetter, rec *fakeRecorder) *Engine {
	t.Helper()
	return NewEngine(schedules, cams, rec, Options{Clock: clock, RecordingMode: data.RecordingModeServer}, zerolog.Nop())
}

func dailySchedule(camID uuid.UUID, start, end data.TimeOfDay) *data.Schedule {
	return &data.Schedule{
		ID:        uuid.New(),
		CameraID:  camID,
		Name:      "office hours",
		Kind:      data.ScheduleDaily,
		StartTime: start,
		EndTime:   end,
		IsActive:  true,
	}
}

func serverCamera() *data.Camera {
	return &data.Camera{
		ID:            uuid.New(),
		Name:          "lobby",
		RTSPURL:       "rtsp://10.0.0.5:554/stream",
		RecordingMode: data.RecordingModeServer,
		IsActive:      true,
	}
}

func TestOccurrenceWithinDaily(t *testing.T) {
	s := dailySchedule(uuid.New(), "08:00:00", "17:00:00")

	now := time.Date(2026, 3, 10, 8, 2, 0, 0, time.UTC)
	at, ok := OccurrenceWithin(s, now, MisfireGrace)
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC), at)

	// Past the grace window nothing fires.
	_, ok = OccurrenceWithin(s, now.Add(10*time.Minute), MisfireGrace)
	require.False(t, ok)

	// Before the start nothing fires.
	_, ok = OccurrenceWithin(s, now.Add(-10*time.Minute), MisfireGrace)
	require.False(t, ok)
}

func TestOccurrenceWithinDailyAcrossMidnight(t *testing.T) {
	s := dailySchedule(uuid.New(), "23:58:00", "06:00:00")

	// Just after midnight the previous day's start is still in grace.
	now := time.Date(2026, 3, 11, 0, 1, 0, 0, time.UTC)
	at, ok := OccurrenceWithin(s, now, MisfireGrace)
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 3, 10, 23, 58, 0, 0, time.UTC), at)
}

func TestOccurrenceWithinOnce(t *testing.T) {
	day := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := &data.Schedule{
		ID:        uuid.New(),
		Kind:      data.ScheduleOnce,
		StartTime: "12:00:00",
		EndTime:   "13:00:00",
		StartDate: &day,
		IsActive:  true,
	}

	at, ok := OccurrenceWithin(s, day.Add(12*time.Hour+30*time.Second), MisfireGrace)
	require.True(t, ok)
	require.Equal(t, day.Add(12*time.Hour), at)

	// Wrong day.
	_, ok = OccurrenceWithin(s, day.AddDate(0, 0, 1).Add(12*time.Hour), MisfireGrace)
	require.False(t, ok)
}

func TestOccurrenceWithinWeekly(t *testing.T) {
	s := &data.Schedule{
		ID:        uuid.New(),
		Kind:      data.ScheduleWeekly,
		StartTime: "09:00:00",
		EndTime:   "10:00:00",
		Weekdays:  []string{"tuesday"},
		IsActive:  true,
	}

	tuesday := time.Date(2026, 3, 10, 9, 1, 0, 0, time.UTC)
	require.Equal(t, time.Tuesday, tuesday.Weekday())
	_, ok := OccurrenceWithin(s, tuesday, MisfireGrace)
	require.True(t, ok)

	wednesday := tuesday.AddDate(0, 0, 1)
	_, ok = OccurrenceWithin(s, wednesday, MisfireGrace)
	require.False(t, ok)
}

func TestScheduleDurationWraps(t *testing.T) {
	s := dailySchedule(uuid.New(), "22:00:00", "06:00:00")
	d, err := s.Duration()
	require.NoError(t, err)
	require.Equal(t, 8*time.Hour, d)
}

func TestTickFiresOncePerOccurrence(t *testing.T) {
	cam := serverCamera()
	s := dailySchedule(cam.ID, "08:00:00", "09:00:00")
	schedules := newFakeScheduleStore(s)
	cams := &fakeCameraGetter{cams: map[uuid.UUID]*data.Camera{cam.ID: cam}}
	rec := &fakeRecorder{busy: map[uuid.UUID]bool{}}

	clock := &fakeClock{now: time.Date(2026, 3, 10, 8, 0, 10, 0, time.UTC)}
	engine := testEngine(t, clock, schedules, cams, rec)

	engine.Tick(context.Background())
	engine.Tick(context.Background())
	clock.Advance(time.Minute)
	engine.Tick(context.Background())

	calls := rec.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, cam.ID, calls[0].cameraID)
	require.NotNil(t, calls[0].params.ScheduleID)
	require.Equal(t, s.ID, *calls[0].params.ScheduleID)
	require.Contains(t, calls[0].params.Name, "SCHEDULED - office hours")

	// The session ends at the scheduled end regardless of fire lag.
	require.InDelta(t, (time.Hour - 10*time.Second).Seconds(), calls[0].params.Duration.Seconds(), 1)
}

func TestTickSkipsBusyCamera(t *testing.T) {
	cam := serverCamera()
	s := dailySchedule(cam.ID, "08:00:00", "09:00:00")
	schedules := newFakeScheduleStore(s)
	cams := &fakeCameraGetter{cams: map[uuid.UUID]*data.Camera{cam.ID: cam}}
	rec := &fakeRecorder{busy: map[uuid.UUID]bool{cam.ID: true}}

	clock := &fakeClock{now: time.Date(2026, 3, 10, 8, 0, 10, 0, time.UTC)}
	testEngine(t, clock, schedules, cams, rec).Tick(context.Background())

	require.Empty(t, rec.Calls())
}

func TestTickContinuousRefiresAfterBusyBoundary(t *testing.T) {
	cam := serverCamera()
	s := &data.Schedule{
		ID:        uuid.New(),
		CameraID:  cam.ID,
		Name:      "front door",
		Kind:      data.ScheduleContinuous,
		StartTime: "00:00:00",
		EndTime:   "23:59:59",
		IsActive:  true,
	}
	schedules := newFakeScheduleStore(s)
	cams := &fakeCameraGetter{cams: map[uuid.UUID]*data.Camera{cam.ID: cam}}
	rec := &fakeRecorder{busy: map[uuid.UUID]bool{}}

	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 5, 0, time.UTC)}
	engine := testEngine(t, clock, schedules, cams, rec)

	engine.Tick(context.Background())
	require.Len(t, rec.Calls(), 1)

	// The next chunk boundary arrives while the previous chunk is still
	// tearing down.
	rec.mu.Lock()
	rec.busy[cam.ID] = true
	rec.mu.Unlock()
	clock.Advance(time.Hour)
	engine.Tick(context.Background())
	require.Len(t, rec.Calls(), 1)

	// Once the camera frees, the deferred occurrence fires on the next
	// tick instead of waiting a full hour.
	rec.mu.Lock()
	rec.busy[cam.ID] = false
	rec.mu.Unlock()
	clock.Advance(30 * time.Second)
	engine.Tick(context.Background())

	calls := rec.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, cam.ID, calls[1].cameraID)
	require.Equal(t, ContinuousChunk, calls[1].params.Duration)
}

func TestTickSkipsForeignRecordingMode(t *testing.T) {
	cam := serverCamera()
	cam.RecordingMode = data.RecordingModeLocalClient
	s := dailySchedule(cam.ID, "08:00:00", "09:00:00")
	schedules := newFakeScheduleStore(s)
	cams := &fakeCameraGetter{cams: map[uuid.UUID]*data.Camera{cam.ID: cam}}
	rec := &fakeRecorder{busy: map[uuid.UUID]bool{}}

	clock := &fakeClock{now: time.Date(2026, 3, 10, 8, 0, 10, 0, time.UTC)}
	testEngine(t, clock, schedules, cams, rec).Tick(context.Background())

	require.Empty(t, rec.Calls())
}

func TestOnceScheduleDeactivatedAfterFire(t *testing.T) {
	cam := serverCamera()
	day := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := &data.Schedule{
		ID:        uuid.New(),
		CameraID:  cam.ID,
		Name:      "maintenance window",
		Kind:      data.ScheduleOnce,
		StartTime: "12:00:00",
		EndTime:   "13:00:00",
		StartDate: &day,
		IsActive:  true,
	}
	schedules := newFakeScheduleStore(s)
	cams := &fakeCameraGetter{cams: map[uuid.UUID]*data.Camera{cam.ID: cam}}
	rec := &fakeRecorder{busy: map[uuid.UUID]bool{}}

	clock := &fakeClock{now: day.Add(12*time.Hour + 5*time.Second)}
	testEngine(t, clock, schedules, cams, rec).Tick(context.Background())

	require.Len(t, rec.Calls(), 1)
	got, err := schedules.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
}
