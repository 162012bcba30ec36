// Package schedule fires recordings from recording_schedules rows. The
// engine is storage-agnostic: the central server feeds it Postgres
// models, the remote agent feeds it a protocol-backed cache.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-cctv/internal/data"
	"github.com/technosupport/ts-cctv/internal/record"
)

const (
	// MisfireGrace is how late a trigger may fire. Older occurrences
	// are skipped; multiple missed occurrences coalesce into one.
	MisfireGrace = 300 * time.Second

	// ContinuousChunk bounds sessions started by continuous schedules
	// so no single file grows unbounded.
	ContinuousChunk = time.Hour

	// tickInterval is the engine's polling cadence.
	tickInterval = 15 * time.Second
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// ScheduleStore lists and mutates schedules.
type ScheduleStore interface {
	List(ctx context.Context, filter data.ScheduleFilter) ([]*data.Schedule, error)
	GetByID(ctx context.Context, id uuid.UUID) (*data.Schedule, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// CameraGetter resolves camera rows.
type CameraGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*data.Camera, error)
}

// Recorder starts sessions. Satisfied by record.Manager.
type Recorder interface {
	Start(ctx context.Context, cam *data.Camera, params record.Params) (*data.Recording, error)
	Recording(cameraID uuid.UUID) bool
}

// Options configure an Engine.
type Options struct {
	Clock Clock
	// RecordingMode limits the engine to cameras captured by this
	// process: "server" centrally, "local_client" on the agent.
	RecordingMode string
}

// Engine polls schedules and fires due occurrences at most once each.
type Engine struct {
	schedules ScheduleStore
	cameras   CameraGetter
	recorder  Recorder
	clock     Clock
	mode      string
	log       zerolog.Logger

	mu        sync.Mutex
	lastFired map[uuid.UUID]time.Time

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewEngine(schedules ScheduleStore, cameras CameraGetter, recorder Recorder, opts Options, log zerolog.Logger) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Engine{
		schedules: schedules,
		cameras:   cameras,
		recorder:  recorder,
		clock:     clock,
		mode:      opts.RecordingMode,
		log:       log.With().Str("component", "schedule").Logger(),
		lastFired: make(map[uuid.UUID]time.Time),
		quit:      make(chan struct{}),
	}
}

// Start launches the polling loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.quit:
				return
			case <-ticker.C:
				e.Tick(context.Background())
			}
		}
	}()
	e.log.Info().Msg("schedule engine started")
}

// Stop halts the loop and waits for it to exit.
func (e *Engine) Stop() {
	close(e.quit)
	e.wg.Wait()
}

// Tick evaluates every active schedule once. Exported so tests and the
// agent's sync loop can drive the engine directly.
func (e *Engine) Tick(ctx context.Context) {
	active := true
	schedules, err := e.schedules.List(ctx, data.ScheduleFilter{IsActive: &active})
	if err != nil {
		e.log.Error().Err(err).Msg("list schedules")
		return
	}

	now := e.clock.Now()
	for _, s := range schedules {
		runAt, ok := OccurrenceWithin(s, now, MisfireGrace)
		if !ok {
			continue
		}
		e.mu.Lock()
		last, fired := e.lastFired[s.ID]
		if fired && !last.Before(runAt) {
			e.mu.Unlock()
			continue
		}
		e.lastFired[s.ID] = runAt
		e.mu.Unlock()

		if !e.fire(ctx, s.ID, runAt, now) {
			// The occurrence was not consumed; keep it eligible for
			// retry on the next tick inside the grace window.
			e.mu.Lock()
			if fired {
				e.lastFired[s.ID] = last
			} else {
				delete(e.lastFired, s.ID)
			}
			e.mu.Unlock()
		}
	}

	e.gcFired(now)
}

// OccurrenceWithin returns the newest scheduled start inside
// (now-grace, now], if any. A window straddling midnight is handled by
// also testing the previous day.
func OccurrenceWithin(s *data.Schedule, now time.Time, grace time.Duration) (time.Time, bool) {
	start, err := s.StartTime.Parse()
	if err != nil {
		return time.Time{}, false
	}

	inWindow := func(at time.Time) bool {
		return !at.After(now) && now.Sub(at) <= grace
	}
	dayStart := func(day time.Time) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, now.Location()).Add(start)
	}

	switch s.Kind {
	case data.ScheduleOnce:
		if s.StartDate == nil {
			return time.Time{}, false
		}
		at := dayStart(*s.StartDate)
		if inWindow(at) {
			return at, true
		}
		return time.Time{}, false

	case data.ScheduleDaily:
		for _, day := range []time.Time{now, now.AddDate(0, 0, -1)} {
			if at := dayStart(day); inWindow(at) && withinDateRange(s, day) {
				return at, true
			}
		}
		return time.Time{}, false

	case data.ScheduleWeekly:
		for _, day := range []time.Time{now, now.AddDate(0, 0, -1)} {
			if !weekdayEnabled(s.Weekdays, day.Weekday()) {
				continue
			}
			if at := dayStart(day); inWindow(at) && withinDateRange(s, day) {
				return at, true
			}
		}
		return time.Time{}, false

	case data.ScheduleContinuous:
		// Continuous schedules fire at every chunk boundary so the
		// camera is always inside a bounded session.
		at := now.Truncate(ContinuousChunk)
		if withinDateRange(s, now) {
			return at, true
		}
		return time.Time{}, false
	}
	return time.Time{}, false
}

func withinDateRange(s *data.Schedule, day time.Time) bool {
	if s.StartDate != nil && day.Before(startOfDay(*s.StartDate)) {
		return false
	}
	if s.EndDate != nil && day.After(endOfDay(*s.EndDate)) {
		return false
	}
	return true
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}

func weekdayEnabled(weekdays []string, day time.Weekday) bool {
	// WeekdayNames is Monday-first; time.Weekday is Sunday-based.
	idx := (int(day) + 6) % 7
	name := data.WeekdayNames[idx]
	for _, d := range weekdays {
		if d == name {
			return true
		}
	}
	return false
}

// fire starts the recording for one due occurrence. The schedule is
// re-read first so edits or deletions between ticks win. The return
// value reports whether the occurrence was consumed: a busy camera or
// a transient store error leaves it open for retry within the grace
// window.
func (e *Engine) fire(ctx context.Context, scheduleID uuid.UUID, runAt, now time.Time) bool {
	s, err := e.schedules.GetByID(ctx, scheduleID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return true
		}
		e.log.Error().Err(err).Str("schedule_id", scheduleID.String()).Msg("reload schedule")
		return false
	}
	if !s.IsActive {
		return true
	}

	cam, err := e.cameras.GetByID(ctx, s.CameraID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return true
		}
		e.log.Error().Err(err).Str("schedule_id", s.ID.String()).Msg("load schedule camera")
		return false
	}
	if e.mode != "" && cam.RecordingMode != e.mode {
		return true
	}
	if !cam.IsActive {
		return true
	}
	if e.recorder.Recording(cam.ID) {
		e.log.Debug().Str("camera_id", cam.ID.String()).Msg("camera busy, occurrence deferred")
		return false
	}

	duration := ContinuousChunk
	if s.Kind != data.ScheduleContinuous {
		d, err := s.Duration()
		if err != nil {
			e.log.Error().Err(err).Str("schedule_id", s.ID.String()).Msg("schedule duration")
			return true
		}
		// A late fire still ends at the scheduled end time.
		duration = d - now.Sub(runAt)
		if duration <= 0 {
			return true
		}
	}

	name := fmt.Sprintf("SCHEDULED - %s - %s", s.Name, now.Format("2006-01-02 15:04"))
	_, err = e.recorder.Start(ctx, cam, record.Params{
		Name:       name,
		Duration:   duration,
		ScheduleID: &s.ID,
		Quality:    data.QualityMain,
	})
	if err != nil {
		if errors.Is(err, record.ErrAlreadyRecording) {
			return false
		}
		e.log.Error().Err(err).
			Str("schedule_id", s.ID.String()).
			Str("camera_id", cam.ID.String()).
			Msg("scheduled recording failed to start")
		return true
	}

	e.log.Info().
		Str("schedule_id", s.ID.String()).
		Str("camera_id", cam.ID.String()).
		Time("run_at", runAt).
		Msg("scheduled recording started")

	if s.Kind == data.ScheduleOnce {
		if err := e.schedules.SetActive(ctx, s.ID, false); err != nil && !errors.Is(err, data.ErrRecordNotFound) {
			e.log.Error().Err(err).Str("schedule_id", s.ID.String()).Msg("deactivate once schedule")
		}
	}
	return true
}

// gcFired drops bookkeeping for occurrences old enough to never match
// again.
func (e *Engine) gcFired(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	e.mu.Lock()
	for id, at := range e.lastFired {
		if at.Before(cutoff) {
			delete(e.lastFired, id)
		}
	}
	e.mu.Unlock()
}
