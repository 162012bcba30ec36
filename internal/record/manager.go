// Package record drives capture-to-file sessions. The Manager is
// shared between the central server and the remote agent: each side
// supplies its own RecordingStore, so the capture loop is written once.
package record

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/technosupport/ts-cctv/internal/capture"
	"github.com/technosupport/ts-cctv/internal/data"
)

const (
	// WriteFailureLimit aborts a session after this many consecutive
	// failed frame reads or writes.
	WriteFailureLimit = 30

	// DefaultFPS is used when the camera reports nothing usable.
	DefaultFPS = 25

	// ScheduledPrefix marks files created by the scheduler rather than
	// an operator.
	ScheduledPrefix = "SCHEDULED_"

	frameLogCadence = 100

	readTimeout = 2 * time.Second
)

var (
	ErrAlreadyRecording  = errors.New("record: camera already recording")
	ErrNotRecording      = errors.New("record: camera not recording")
	ErrTooManyRecordings = errors.New("record: concurrent recording limit reached")
)

// RecordingStore persists session rows. The central server backs it
// with Postgres; the agent backs it with the upstream protocol.
type RecordingStore interface {
	Create(ctx context.Context, r *data.Recording) error
	Update(ctx context.Context, r *data.Recording) error
	ActiveForCamera(ctx context.Context, cameraID uuid.UUID) (*data.Recording, error)
}

// Notifier receives lifecycle events. Implementations must not block.
type Notifier interface {
	RecordingEvent(ctx context.Context, event string, rec *data.Recording)
}

// Lifecycle event names.
const (
	EventStarted   = "recording.started"
	EventCompleted = "recording.completed"
	EventFailed    = "recording.failed"
	EventStopped   = "recording.stopped"
)

type noopNotifier struct{}

func (noopNotifier) RecordingEvent(context.Context, string, *data.Recording) {}

// Params describe one requested session.
type Params struct {
	// Name becomes part of the file name after sanitisation.
	Name string
	// Duration bounds the session. Zero records until stopped.
	Duration time.Duration
	// ScheduleID links scheduler-initiated sessions to their schedule.
	ScheduleID *uuid.UUID
	// Quality selects the stream tier.
	Quality string
	// RecordedBy tags agent-recorded sessions with the client name.
	RecordedBy string
	// CreatedBy is the requesting principal, empty for the scheduler.
	CreatedBy string
}

// Options configure a Manager.
type Options struct {
	FFmpegBin     string
	BaseDir       string
	MaxWidth      int
	MaxHeight     int
	MaxConcurrent int
	// CompletedBuffer sizes the hand-off channel to the uploader.
	CompletedBuffer int
}

type session struct {
	rec    *data.Recording
	cancel context.CancelFunc
	done   chan struct{}
	// stopped is set when the session ended via an explicit stop
	// rather than budget expiry or failure.
	stopped atomic.Bool
}

// Manager owns all running sessions, at most one per camera.
type Manager struct {
	store    RecordingStore
	selector *capture.CodecSelector
	prober   *capture.Prober
	notify   Notifier
	opts     Options
	log      zerolog.Logger

	sem       *semaphore.Weighted
	completed chan *data.Recording

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

func NewManager(store RecordingStore, notify Notifier, opts Options, log zerolog.Logger) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.CompletedBuffer <= 0 {
		opts.CompletedBuffer = 64
	}
	if notify == nil {
		notify = noopNotifier{}
	}
	log = log.With().Str("component", "record").Logger()
	return &Manager{
		store:     store,
		selector:  capture.NewCodecSelector(opts.FFmpegBin, log),
		prober:    &capture.Prober{FFmpegBin: opts.FFmpegBin, Log: log},
		notify:    notify,
		opts:      opts,
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		completed: make(chan *data.Recording, opts.CompletedBuffer),
		sessions:  make(map[uuid.UUID]*session),
	}
}

// Completed delivers finished recordings to the upload pipeline.
func (m *Manager) Completed() <-chan *data.Recording { return m.completed }

// SanitizeName keeps letters, digits, spaces, dashes and underscores.
// Anything else is stripped; a name reduced to nothing falls back to a
// camera-derived default.
func SanitizeName(name string, cameraID uuid.UUID) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "Camera_" + cameraID.String()[:8]
	}
	return out
}

// filePath builds the destination path for a session.
func (m *Manager) filePath(cam *data.Camera, params Params, ext string, now time.Time) string {
	name := SanitizeName(params.Name, cam.ID)
	if params.ScheduleID != nil {
		name = ScheduledPrefix + name
	}
	file := fmt.Sprintf("%s_%s%s", name, now.Format("20060102_150405"), ext)
	return filepath.Join(m.opts.BaseDir, "recordings", cam.ID.String(), file)
}

// Start begins a session for the camera. A camera records at most one
// session at a time; a second request fails with ErrAlreadyRecording.
// Unreachable cameras produce a failed recording row so the attempt is
// visible.
func (m *Manager) Start(ctx context.Context, cam *data.Camera, params Params) (*data.Recording, error) {
	m.mu.Lock()
	if _, ok := m.sessions[cam.ID]; ok {
		m.mu.Unlock()
		return nil, ErrAlreadyRecording
	}
	// Reserve the slot before the slow probe so concurrent requests
	// for the same camera fail fast.
	m.sessions[cam.ID] = nil
	m.mu.Unlock()

	rec, err := m.start(ctx, cam, params)
	if err != nil {
		m.mu.Lock()
		if m.sessions[cam.ID] == nil {
			delete(m.sessions, cam.ID)
		}
		m.mu.Unlock()
		return rec, err
	}
	return rec, nil
}

func (m *Manager) start(ctx context.Context, cam *data.Camera, params Params) (*data.Recording, error) {
	if active, err := m.store.ActiveForCamera(ctx, cam.ID); err == nil && active != nil {
		return nil, ErrAlreadyRecording
	} else if err != nil && !errors.Is(err, data.ErrRecordNotFound) {
		return nil, err
	}

	if !m.sem.TryAcquire(1) {
		return nil, ErrTooManyRecordings
	}

	url := cam.ResolveURL(params.Quality)
	now := time.Now()

	res := m.prober.Probe(ctx, url)
	if !res.Reachable {
		m.sem.Release(1)
		rec := &data.Recording{
			CameraID:     cam.ID,
			ScheduleID:   params.ScheduleID,
			Name:         SanitizeName(params.Name, cam.ID),
			StartedAt:    now,
			Status:       data.RecordingFailed,
			ErrorMessage: "camera unreachable: " + res.LastError,
			RecordedBy:   params.RecordedBy,
			CreatedBy:    params.CreatedBy,
		}
		if err := m.store.Create(ctx, rec); err != nil {
			m.log.Error().Err(err).Str("camera_id", cam.ID.String()).Msg("persist failed recording")
		}
		m.notify.RecordingEvent(ctx, EventFailed, rec)
		return rec, capture.ErrCameraOffline
	}

	fps := float64(DefaultFPS)
	candidates := m.selector.Candidates(res.Width, res.Height, fps)

	runCtx, cancel := context.WithCancel(context.Background())
	source, err := capture.OpenSource(runCtx, url, capture.SourceOptions{
		FFmpegBin: m.opts.FFmpegBin,
		MaxWidth:  m.opts.MaxWidth,
		MaxHeight: m.opts.MaxHeight,
	}, m.log)
	if err != nil {
		cancel()
		m.sem.Release(1)
		return nil, err
	}

	// A codec that probed fine can still refuse the real writer; walk
	// the candidate list until one opens.
	var (
		writer    *capture.Writer
		choice    capture.CodecChoice
		finalPath string
	)
	for _, c := range candidates {
		path := m.filePath(cam, params, c.Extension, now)
		if err = capture.EnsureDir(path); err != nil {
			err = fmt.Errorf("record: create directory: %w", err)
			break
		}
		writer, err = capture.NewWriter(m.opts.FFmpegBin, path+capture.PartSuffix, c.Codec, fps)
		if err == nil {
			choice, finalPath = c, path
			break
		}
		m.log.Warn().Err(err).
			Str("camera_id", cam.ID.String()).
			Str("codec", c.Codec).
			Msg("writer open failed, trying next codec")
	}
	if writer == nil {
		cancel()
		source.Stop()
		m.sem.Release(1)
		return nil, err
	}

	rec := &data.Recording{
		CameraID:    cam.ID,
		ScheduleID:  params.ScheduleID,
		Name:        SanitizeName(params.Name, cam.ID),
		FilePath:    finalPath,
		StorageType: data.StorageLocal,
		StartedAt:   now,
		Status:      data.RecordingActive,
		Resolution:  fmt.Sprintf("%dx%d", res.Width, res.Height),
		FrameRate:   fps,
		Codec:       choice.Codec,
		RecordedBy:  params.RecordedBy,
		CreatedBy:   params.CreatedBy,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		cancel()
		source.Stop()
		writer.Close()
		os.Remove(finalPath + capture.PartSuffix)
		m.sem.Release(1)
		return nil, fmt.Errorf("record: persist recording: %w", err)
	}

	s := &session{rec: rec, cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.sessions[cam.ID] = s
	m.mu.Unlock()

	m.log.Info().
		Str("camera_id", cam.ID.String()).
		Str("recording_id", rec.ID.String()).
		Str("codec", choice.Codec).
		Str("path", finalPath).
		Msg("recording started")
	m.notify.RecordingEvent(ctx, EventStarted, rec)

	go m.run(runCtx, s, cam.ID, source, writer, params.Duration)
	return rec, nil
}

// run is the capture loop. It drains frames into the writer until the
// budget expires, the session is stopped, or failures accumulate.
func (m *Manager) run(ctx context.Context, s *session, cameraID uuid.UUID,
	source *capture.Source, writer *capture.Writer, budget time.Duration) {

	defer close(s.done)
	defer m.sem.Release(1)

	var deadline time.Time
	if budget > 0 {
		deadline = s.rec.StartedAt.Add(budget)
	}

	failures := 0
	var failure error

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		default:
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break loop
		}

		frame, err := source.ReadFrame(readTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, capture.ErrSourceClosed) {
				break loop
			}
			failures++
			if failures >= WriteFailureLimit {
				failure = fmt.Errorf("record: %d consecutive read failures: %w", failures, err)
				break loop
			}
			continue
		}
		if !frame.Valid() {
			continue
		}
		if err := writer.WriteFrame(frame); err != nil {
			failures++
			if failures >= WriteFailureLimit {
				failure = fmt.Errorf("record: %d consecutive write failures: %w", failures, err)
				break loop
			}
			continue
		}
		failures = 0

		if n := writer.Frames(); n%frameLogCadence == 0 {
			m.log.Debug().
				Str("recording_id", s.rec.ID.String()).
				Int64("frames", n).
				Msg("recording progress")
		}
	}

	source.Stop()
	if err := writer.Close(); err != nil && failure == nil {
		failure = err
	}

	m.finish(s, cameraID, writer, failure)
}

// finish classifies the session and persists the outcome. Completed
// means the file holds real footage; anything undersized is failed and
// its file removed.
func (m *Manager) finish(s *session, cameraID uuid.UUID, writer *capture.Writer, failure error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec := s.rec
	ended := time.Now()
	rec.EndedAt = &ended
	rec.Duration = ended.Sub(rec.StartedAt).Seconds()
	rec.FramesWritten = writer.Frames()
	rec.FileSize = writer.FileSize()

	partPath := rec.FilePath + capture.PartSuffix
	complete := rec.FileSize > data.MinCompletedBytes && rec.FramesWritten > data.MinCompletedFrames

	if complete {
		if err := os.Rename(partPath, rec.FilePath); err != nil {
			m.log.Error().Err(err).Str("recording_id", rec.ID.String()).Msg("finalize recording file")
			complete = false
			failure = err
		}
	}

	event := EventCompleted
	switch {
	case complete && s.isStopped():
		rec.Status = data.RecordingStopped
		event = EventStopped
	case complete:
		rec.Status = data.RecordingCompleted
	default:
		rec.Status = data.RecordingFailed
		event = EventFailed
		if failure != nil {
			rec.ErrorMessage = failure.Error()
		} else {
			rec.ErrorMessage = fmt.Sprintf("insufficient footage: %d bytes, %d frames",
				rec.FileSize, rec.FramesWritten)
		}
		os.Remove(partPath)
		os.Remove(rec.FilePath)
		rec.FileSize = 0
	}

	rec.FrameRate = effectiveRate(rec.FrameRate, rec.FramesWritten, rec.Duration)

	if err := m.store.Update(ctx, rec); err != nil {
		m.log.Error().Err(err).Str("recording_id", rec.ID.String()).Msg("persist recording outcome")
	}

	m.mu.Lock()
	if current, ok := m.sessions[cameraID]; ok && current == s {
		delete(m.sessions, cameraID)
	}
	m.mu.Unlock()

	m.log.Info().
		Str("recording_id", rec.ID.String()).
		Str("status", rec.Status).
		Int64("frames", rec.FramesWritten).
		Int64("bytes", rec.FileSize).
		Float64("duration_s", rec.Duration).
		Msg("recording finished")
	m.notify.RecordingEvent(ctx, event, rec)

	if rec.Status == data.RecordingCompleted || rec.Status == data.RecordingStopped {
		select {
		case m.completed <- rec:
		default:
			m.log.Warn().Str("recording_id", rec.ID.String()).Msg("completed queue full, sync will pick it up")
		}
	}
}

// effectiveRate keeps the probed frame rate; the measured
// frames-over-duration ratio only stands in when the camera never
// reported one.
func effectiveRate(probed float64, frames int64, seconds float64) float64 {
	if probed > 0 {
		return probed
	}
	if frames > 0 && seconds > 0 {
		return float64(frames) / seconds
	}
	return probed
}

// Stop ends the camera's session and waits for the file to finalize.
func (m *Manager) Stop(ctx context.Context, cameraID uuid.UUID) (*data.Recording, error) {
	m.mu.Lock()
	s, ok := m.sessions[cameraID]
	if !ok || s == nil {
		m.mu.Unlock()
		return nil, ErrNotRecording
	}
	s.stopped.Store(true)
	m.mu.Unlock()

	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.rec, nil
}

// StopAll ends every session. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			s.stopped.Store(true)
			all = append(all, s)
		}
	}
	m.mu.Unlock()

	for _, s := range all {
		s.cancel()
		<-s.done
	}
}

// Recording reports whether the camera has a session in flight.
func (m *Manager) Recording(cameraID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[cameraID]
	return ok && s != nil
}

// Active returns the rows for all in-flight sessions.
func (m *Manager) Active() []*data.Recording {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*data.Recording
	for _, s := range m.sessions {
		if s != nil {
			out = append(out, s.rec)
		}
	}
	return out
}

func (s *session) isStopped() bool { return s.stopped.Load() }
