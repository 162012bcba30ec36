// Package stream owns the live MJPEG pipelines. One pipeline per
// (camera, quality) pair feeds an in-memory latest-frame slot that the
// HTTP layer and the recorder both read from.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/technosupport/ts-cctv/internal/capture"
	"github.com/technosupport/ts-cctv/internal/data"
)

const (
	// StreamFPS paces the shared reader. Viewers are fanned out from
	// the slot, so one decode serves any number of clients.
	StreamFPS = 25

	// FailureLimit tears a pipeline down after this many consecutive
	// failed reads.
	FailureLimit = 10

	// UnhealthyAfter marks a running pipeline unhealthy when no frame
	// arrived within the window.
	UnhealthyAfter = 30 * time.Second

	// recoverSettle gives the camera a moment between teardown and
	// reconnect.
	recoverSettle = 2 * time.Second

	flagTimeout = 5 * time.Second
)

// Health values reported per pipeline.
const (
	HealthInactive  = "inactive"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

var (
	ErrAlreadyStreaming = errors.New("stream: already streaming")
	ErrNotStreaming     = errors.New("stream: not streaming")
)

// CameraStore is the slice of the data layer the manager needs.
type CameraStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*data.Camera, error)
	SetRuntimeFlags(ctx context.Context, id uuid.UUID, online, streaming bool, status string) error
}

type streamKey struct {
	cameraID uuid.UUID
	quality  string
}

type pipeline struct {
	key    streamKey
	url    string
	source *capture.Source

	latest      atomic.Pointer[capture.Frame]
	lastFrameAt atomic.Int64 // unix nano

	viewers    int
	graceTimer *time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

// Options configure a Manager.
type Options struct {
	FFmpegBin string
	MaxWidth  int
	MaxHeight int
	// ViewerGrace delays teardown after the last viewer leaves. Zero
	// stops the pipeline immediately.
	ViewerGrace time.Duration
}

// Manager starts, serves and reaps live pipelines.
type Manager struct {
	store  CameraStore
	prober *capture.Prober
	opts   Options
	log    zerolog.Logger

	mu        sync.Mutex
	pipelines map[streamKey]*pipeline
}

func NewManager(store CameraStore, opts Options, log zerolog.Logger) *Manager {
	return &Manager{
		store:     store,
		prober:    &capture.Prober{FFmpegBin: opts.FFmpegBin, Log: log},
		opts:      opts,
		log:       log.With().Str("component", "stream").Logger(),
		pipelines: make(map[streamKey]*pipeline),
	}
}

func normalizeQuality(q string) string {
	if q == data.QualitySub {
		return data.QualitySub
	}
	return data.QualityMain
}

// Start brings up the pipeline for a camera and quality. Starting an
// already-running pipeline is an error so callers can report the
// conflict. The camera is probed first: an unreachable camera leaves
// its flags in the error state and no pipeline behind.
func (m *Manager) Start(ctx context.Context, cam *data.Camera, quality string) error {
	quality = normalizeQuality(quality)
	key := streamKey{cameraID: cam.ID, quality: quality}

	m.mu.Lock()
	if _, ok := m.pipelines[key]; ok {
		m.mu.Unlock()
		return ErrAlreadyStreaming
	}
	m.mu.Unlock()

	url := cam.ResolveURL(quality)
	if url == "" {
		return capture.ErrCameraOffline
	}

	res := m.prober.Probe(ctx, url)
	if !res.Reachable {
		m.setFlags(cam.ID, false, false, data.CameraStatusError)
		return capture.ErrCameraOffline
	}

	runCtx, cancel := context.WithCancel(context.Background())
	source, err := capture.OpenSource(runCtx, url, capture.SourceOptions{
		FFmpegBin: m.opts.FFmpegBin,
		MaxWidth:  m.opts.MaxWidth,
		MaxHeight: m.opts.MaxHeight,
		FPS:       StreamFPS,
	}, m.log)
	if err != nil {
		cancel()
		m.setFlags(cam.ID, false, false, data.CameraStatusError)
		return err
	}

	p := &pipeline{
		key:    key,
		url:    url,
		source: source,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if _, ok := m.pipelines[key]; ok {
		m.mu.Unlock()
		cancel()
		source.Stop()
		return ErrAlreadyStreaming
	}
	m.pipelines[key] = p
	m.mu.Unlock()

	m.setFlags(cam.ID, true, true, data.CameraStatusOK)
	m.log.Info().Str("camera_id", cam.ID.String()).Str("quality", quality).Msg("stream started")

	go m.run(runCtx, p)
	return nil
}

// run is the shared reader loop. It paces reads, refreshes the slot and
// tears the pipeline down after too many consecutive failures.
func (m *Manager) run(ctx context.Context, p *pipeline) {
	defer close(p.done)

	limiter := rate.NewLimiter(rate.Limit(StreamFPS), 1)
	failures := 0

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		frame, err := p.source.ReadFrame(capture.DefaultReadTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, capture.ErrSourceClosed) {
				return
			}
			failures++
			if failures >= FailureLimit {
				m.log.Warn().
					Str("camera_id", p.key.cameraID.String()).
					Str("quality", p.key.quality).
					Int("failures", failures).
					Msg("stream failed, tearing down")
				m.teardown(p, data.CameraStatusError)
				return
			}
			continue
		}
		failures = 0
		p.latest.Store(frame)
		p.lastFrameAt.Store(frame.Timestamp.UnixNano())
	}
}

// teardown removes the pipeline and records the camera state. Called
// from the reader loop on fatal failure.
func (m *Manager) teardown(p *pipeline, status string) {
	m.mu.Lock()
	if current, ok := m.pipelines[p.key]; ok && current == p {
		delete(m.pipelines, p.key)
	}
	m.mu.Unlock()

	p.cancel()
	p.source.Stop()

	online := status == data.CameraStatusOK
	m.setFlags(p.key.cameraID, online, false, status)
}

// Stop shuts one pipeline down. The camera stays online; only the
// streaming flag drops.
func (m *Manager) Stop(cameraID uuid.UUID, quality string) error {
	key := streamKey{cameraID: cameraID, quality: normalizeQuality(quality)}

	m.mu.Lock()
	p, ok := m.pipelines[key]
	if !ok {
		m.mu.Unlock()
		return ErrNotStreaming
	}
	delete(m.pipelines, key)
	if p.graceTimer != nil {
		p.graceTimer.Stop()
	}
	stillStreaming := m.streamingAnywhere(cameraID)
	m.mu.Unlock()

	p.cancel()
	p.source.Stop()
	<-p.done

	m.setFlags(cameraID, true, stillStreaming, data.CameraStatusOK)
	m.log.Info().Str("camera_id", cameraID.String()).Str("quality", key.quality).Msg("stream stopped")
	return nil
}

// StopAll tears down every pipeline. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		all = append(all, p)
	}
	m.pipelines = make(map[streamKey]*pipeline)
	m.mu.Unlock()

	for _, p := range all {
		p.cancel()
		p.source.Stop()
		<-p.done
	}
}

// Recover restarts a wedged pipeline, letting the camera settle between
// the stop and the reconnect.
func (m *Manager) Recover(ctx context.Context, cam *data.Camera, quality string) error {
	if err := m.Stop(cam.ID, quality); err != nil && !errors.Is(err, ErrNotStreaming) {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(recoverSettle):
	}
	return m.Start(ctx, cam, quality)
}

// Frame returns the newest frame for a pipeline.
func (m *Manager) Frame(cameraID uuid.UUID, quality string) (*capture.Frame, bool) {
	key := streamKey{cameraID: cameraID, quality: normalizeQuality(quality)}
	m.mu.Lock()
	p, ok := m.pipelines[key]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	frame := p.latest.Load()
	if frame == nil {
		return nil, false
	}
	return frame, true
}

// Running reports whether a pipeline exists for the pair.
func (m *Manager) Running(cameraID uuid.UUID, quality string) bool {
	key := streamKey{cameraID: cameraID, quality: normalizeQuality(quality)}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pipelines[key]
	return ok
}

// Health classifies a pipeline by frame freshness.
func (m *Manager) Health(cameraID uuid.UUID, quality string) string {
	key := streamKey{cameraID: cameraID, quality: normalizeQuality(quality)}
	m.mu.Lock()
	p, ok := m.pipelines[key]
	m.mu.Unlock()
	if !ok {
		return HealthInactive
	}
	last := p.lastFrameAt.Load()
	if last == 0 || time.Since(time.Unix(0, last)) > UnhealthyAfter {
		return HealthUnhealthy
	}
	return HealthHealthy
}

// AddViewer registers a live viewer and cancels any pending grace stop.
func (m *Manager) AddViewer(cameraID uuid.UUID, quality string) {
	key := streamKey{cameraID: cameraID, quality: normalizeQuality(quality)}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[key]
	if !ok {
		return
	}
	p.viewers++
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
}

// RemoveViewer drops a viewer. When the count reaches zero the pipeline
// stops, immediately or after the configured grace window.
func (m *Manager) RemoveViewer(cameraID uuid.UUID, quality string) {
	key := streamKey{cameraID: cameraID, quality: normalizeQuality(quality)}

	m.mu.Lock()
	p, ok := m.pipelines[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	if p.viewers > 0 {
		p.viewers--
	}
	if p.viewers > 0 {
		m.mu.Unlock()
		return
	}
	if m.opts.ViewerGrace <= 0 {
		m.mu.Unlock()
		m.Stop(cameraID, key.quality)
		return
	}
	p.graceTimer = time.AfterFunc(m.opts.ViewerGrace, func() {
		m.mu.Lock()
		current, ok := m.pipelines[key]
		idle := ok && current == p && p.viewers == 0
		m.mu.Unlock()
		if idle {
			m.Stop(cameraID, key.quality)
		}
	})
	m.mu.Unlock()
}

// Viewers returns the viewer count for a pipeline.
func (m *Manager) Viewers(cameraID uuid.UUID, quality string) int {
	key := streamKey{cameraID: cameraID, quality: normalizeQuality(quality)}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pipelines[key]; ok {
		return p.viewers
	}
	return 0
}

// ActiveCount reports the number of running pipelines.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pipelines)
}

func (m *Manager) streamingAnywhere(cameraID uuid.UUID) bool {
	for key := range m.pipelines {
		if key.cameraID == cameraID {
			return true
		}
	}
	return false
}

func (m *Manager) setFlags(cameraID uuid.UUID, online, streaming bool, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()
	if err := m.store.SetRuntimeFlags(ctx, cameraID, online, streaming, status); err != nil {
		m.log.Error().Err(err).Str("camera_id", cameraID.String()).Msg("update camera flags")
	}
}
