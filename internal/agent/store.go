package agent

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-cctv/internal/data"
)

// RemoteStore backs the recording manager with the upstream protocol.
// Create registers the row on the server; Update pushes status and
// falls back to the durable queue when the server is unreachable.
type RemoteStore struct {
	client *Client
	queue  *StatusQueue
	log    zerolog.Logger

	mu     sync.Mutex
	active map[uuid.UUID]*data.Recording // by camera id
}

func NewRemoteStore(client *Client, queue *StatusQueue, log zerolog.Logger) *RemoteStore {
	return &RemoteStore{
		client: client,
		queue:  queue,
		log:    log.With().Str("component", "remote_store").Logger(),
		active: make(map[uuid.UUID]*data.Recording),
	}
}

func (s *RemoteStore) Create(ctx context.Context, rec *data.Recording) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if err := s.client.RegisterRecording(ctx, rec); err != nil {
		// Recording proceeds unregistered; the terminal status push
		// still reaches the server through the queue.
		s.log.Warn().Err(err).
			Str("recording_id", rec.ID.String()).
			Msg("register failed, will report via status push")
	}
	if rec.Status == data.RecordingActive {
		s.mu.Lock()
		s.active[rec.CameraID] = rec
		s.mu.Unlock()
		return nil
	}
	// Rows created already terminal (probe failures) get their status
	// pushed right away; registration alone marks them active.
	return s.Update(ctx, rec)
}

func (s *RemoteStore) Update(ctx context.Context, rec *data.Recording) error {
	if rec.Status != data.RecordingActive {
		s.mu.Lock()
		if cur, ok := s.active[rec.CameraID]; ok && cur.ID == rec.ID {
			delete(s.active, rec.CameraID)
		}
		s.mu.Unlock()
	}

	update := StatusUpdate{
		RecordingID:   rec.ID,
		Status:        rec.Status,
		FileSize:      rec.FileSize,
		Duration:      rec.Duration,
		FramesWritten: rec.FramesWritten,
		FrameRate:     rec.FrameRate,
		EndedAt:       rec.EndedAt,
		ErrorMessage:  rec.ErrorMessage,
		UploadStatus:  rec.UploadStatus,
	}
	if err := s.client.PushStatus(ctx, update); err != nil {
		s.log.Warn().Err(err).
			Str("recording_id", rec.ID.String()).
			Msg("status push failed, queueing")
		return s.queue.Push(update)
	}
	return nil
}

func (s *RemoteStore) ActiveForCamera(_ context.Context, cameraID uuid.UUID) (*data.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.active[cameraID]; ok {
		return rec, nil
	}
	return nil, data.ErrRecordNotFound
}

// ActiveCount reports in-flight local sessions for the heartbeat.
func (s *RemoteStore) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
