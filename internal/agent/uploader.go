package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-cctv/internal/data"
	"github.com/technosupport/ts-cctv/internal/objstore"
)

const (
	// retrySettle lets a sidecar file finish writing before the
	// watcher picks it up.
	retrySettle = 2 * time.Second

	// pendingSweepInterval catches sidecars whose fsnotify event was
	// missed, e.g. written while the agent was down.
	pendingSweepInterval = 5 * time.Minute
)

// pendingUpload is the sidecar persisted for an upload that could not
// complete. It carries everything needed to retry without the original
// recording row.
type pendingUpload struct {
	RecordingID uuid.UUID `json:"recording_id"`
	CameraID    uuid.UUID `json:"camera_id"`
	FilePath    string    `json:"file_path"`
	QueuedAt    time.Time `json:"queued_at"`
}

// Uploader ships completed recordings to the object store and reports
// the outcome upstream. Failed uploads leave a sidecar in the pending
// directory; an fsnotify watcher retries them as they appear.
type Uploader struct {
	store      objstore.Store
	client     *Client
	queue      *StatusQueue
	pendingDir string
	log        zerolog.Logger
}

func NewUploader(store objstore.Store, client *Client, queue *StatusQueue, baseDir string, log zerolog.Logger) (*Uploader, error) {
	pendingDir := filepath.Join(baseDir, "pending_uploads")
	if err := os.MkdirAll(pendingDir, 0o755); err != nil {
		return nil, err
	}
	return &Uploader{
		store:      store,
		client:     client,
		queue:      queue,
		pendingDir: pendingDir,
		log:        log.With().Str("component", "uploader").Logger(),
	}, nil
}

// Run consumes completed recordings and watches the pending directory
// until ctx is cancelled.
func (u *Uploader) Run(ctx context.Context, completed <-chan *data.Recording) {
	if !u.store.Enabled() {
		u.log.Info().Msg("object storage disabled, recordings stay local")
		for {
			select {
			case <-ctx.Done():
				return
			case <-completed:
			}
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		u.log.Error().Err(err).Msg("start pending watcher")
	} else {
		defer watcher.Close()
		if err := watcher.Add(u.pendingDir); err != nil {
			u.log.Error().Err(err).Msg("watch pending dir")
		}
	}

	// Whatever was pending when the agent last stopped.
	u.sweepPending(ctx)

	ticker := time.NewTicker(pendingSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-completed:
			if !ok {
				return
			}
			if rec.Status != data.RecordingCompleted {
				continue
			}
			u.uploadOrPark(ctx, pendingUpload{
				RecordingID: rec.ID,
				CameraID:    rec.CameraID,
				FilePath:    rec.FilePath,
				QueuedAt:    time.Now(),
			})
		case ev, ok := <-watcher.Events:
			if !ok {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			time.Sleep(retrySettle)
			u.retrySidecar(ctx, ev.Name)
		case err, ok := <-watcher.Errors:
			if ok && err != nil {
				u.log.Warn().Err(err).Msg("pending watcher")
			}
		case <-ticker.C:
			u.sweepPending(ctx)
		}
	}
}

// ObjectKey mirrors the server-side layout so both upload paths land
// archived files in the same place.
func (u *Uploader) ObjectKey(p pendingUpload) string {
	return "recordings/" + p.CameraID.String() + "/" + filepath.Base(p.FilePath)
}

func (u *Uploader) uploadOrPark(ctx context.Context, p pendingUpload) {
	if err := u.upload(ctx, p); err != nil {
		u.log.Warn().Err(err).
			Str("recording_id", p.RecordingID.String()).
			Msg("upload failed, parking for retry")
		u.park(p)
	}
}

func (u *Uploader) upload(ctx context.Context, p pendingUpload) error {
	info, err := os.Stat(p.FilePath)
	if err != nil {
		return err
	}
	key := u.ObjectKey(p)
	if err := u.store.Put(ctx, key, p.FilePath); err != nil {
		return err
	}

	update := StatusUpdate{
		RecordingID:  p.RecordingID,
		Status:       data.RecordingCompleted,
		FileSize:     info.Size(),
		UploadStatus: data.UploadCompleted,
		ObjectKey:    key,
	}
	if err := u.client.PushStatus(ctx, update); err != nil {
		u.log.Warn().Err(err).
			Str("recording_id", p.RecordingID.String()).
			Msg("upload status push failed, queueing")
		return u.queue.Push(update)
	}
	u.log.Info().
		Str("recording_id", p.RecordingID.String()).
		Str("key", key).
		Msg("recording uploaded")
	return nil
}

func (u *Uploader) park(p pendingUpload) {
	raw, err := json.Marshal(p)
	if err != nil {
		u.log.Error().Err(err).Msg("marshal sidecar")
		return
	}
	path := filepath.Join(u.pendingDir, p.RecordingID.String()+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		u.log.Error().Err(err).Msg("write sidecar")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		u.log.Error().Err(err).Msg("place sidecar")
	}
}

func (u *Uploader) retrySidecar(ctx context.Context, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var p pendingUpload
	if err := json.Unmarshal(raw, &p); err != nil {
		u.log.Warn().Err(err).Str("path", path).Msg("corrupt sidecar, removing")
		os.Remove(path)
		return
	}
	if err := u.upload(ctx, p); err != nil {
		u.log.Debug().Err(err).Str("path", path).Msg("retry failed, sidecar stays")
		return
	}
	os.Remove(path)
}

func (u *Uploader) sweepPending(ctx context.Context) {
	entries, err := os.ReadDir(u.pendingDir)
	if err != nil {
		u.log.Error().Err(err).Msg("read pending dir")
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		u.retrySidecar(ctx, filepath.Join(u.pendingDir, e.Name()))
	}
}
