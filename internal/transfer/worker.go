// Package transfer archives completed recordings: upload to the object
// store, then deferred removal of the local copy. Jobs move through a
// small state machine persisted in transfer_jobs; every transition out
// of a shared state is a compare-and-set so concurrent workers never
// double-claim.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/technosupport/ts-cctv/internal/data"
	"github.com/technosupport/ts-cctv/internal/objstore"
)

const (
	// UploadAttempts bounds retries within one claim; the delay doubles
	// after each failure.
	UploadAttempts  = 3
	uploadBaseDelay = 5 * time.Second

	// cleanupSettle separates the upload confirmation from the local
	// delete so a crash between the two leaves the file behind, never
	// gone early.
	cleanupSettle = 2 * time.Second

	cleanupSweepInterval = 10 * time.Minute
	syncBatchSize        = 10

	defaultQueueSize = 128
)

var ErrQueueFull = errors.New("transfer: queue full")

// Recordings is the recording slice the worker needs.
type Recordings interface {
	GetByID(ctx context.Context, id uuid.UUID) (*data.Recording, error)
	Update(ctx context.Context, r *data.Recording) error
	ListLocalCompleted(ctx context.Context, limit int) ([]*data.Recording, error)
}

// Transfers persists job state.
type Transfers interface {
	Create(ctx context.Context, j *data.TransferJob) error
	GetByRecording(ctx context.Context, recordingID uuid.UUID) (*data.TransferJob, error)
	Claim(ctx context.Context, id uuid.UUID, from, to string) error
	Update(ctx context.Context, j *data.TransferJob) error
	ListCleanupDue(ctx context.Context, now time.Time, limit int) ([]*data.TransferJob, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Options configure a Worker.
type Options struct {
	MaxConcurrent int
	QueueSize     int
	// CleanupAfterUpload gates the deferred local delete. Off keeps
	// every local copy forever.
	CleanupAfterUpload bool
	// SyncInterval is the cadence of the catch-up sweep that enqueues
	// completed recordings the live hand-off missed.
	SyncInterval time.Duration
	// SignedURLs makes stored playback URLs presigned.
	SignedURLs   bool
	SignedURLTTL time.Duration
	Clock        Clock
}

// Worker drains completed recordings into the object store.
type Worker struct {
	recordings Recordings
	transfers  Transfers
	store      objstore.Store
	opts       Options
	clock      Clock
	log        zerolog.Logger

	queue chan *data.Recording
	sem   *semaphore.Weighted
	wg    sync.WaitGroup
}

func NewWorker(recordings Recordings, transfers Transfers, store objstore.Store, opts Options, log zerolog.Logger) *Worker {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 30 * time.Minute
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Worker{
		recordings: recordings,
		transfers:  transfers,
		store:      store,
		opts:       opts,
		clock:      clock,
		log:        log.With().Str("component", "transfer").Logger(),
		queue:      make(chan *data.Recording, opts.QueueSize),
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}
}

// Enqueue hands a completed recording to the uploader without
// blocking. A full queue is not fatal: the sync sweep retries later.
func (w *Worker) Enqueue(rec *data.Recording) error {
	select {
	case w.queue <- rec:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run blocks until ctx is cancelled, driving the dispatcher and the
// periodic sweeps. Call in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	if !w.store.Enabled() {
		w.log.Info().Msg("object store disabled, transfer worker idle")
		<-ctx.Done()
		return
	}

	w.wg.Add(3)

	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case rec := <-w.queue:
				if err := w.sem.Acquire(ctx, 1); err != nil {
					return
				}
				w.wg.Add(1)
				go func(rec *data.Recording) {
					defer w.wg.Done()
					defer w.sem.Release(1)
					w.process(ctx, rec)
				}(rec)
			}
		}
	}()

	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(cleanupSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.SweepCleanup(ctx)
			}
		}
	}()

	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.opts.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.SyncLocalRecordings(ctx)
			}
		}
	}()

	<-ctx.Done()
	w.wg.Wait()
}

// ObjectKey derives the bucket key for a recording file.
func ObjectKey(rec *data.Recording) string {
	return fmt.Sprintf("recordings/%s/%s", rec.CameraID, filepath.Base(rec.FilePath))
}

// process runs one recording through create-claim-upload. Safe to call
// for a recording that already has a job: the claim loses and the call
// is a no-op.
func (w *Worker) process(ctx context.Context, rec *data.Recording) {
	info, err := os.Stat(rec.FilePath)
	if err != nil {
		w.log.Error().Err(err).Str("recording_id", rec.ID.String()).Msg("recording file missing, skipping upload")
		return
	}

	job, err := w.transfers.GetByRecording(ctx, rec.ID)
	switch {
	case errors.Is(err, data.ErrRecordNotFound):
		job = &data.TransferJob{
			RecordingID: rec.ID,
			LocalPath:   rec.FilePath,
			ObjectKey:   ObjectKey(rec),
			SizeBytes:   info.Size(),
			State:       data.TransferPending,
		}
		if err := w.transfers.Create(ctx, job); err != nil {
			w.log.Error().Err(err).Str("recording_id", rec.ID.String()).Msg("create transfer job")
			return
		}
	case err != nil:
		w.log.Error().Err(err).Str("recording_id", rec.ID.String()).Msg("load transfer job")
		return
	}

	// Failed jobs are terminal for the sweep; ResetRetries is the
	// operator path back to pending.
	if job.State != data.TransferPending {
		return
	}
	if err := w.transfers.Claim(ctx, job.ID, data.TransferPending, data.TransferUploading); err != nil {
		// Another worker holds it.
		return
	}
	job.State = data.TransferUploading

	w.upload(ctx, rec, job)
}

// upload pushes the file with bounded retries and records the outcome.
func (w *Worker) upload(ctx context.Context, rec *data.Recording, job *data.TransferJob) {
	started := w.clock.Now()
	job.UploadStartedAt = &started

	var lastErr error
	for attempt := 1; attempt <= UploadAttempts; attempt++ {
		putCtx, cancel := context.WithTimeout(ctx, objstore.PutTimeout(job.SizeBytes))
		lastErr = w.store.Put(putCtx, job.ObjectKey, job.LocalPath)
		cancel()
		if lastErr == nil {
			break
		}
		w.log.Warn().Err(lastErr).
			Str("recording_id", rec.ID.String()).
			Int("attempt", attempt).
			Msg("upload attempt failed")
		job.RetryCount++
		if attempt < UploadAttempts {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = UploadAttempts
			case <-time.After(uploadBaseDelay << (attempt - 1)):
			}
		}
	}

	now := w.clock.Now()
	if lastErr != nil {
		job.State = data.TransferFailed
		job.ErrorMessage = lastErr.Error()
		if err := w.transfers.Update(ctx, job); err != nil {
			w.log.Error().Err(err).Str("recording_id", rec.ID.String()).Msg("persist failed transfer")
		}
		rec.UploadStatus = data.UploadFailed
		if err := w.recordings.Update(ctx, rec); err != nil {
			w.log.Error().Err(err).Str("recording_id", rec.ID.String()).Msg("persist upload status")
		}
		return
	}

	url, err := w.store.URL(ctx, job.ObjectKey, w.opts.SignedURLs, w.opts.SignedURLTTL)
	if err != nil {
		w.log.Warn().Err(err).Str("recording_id", rec.ID.String()).Msg("derive object url")
	}

	// state=completed always carries its cleanup deadline, even when
	// local deletion is disabled.
	cleanupAt := now.Add(data.CleanupDelay)
	job.State = data.TransferCompleted
	job.URL = url
	job.UploadEndedAt = &now
	job.ErrorMessage = ""
	job.ScheduledCleanup = &cleanupAt
	if err := w.transfers.Update(ctx, job); err != nil {
		w.log.Error().Err(err).Str("recording_id", rec.ID.String()).Msg("persist completed transfer")
		return
	}

	// The recording is archived the moment the object lands; downloads
	// must serve the object key from here on.
	rec.StorageType = data.StorageCloud
	rec.FilePath = job.ObjectKey
	rec.UploadStatus = data.UploadCompleted
	if err := w.recordings.Update(ctx, rec); err != nil {
		w.log.Error().Err(err).Str("recording_id", rec.ID.String()).Msg("persist upload status")
	}

	w.log.Info().
		Str("recording_id", rec.ID.String()).
		Str("object_key", job.ObjectKey).
		Int64("bytes", job.SizeBytes).
		Msg("recording archived")
}

// SweepCleanup deletes local copies whose retention window after upload
// has elapsed. Idempotent: a crash mid-sweep is retried next pass.
func (w *Worker) SweepCleanup(ctx context.Context) int {
	if !w.opts.CleanupAfterUpload {
		return 0
	}
	due, err := w.transfers.ListCleanupDue(ctx, w.clock.Now(), syncBatchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("list cleanup-due transfers")
		return 0
	}

	n := 0
	for _, job := range due {
		if err := w.transfers.Claim(ctx, job.ID, data.TransferCompleted, data.TransferCleanupPending); err != nil {
			continue
		}

		select {
		case <-ctx.Done():
			return n
		case <-time.After(cleanupSettle):
		}

		// Verify the object actually landed before removing the only
		// other copy.
		ok, err := w.store.Exists(ctx, job.ObjectKey)
		if err != nil || !ok {
			w.log.Error().Err(err).Str("object_key", job.ObjectKey).Msg("object missing, keeping local file")
			job.State = data.TransferCompleted
			if err := w.transfers.Update(ctx, job); err != nil {
				w.log.Error().Err(err).Msg("restore transfer state")
			}
			continue
		}

		if err := os.Remove(job.LocalPath); err != nil && !os.IsNotExist(err) {
			w.log.Error().Err(err).Str("path", job.LocalPath).Msg("remove local recording")
			job.State = data.TransferCompleted
			if err := w.transfers.Update(ctx, job); err != nil {
				w.log.Error().Err(err).Msg("restore transfer state")
			}
			continue
		}

		ended := w.clock.Now()
		job.State = data.TransferCleanupCompleted
		job.CleanupEndedAt = &ended
		if err := w.transfers.Update(ctx, job); err != nil {
			w.log.Error().Err(err).Msg("persist cleanup completion")
			continue
		}

		if rec, err := w.recordings.GetByID(ctx, job.RecordingID); err == nil {
			rec.FilePath = job.ObjectKey
			rec.StorageType = data.StorageCloud
			rec.UploadStatus = data.UploadCompleted
			if err := w.recordings.Update(ctx, rec); err != nil {
				w.log.Error().Err(err).Str("recording_id", job.RecordingID.String()).Msg("persist cloud storage type")
			}
		}
		n++
	}
	if n > 0 {
		w.log.Info().Int("count", n).Msg("local copies cleaned up")
	}
	return n
}

// SyncLocalRecordings enqueues completed local recordings that never
// made it through the live hand-off, a small batch at a time.
func (w *Worker) SyncLocalRecordings(ctx context.Context) int {
	recs, err := w.recordings.ListLocalCompleted(ctx, syncBatchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("list local completed recordings")
		return 0
	}
	n := 0
	for _, rec := range recs {
		if err := w.Enqueue(rec); err != nil {
			break
		}
		n++
	}
	if n > 0 {
		w.log.Debug().Int("count", n).Msg("recordings queued by sync sweep")
	}
	return n
}
