package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// TransferJob states.
const (
	TransferPending          = "pending"
	TransferUploading        = "uploading"
	TransferCompleted        = "completed"
	TransferCleanupPending   = "cleanup_pending"
	TransferCleanupCompleted = "cleanup_completed"
	TransferFailed           = "failed"
)

// CleanupDelay is how long a local copy survives a successful upload.
const CleanupDelay = 24 * time.Hour

// TransferJob tracks the archival of one recording: upload to the
// object store, then deferred deletion of the local file.
type TransferJob struct {
	ID               uuid.UUID  `json:"id"`
	RecordingID      uuid.UUID  `json:"recording_id"`
	LocalPath        string     `json:"local_path"`
	ObjectKey        string     `json:"object_key"`
	URL              string     `json:"url,omitempty"`
	SizeBytes        int64      `json:"size_bytes"`
	State            string     `json:"state"`
	ScheduledCleanup *time.Time `json:"scheduled_cleanup,omitempty"`
	RetryCount       int        `json:"retry_count"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	UploadStartedAt  *time.Time `json:"upload_started_at,omitempty"`
	UploadEndedAt    *time.Time `json:"upload_ended_at,omitempty"`
	CleanupEndedAt   *time.Time `json:"cleanup_ended_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type TransferModel struct {
	DB DBTX
}

const transferColumns = `id, recording_id, local_path, object_key, url, size_bytes, state,
	scheduled_cleanup, retry_count, error_message, upload_started_at, upload_ended_at,
	cleanup_ended_at, created_at, updated_at`

func (m TransferModel) Create(ctx context.Context, j *TransferJob) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.State == "" {
		j.State = TransferPending
	}
	query := `
		INSERT INTO transfer_jobs (id, recording_id, local_path, object_key, url, size_bytes,
			state, scheduled_cleanup, retry_count, error_message, upload_started_at, upload_ended_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (recording_id) DO UPDATE
		SET local_path = EXCLUDED.local_path, object_key = EXCLUDED.object_key,
		    url = EXCLUDED.url, size_bytes = EXCLUDED.size_bytes, state = EXCLUDED.state,
		    scheduled_cleanup = EXCLUDED.scheduled_cleanup,
		    upload_started_at = EXCLUDED.upload_started_at,
		    upload_ended_at = EXCLUDED.upload_ended_at, updated_at = NOW()
		RETURNING id, created_at, updated_at`
	return m.DB.QueryRowContext(ctx, query,
		j.ID, j.RecordingID, j.LocalPath, j.ObjectKey, j.URL, j.SizeBytes,
		j.State, j.ScheduledCleanup, j.RetryCount, j.ErrorMessage, j.UploadStartedAt, j.UploadEndedAt,
	).Scan(&j.ID, &j.CreatedAt, &j.UpdatedAt)
}

func scanTransfer(row interface{ Scan(...any) error }) (*TransferJob, error) {
	var j TransferJob
	var cleanup, upStart, upEnd, clEnd sql.NullTime
	err := row.Scan(
		&j.ID, &j.RecordingID, &j.LocalPath, &j.ObjectKey, &j.URL, &j.SizeBytes, &j.State,
		&cleanup, &j.RetryCount, &j.ErrorMessage, &upStart, &upEnd, &clEnd,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	if cleanup.Valid {
		j.ScheduledCleanup = &cleanup.Time
	}
	if upStart.Valid {
		j.UploadStartedAt = &upStart.Time
	}
	if upEnd.Valid {
		j.UploadEndedAt = &upEnd.Time
	}
	if clEnd.Valid {
		j.CleanupEndedAt = &clEnd.Time
	}
	return &j, nil
}

func (m TransferModel) GetByID(ctx context.Context, id uuid.UUID) (*TransferJob, error) {
	query := `SELECT ` + transferColumns + ` FROM transfer_jobs WHERE id = $1`
	return scanTransfer(m.DB.QueryRowContext(ctx, query, id))
}

func (m TransferModel) GetByRecording(ctx context.Context, recordingID uuid.UUID) (*TransferJob, error) {
	query := `SELECT ` + transferColumns + ` FROM transfer_jobs WHERE recording_id = $1`
	return scanTransfer(m.DB.QueryRowContext(ctx, query, recordingID))
}

func (m TransferModel) ListByState(ctx context.Context, state string, limit int) ([]*TransferJob, error) {
	query := `SELECT ` + transferColumns + ` FROM transfer_jobs WHERE state = $1 ORDER BY created_at LIMIT $2`
	rows, err := m.DB.QueryContext(ctx, query, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*TransferJob
	for rows.Next() {
		j, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Claim performs the CAS state transition that gives one worker
// exclusive ownership of a job. Returns ErrRecordNotFound when another
// worker got there first.
func (m TransferModel) Claim(ctx context.Context, id uuid.UUID, from, to string) error {
	query := `UPDATE transfer_jobs SET state = $1, updated_at = NOW() WHERE id = $2 AND state = $3`
	res, err := m.DB.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m TransferModel) Update(ctx context.Context, j *TransferJob) error {
	query := `
		UPDATE transfer_jobs
		SET local_path = $1, object_key = $2, url = $3, size_bytes = $4, state = $5,
		    scheduled_cleanup = $6, retry_count = $7, error_message = $8,
		    upload_started_at = $9, upload_ended_at = $10, cleanup_ended_at = $11,
		    updated_at = NOW()
		WHERE id = $12
		RETURNING updated_at`
	err := m.DB.QueryRowContext(ctx, query,
		j.LocalPath, j.ObjectKey, j.URL, j.SizeBytes, j.State, j.ScheduledCleanup,
		j.RetryCount, j.ErrorMessage, j.UploadStartedAt, j.UploadEndedAt, j.CleanupEndedAt, j.ID,
	).Scan(&j.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrRecordNotFound
	}
	return err
}

// ListCleanupDue returns completed jobs whose 24-hour window has
// elapsed.
func (m TransferModel) ListCleanupDue(ctx context.Context, now time.Time, limit int) ([]*TransferJob, error) {
	query := `SELECT ` + transferColumns + ` FROM transfer_jobs
		WHERE state = 'completed' AND scheduled_cleanup IS NOT NULL AND scheduled_cleanup <= $1
		ORDER BY scheduled_cleanup LIMIT $2`
	rows, err := m.DB.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*TransferJob
	for rows.Next() {
		j, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ResetRetries lets an operator resume a terminally failed job.
func (m TransferModel) ResetRetries(ctx context.Context, id uuid.UUID) error {
	res, err := m.DB.ExecContext(ctx,
		`UPDATE transfer_jobs SET retry_count = 0, state = 'pending', error_message = '', updated_at = NOW()
		 WHERE id = $1 AND state = 'failed'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
