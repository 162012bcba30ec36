package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Recording status values. Transitions are monotone along
// scheduled -> recording -> (completed|failed|stopped).
const (
	RecordingScheduled = "scheduled"
	RecordingActive    = "recording"
	RecordingCompleted = "completed"
	RecordingFailed    = "failed"
	RecordingStopped   = "stopped"
)

// Storage types for a recording's file_path.
const (
	StorageLocal = "local"
	StorageCloud = "cloud"
)

// Upload status values used by the remote-agent flow.
const (
	UploadPending   = "pending"
	UploadCompleted = "completed"
	UploadFailed    = "failed"
)

// Completion thresholds: anything below either is classified failed.
const (
	MinCompletedBytes  = 1000
	MinCompletedFrames = 10
)

// Recording is one capture-to-file session.
type Recording struct {
	ID            uuid.UUID  `json:"id"`
	CameraID      uuid.UUID  `json:"camera_id"`
	ScheduleID    *uuid.UUID `json:"schedule_id,omitempty"`
	Name          string     `json:"name"`
	FilePath      string     `json:"file_path"`
	StorageType   string     `json:"storage_type"`
	FileSize      int64      `json:"file_size"`
	Duration      float64    `json:"duration"` // seconds
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Status        string     `json:"status"`
	Resolution    string     `json:"resolution"` // "WxH"
	FrameRate     float64    `json:"frame_rate"`
	Codec         string     `json:"codec"`
	FramesWritten int64      `json:"frames_written"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	UploadStatus  string     `json:"upload_status,omitempty"`
	RecordedBy    string     `json:"recorded_by_client,omitempty"`
	CreatedBy     string     `json:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type RecordingModel struct {
	DB DBTX
}

const recordingColumns = `id, camera_id, schedule_id, name, file_path, storage_type, file_size,
	duration, started_at, ended_at, status, resolution, frame_rate, codec, frames_written,
	error_message, upload_status, recorded_by, created_by, created_at, updated_at`

func (m RecordingModel) Create(ctx context.Context, r *Recording) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.StorageType == "" {
		r.StorageType = StorageLocal
	}
	query := `
		INSERT INTO recordings (id, camera_id, schedule_id, name, file_path, storage_type,
			file_size, duration, started_at, status, resolution, frame_rate, codec,
			frames_written, error_message, upload_status, recorded_by, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING created_at, updated_at`
	return m.DB.QueryRowContext(ctx, query,
		r.ID, r.CameraID, r.ScheduleID, r.Name, r.FilePath, r.StorageType,
		r.FileSize, r.Duration, r.StartedAt, r.Status, r.Resolution, r.FrameRate, r.Codec,
		r.FramesWritten, r.ErrorMessage, r.UploadStatus, r.RecordedBy, r.CreatedBy,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
}

func scanRecording(row interface{ Scan(...any) error }) (*Recording, error) {
	var r Recording
	var schedID uuid.NullUUID
	var ended sql.NullTime
	err := row.Scan(
		&r.ID, &r.CameraID, &schedID, &r.Name, &r.FilePath, &r.StorageType, &r.FileSize,
		&r.Duration, &r.StartedAt, &ended, &r.Status, &r.Resolution, &r.FrameRate, &r.Codec,
		&r.FramesWritten, &r.ErrorMessage, &r.UploadStatus, &r.RecordedBy, &r.CreatedBy,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	if schedID.Valid {
		r.ScheduleID = &schedID.UUID
	}
	if ended.Valid {
		r.EndedAt = &ended.Time
	}
	return &r, nil
}

func (m RecordingModel) GetByID(ctx context.Context, id uuid.UUID) (*Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings WHERE id = $1`
	return scanRecording(m.DB.QueryRowContext(ctx, query, id))
}

func (m RecordingModel) Update(ctx context.Context, r *Recording) error {
	query := `
		UPDATE recordings
		SET name = $1, file_path = $2, storage_type = $3, file_size = $4, duration = $5,
		    ended_at = $6, status = $7, resolution = $8, frame_rate = $9, codec = $10,
		    frames_written = $11, error_message = $12, upload_status = $13, updated_at = NOW()
		WHERE id = $14
		RETURNING updated_at`
	err := m.DB.QueryRowContext(ctx, query,
		r.Name, r.FilePath, r.StorageType, r.FileSize, r.Duration, r.EndedAt, r.Status,
		r.Resolution, r.FrameRate, r.Codec, r.FramesWritten, r.ErrorMessage, r.UploadStatus, r.ID,
	).Scan(&r.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrRecordNotFound
	}
	return err
}

// ActiveForCamera returns the in-progress recording for a camera, if
// any. A camera has at most one.
func (m RecordingModel) ActiveForCamera(ctx context.Context, cameraID uuid.UUID) (*Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings
		WHERE camera_id = $1 AND status = 'recording'
		ORDER BY started_at DESC LIMIT 1`
	return scanRecording(m.DB.QueryRowContext(ctx, query, cameraID))
}

// LatestForCamera returns the most recent recording regardless of status.
func (m RecordingModel) LatestForCamera(ctx context.Context, cameraID uuid.UUID) (*Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings
		WHERE camera_id = $1 ORDER BY started_at DESC LIMIT 1`
	return scanRecording(m.DB.QueryRowContext(ctx, query, cameraID))
}

type RecordingFilter struct {
	CameraID    *uuid.UUID
	Status      string
	StorageType string
	From        *time.Time
	To          *time.Time
	Limit       int
}

func (m RecordingModel) List(ctx context.Context, filter RecordingFilter) ([]*Recording, error) {
	where := "WHERE 1=1"
	args := []any{}
	next := 1

	if filter.CameraID != nil {
		where += fmt.Sprintf(" AND camera_id = $%d", next)
		args = append(args, *filter.CameraID)
		next++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", next)
		args = append(args, filter.Status)
		next++
	}
	if filter.StorageType != "" {
		where += fmt.Sprintf(" AND storage_type = $%d", next)
		args = append(args, filter.StorageType)
		next++
	}
	if filter.From != nil {
		where += fmt.Sprintf(" AND started_at >= $%d", next)
		args = append(args, *filter.From)
		next++
	}
	if filter.To != nil {
		where += fmt.Sprintf(" AND started_at <= $%d", next)
		args = append(args, *filter.To)
		next++
	}

	query := `SELECT ` + recordingColumns + ` FROM recordings ` + where + ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", next)
		args = append(args, filter.Limit)
	}

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// ListLocalCompleted returns completed local recordings with no
// in-flight or terminally failed transfer job, oldest first. Feeds the
// background sync; failed jobs wait for an operator retry.
func (m RecordingModel) ListLocalCompleted(ctx context.Context, limit int) ([]*Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings r
		WHERE r.status = 'completed' AND r.storage_type = 'local'
		  AND NOT EXISTS (
			SELECT 1 FROM transfer_jobs tj
			WHERE tj.recording_id = r.id
			  AND tj.state IN ('uploading','completed','cleanup_pending','cleanup_completed','failed'))
		ORDER BY r.started_at
		LIMIT $1`
	rows, err := m.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// ListExpired returns completed recordings older than the camera's
// retention window. Feeds the daily retention sweep.
func (m RecordingModel) ListExpired(ctx context.Context, now time.Time) ([]*Recording, error) {
	query := `SELECT ` + recordingColumns + ` FROM recordings r
		WHERE r.status = 'completed'
		  AND EXISTS (
			SELECT 1 FROM cameras c
			WHERE c.id = r.camera_id AND c.max_recording_hours > 0
			  AND r.started_at < $1::timestamptz - (c.max_recording_hours || ' hours')::interval)`
	rows, err := m.DB.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (m RecordingModel) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM recordings WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
