package data

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/technosupport/ts-cctv/internal/crypto"
)

// Stream quality tiers. "sub" transparently falls back to "main" when
// the camera has no secondary URL.
const (
	QualityMain = "main"
	QualitySub  = "sub"
)

// Camera recording modes. Cameras in local_client mode are captured by
// a remote agent rather than by this process.
const (
	RecordingModeServer      = "server"
	RecordingModeLocalClient = "local_client"
)

// Camera status values written by the stream and recording loops.
const (
	CameraStatusOK    = "ok"
	CameraStatusError = "error"
)

// OnlineFreshness bounds how stale last_seen may be while the camera
// is still reported online.
const OnlineFreshness = 5 * time.Minute

// Camera represents an RTSP video source.
type Camera struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	Host          string     `json:"host"`
	Port          int        `json:"port"`
	Username      string     `json:"username,omitempty"`
	Password      string     `json:"-"`
	RTSPURL       string     `json:"rtsp_url"`
	SubRTSPURL    string     `json:"sub_rtsp_url,omitempty"`
	RTSPPath      string     `json:"rtsp_path,omitempty"`
	AutoRecord    bool       `json:"auto_record"`
	Quality       string     `json:"quality"` // low|medium|high
	MaxRecHours   int        `json:"max_recording_hours"`
	RecordingMode string     `json:"recording_mode"`
	IsPublic      bool       `json:"is_public"`
	IsActive      bool       `json:"is_active"`
	IsOnline      bool       `json:"is_online"`
	IsStreaming   bool       `json:"is_streaming"`
	Status        string     `json:"status"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
	CreatedBy     string     `json:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ResolveURL returns the RTSP URL for the requested quality. Sub falls
// back to main; when no full URL is stored, one is synthesized from
// host, port and path.
func (c *Camera) ResolveURL(quality string) string {
	if quality == QualitySub && c.SubRTSPURL != "" {
		return c.SubRTSPURL
	}
	if c.RTSPURL != "" {
		return c.RTSPURL
	}
	if c.Host == "" || c.Port == 0 {
		return ""
	}
	path := "/" + strings.TrimPrefix(c.RTSPPath, "/")
	if c.Username != "" {
		return fmt.Sprintf("rtsp://%s:%s@%s:%d%s",
			url.QueryEscape(c.Username), url.QueryEscape(c.Password), c.Host, c.Port, path)
	}
	return fmt.Sprintf("rtsp://%s:%d%s", c.Host, c.Port, path)
}

// Online applies the freshness window: a camera flagged online with a
// stale last_seen is reported offline.
func (c *Camera) Online(now time.Time) bool {
	if !c.IsOnline || c.LastSeenAt == nil {
		return false
	}
	return now.Sub(*c.LastSeenAt) <= OnlineFreshness
}

type CameraModel struct {
	DB DBTX
	// Sealer encrypts stored passwords. Nil keeps them plaintext.
	Sealer *crypto.Sealer
}

func (m CameraModel) sealPassword(plain string) (string, error) {
	if m.Sealer == nil {
		return plain, nil
	}
	return m.Sealer.Seal(plain)
}

func (m CameraModel) openPassword(c *Camera) error {
	if m.Sealer == nil {
		return nil
	}
	plain, err := m.Sealer.Open(c.Password)
	if err != nil {
		return fmt.Errorf("camera %s: %w", c.ID, err)
	}
	c.Password = plain
	return nil
}

const cameraColumns = `id, name, host, port, username, password, rtsp_url, sub_rtsp_url, rtsp_path,
	auto_record, quality, max_recording_hours, recording_mode, is_public, is_active, is_online,
	is_streaming, status, last_seen_at, created_by, created_at, updated_at`

func (m CameraModel) Create(ctx context.Context, c *Camera) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Quality == "" {
		c.Quality = "medium"
	}
	if c.RecordingMode == "" {
		c.RecordingMode = RecordingModeServer
	}
	stored, err := m.sealPassword(c.Password)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO cameras (id, name, host, port, username, password, rtsp_url, sub_rtsp_url, rtsp_path,
			auto_record, quality, max_recording_hours, recording_mode, is_public, is_active, status, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING created_at, updated_at`
	return m.DB.QueryRowContext(ctx, query,
		c.ID, c.Name, c.Host, c.Port, c.Username, stored, c.RTSPURL, c.SubRTSPURL, c.RTSPPath,
		c.AutoRecord, c.Quality, c.MaxRecHours, c.RecordingMode, c.IsPublic, c.IsActive,
		CameraStatusOK, c.CreatedBy,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func scanCamera(row interface{ Scan(...any) error }) (*Camera, error) {
	var c Camera
	var lastSeen sql.NullTime
	err := row.Scan(
		&c.ID, &c.Name, &c.Host, &c.Port, &c.Username, &c.Password, &c.RTSPURL, &c.SubRTSPURL,
		&c.RTSPPath, &c.AutoRecord, &c.Quality, &c.MaxRecHours, &c.RecordingMode, &c.IsPublic,
		&c.IsActive, &c.IsOnline, &c.IsStreaming, &c.Status, &lastSeen, &c.CreatedBy,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	if lastSeen.Valid {
		c.LastSeenAt = &lastSeen.Time
	}
	return &c, nil
}

func (m CameraModel) GetByID(ctx context.Context, id uuid.UUID) (*Camera, error) {
	query := `SELECT ` + cameraColumns + ` FROM cameras WHERE id = $1`
	c, err := scanCamera(m.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := m.openPassword(c); err != nil {
		return nil, err
	}
	return c, nil
}

// CameraFilter parameters for List.
type CameraFilter struct {
	IsActive      *bool
	IsPublic      *bool
	RecordingMode string
	AssignedTo    *uuid.UUID // agent client id
}

func (m CameraModel) List(ctx context.Context, filter CameraFilter) ([]*Camera, error) {
	where := "WHERE 1=1"
	args := []any{}
	next := 1

	if filter.IsActive != nil {
		where += fmt.Sprintf(" AND is_active = $%d", next)
		args = append(args, *filter.IsActive)
		next++
	}
	if filter.IsPublic != nil {
		where += fmt.Sprintf(" AND is_public = $%d", next)
		args = append(args, *filter.IsPublic)
		next++
	}
	if filter.RecordingMode != "" {
		where += fmt.Sprintf(" AND recording_mode = $%d", next)
		args = append(args, filter.RecordingMode)
		next++
	}
	if filter.AssignedTo != nil {
		where += fmt.Sprintf(" AND id IN (SELECT camera_id FROM agent_cameras WHERE agent_id = $%d)", next)
		args = append(args, *filter.AssignedTo)
		next++
	}

	query := `SELECT ` + cameraColumns + ` FROM cameras ` + where + ` ORDER BY created_at DESC`
	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cams []*Camera
	for rows.Next() {
		c, err := scanCamera(rows)
		if err != nil {
			return nil, err
		}
		if err := m.openPassword(c); err != nil {
			return nil, err
		}
		cams = append(cams, c)
	}
	return cams, rows.Err()
}

// SetRuntimeFlags is the single write path used by the stream and
// recording loops. Streaming implies active.
func (m CameraModel) SetRuntimeFlags(ctx context.Context, id uuid.UUID, online, streaming bool, status string) error {
	query := `
		UPDATE cameras
		SET is_online = $1, is_streaming = $2, is_active = (is_active OR $2), status = $3,
		    last_seen_at = CASE WHEN $1 THEN NOW() ELSE last_seen_at END,
		    updated_at = NOW()
		WHERE id = $4`
	res, err := m.DB.ExecContext(ctx, query, online, streaming, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m CameraModel) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `UPDATE cameras SET is_active = $1, is_streaming = (is_streaming AND $1), updated_at = NOW() WHERE id = $2`
	res, err := m.DB.ExecContext(ctx, query, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m CameraModel) Update(ctx context.Context, c *Camera) error {
	stored, err := m.sealPassword(c.Password)
	if err != nil {
		return err
	}
	query := `
		UPDATE cameras
		SET name = $1, host = $2, port = $3, username = $4, password = $5, rtsp_url = $6,
		    sub_rtsp_url = $7, rtsp_path = $8, auto_record = $9, quality = $10,
		    max_recording_hours = $11, recording_mode = $12, is_public = $13, updated_at = NOW()
		WHERE id = $14
		RETURNING updated_at`
	err = m.DB.QueryRowContext(ctx, query,
		c.Name, c.Host, c.Port, c.Username, stored, c.RTSPURL, c.SubRTSPURL, c.RTSPPath,
		c.AutoRecord, c.Quality, c.MaxRecHours, c.RecordingMode, c.IsPublic, c.ID,
	).Scan(&c.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrRecordNotFound
	}
	return err
}

// Delete removes the camera and cascades to its schedules and
// recordings in one transaction. Requires *sql.DB, not a model DBTX,
// because it owns the transaction boundary.
func (m CameraModel) Delete(ctx context.Context, db *sql.DB, id uuid.UUID) error {
	return InTx(ctx, db, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM transfer_jobs WHERE recording_id IN (SELECT id FROM recordings WHERE camera_id = $1)`,
			`DELETE FROM recordings WHERE camera_id = $1`,
			`DELETE FROM recording_schedules WHERE camera_id = $1`,
			`DELETE FROM agent_cameras WHERE camera_id = $1`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM cameras WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrRecordNotFound
		}
		return nil
	})
}

// ListAssignedIDs returns the camera ids assigned to an agent.
func (m CameraModel) ListAssignedIDs(ctx context.Context, agentID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := m.DB.QueryContext(ctx,
		`SELECT camera_id FROM agent_cameras WHERE agent_id = $1`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AssignToAgent replaces an agent's camera assignment set.
func (m CameraModel) AssignToAgent(ctx context.Context, db *sql.DB, agentID uuid.UUID, cameraIDs []uuid.UUID) error {
	return InTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_cameras WHERE agent_id = $1`, agentID); err != nil {
			return err
		}
		if len(cameraIDs) == 0 {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_cameras (agent_id, camera_id)
			SELECT $1, unnest($2::uuid[])
			ON CONFLICT DO NOTHING`, agentID, pq.Array(cameraIDs))
		return err
	})
}
