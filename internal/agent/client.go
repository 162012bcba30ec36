// Package agent is the remote recording client. It pulls cameras and
// schedules from the central server over the /local-client protocol,
// records locally and reports results back, surviving network outages
// through a durable status queue.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-cctv/internal/data"
)

const requestTimeout = 30 * time.Second

var (
	ErrUnauthorized = errors.New("agent: token rejected")
	ErrServer       = errors.New("agent: server error")
)

// Client speaks the /local-client protocol.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// StatusUpdate is the terminal (or progress) report for a recording.
type StatusUpdate struct {
	RecordingID   uuid.UUID  `json:"recording_id"`
	Status        string     `json:"status"`
	FileSize      int64      `json:"file_size"`
	Duration      float64    `json:"duration"`
	FramesWritten int64      `json:"frames_written"`
	FrameRate     float64    `json:"frame_rate"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	UploadStatus  string     `json:"upload_status,omitempty"`
	// ObjectKey is set once the file is archived; the server flips the
	// row to cloud storage when it sees one.
	ObjectKey string `json:"object_key,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 400:
		var payload struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Error != "" {
			return fmt.Errorf("%w: %s %s: %s", ErrServer, method, path, payload.Error)
		}
		return fmt.Errorf("%w: %s %s: status %d", ErrServer, method, path, resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Validate checks the token. Called once at startup; a failure is
// fatal for the agent process.
func (c *Client) Validate(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/local-client/validate", nil, nil)
}

// Cameras lists the local_client cameras assigned to this agent.
func (c *Client) Cameras(ctx context.Context) ([]*data.Camera, error) {
	var out struct {
		Cameras []*data.Camera `json:"cameras"`
	}
	if err := c.do(ctx, http.MethodGet, "/local-client/cameras", nil, &out); err != nil {
		return nil, err
	}
	return out.Cameras, nil
}

// Schedules lists schedules for the assigned cameras. A non-zero
// lastSync narrows the response to rows updated since then.
func (c *Client) Schedules(ctx context.Context, lastSync time.Time) ([]*data.Schedule, time.Time, error) {
	path := "/local-client/schedules"
	if !lastSync.IsZero() {
		path += "?last_sync=" + lastSync.UTC().Format(time.RFC3339)
	}
	var out struct {
		Schedules  []*data.Schedule `json:"schedules"`
		ServerTime string           `json:"server_time"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, time.Time{}, err
	}
	serverTime, err := time.Parse(time.RFC3339, out.ServerTime)
	if err != nil {
		serverTime = time.Now()
	}
	return out.Schedules, serverTime, nil
}

// RegisterRecording announces a locally started recording. The server
// assigns/echoes the canonical row.
func (c *Client) RegisterRecording(ctx context.Context, rec *data.Recording) error {
	payload := map[string]any{
		"id":          rec.ID,
		"camera_id":   rec.CameraID,
		"schedule_id": rec.ScheduleID,
		"name":        rec.Name,
		"file_path":   rec.FilePath,
		"started_at":  rec.StartedAt,
		"resolution":  rec.Resolution,
		"codec":       rec.Codec,
	}
	return c.do(ctx, http.MethodPost, "/local-client/recordings/register", payload, rec)
}

// PushStatus reports a recording's outcome.
func (c *Client) PushStatus(ctx context.Context, update StatusUpdate) error {
	return c.do(ctx, http.MethodPost, "/local-client/recordings/status", update, nil)
}

// Heartbeat reports liveness with a free-form system info blob.
func (c *Client) Heartbeat(ctx context.Context, sysInfo any) error {
	return c.do(ctx, http.MethodPost, "/local-client/heartbeat",
		map[string]any{"system_info": sysInfo}, nil)
}
