// Package events publishes recording lifecycle events over NATS.
// Downstream consumers (alerting, analytics) subscribe to
// cctv.recordings.events; the server runs fine without a broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-cctv/internal/data"
)

// Subject is the NATS subject all recording events go out on.
const Subject = "cctv.recordings.events"

const defaultMaxRetries = 3

// Event is the wire shape of one lifecycle notification.
type Event struct {
	Type        string     `json:"type"`
	RecordingID string     `json:"recording_id"`
	CameraID    string     `json:"camera_id"`
	ScheduleID  string     `json:"schedule_id,omitempty"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	FileSize    int64      `json:"file_size,omitempty"`
	Duration    float64    `json:"duration,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	EmittedAt   time.Time  `json:"emitted_at"`
}

// Publisher satisfies record.Notifier over a NATS connection.
type Publisher struct {
	conn       *nats.Conn
	maxRetries int
	log        zerolog.Logger
}

func NewPublisher(conn *nats.Conn, log zerolog.Logger) *Publisher {
	return &Publisher{
		conn:       conn,
		maxRetries: defaultMaxRetries,
		log:        log.With().Str("component", "events").Logger(),
	}
}

// RecordingEvent publishes one notification. Failures are logged, not
// propagated; event delivery never blocks the recording path.
func (p *Publisher) RecordingEvent(_ context.Context, event string, rec *data.Recording) {
	e := Event{
		Type:        event,
		RecordingID: rec.ID.String(),
		CameraID:    rec.CameraID.String(),
		Name:        rec.Name,
		Status:      rec.Status,
		FileSize:    rec.FileSize,
		Duration:    rec.Duration,
		Error:       rec.ErrorMessage,
		StartedAt:   rec.StartedAt,
		EndedAt:     rec.EndedAt,
		EmittedAt:   time.Now().UTC(),
	}
	if rec.ScheduleID != nil {
		e.ScheduleID = rec.ScheduleID.String()
	}

	if err := p.publish(e); err != nil {
		p.log.Warn().Err(err).Str("recording_id", e.RecordingID).Msg("event publish failed")
	}
}

func (p *Publisher) publish(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var last error
	for i := 0; i <= p.maxRetries; i++ {
		if last = p.conn.Publish(Subject, payload); last == nil {
			return nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, last)
}
