package schedule

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-cctv/internal/data"
	"github.com/technosupport/ts-cctv/internal/objstore"
)

const (
	staleSweepInterval = time.Hour
	retentionHour      = 2 // local time
)

// MaintenanceSchedules is the schedule slice the sweeps need.
type MaintenanceSchedules interface {
	ListStaleOnce(ctx context.Context, now time.Time) ([]*data.Schedule, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// MaintenanceRecordings is the recording slice the sweeps need.
type MaintenanceRecordings interface {
	ListExpired(ctx context.Context, now time.Time) ([]*data.Recording, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// TransferLookup resolves a recording's archival job, if any.
type TransferLookup interface {
	GetByRecording(ctx context.Context, recordingID uuid.UUID) (*data.TransferJob, error)
}

// Maintenance runs the periodic housekeeping sweeps: deactivating
// once schedules whose moment has passed, and enforcing per-camera
// retention on old recordings.
type Maintenance struct {
	schedules MaintenanceSchedules
	records   MaintenanceRecordings
	transfers TransferLookup
	store     objstore.Store
	clock     Clock
	log       zerolog.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewMaintenance(schedules MaintenanceSchedules, records MaintenanceRecordings,
	transfers TransferLookup, store objstore.Store, clock Clock, log zerolog.Logger) *Maintenance {
	if clock == nil {
		clock = realClock{}
	}
	return &Maintenance{
		schedules: schedules,
		records:   records,
		transfers: transfers,
		store:     store,
		clock:     clock,
		log:       log.With().Str("component", "maintenance").Logger(),
		quit:      make(chan struct{}),
	}
}

// Start launches the sweep loops.
func (m *Maintenance) Start() {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(staleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.quit:
				return
			case <-ticker.C:
				m.SweepStaleOnce(context.Background())
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		for {
			wait := untilHour(m.clock.Now(), retentionHour)
			timer := time.NewTimer(wait)
			select {
			case <-m.quit:
				timer.Stop()
				return
			case <-timer.C:
				m.RunRetention(context.Background())
			}
		}
	}()
}

// Stop halts the loops and waits for them.
func (m *Maintenance) Stop() {
	close(m.quit)
	m.wg.Wait()
}

// untilHour returns the duration until the next occurrence of hour
// o'clock local time.
func untilHour(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// SweepStaleOnce deactivates once schedules whose start already
// passed. The engine normally deactivates them on fire; this catches
// schedules missed across downtime.
func (m *Maintenance) SweepStaleOnce(ctx context.Context) int {
	now := m.clock.Now()
	stale, err := m.schedules.ListStaleOnce(ctx, now)
	if err != nil {
		m.log.Error().Err(err).Msg("list stale once schedules")
		return 0
	}
	n := 0
	for _, s := range stale {
		// Leave schedules inside the misfire grace to the engine.
		if at, ok := OccurrenceWithin(s, now, MisfireGrace); ok && !at.Before(now.Add(-MisfireGrace)) {
			continue
		}
		if err := m.schedules.SetActive(ctx, s.ID, false); err != nil {
			if !errors.Is(err, data.ErrRecordNotFound) {
				m.log.Error().Err(err).Str("schedule_id", s.ID.String()).Msg("deactivate stale schedule")
			}
			continue
		}
		n++
	}
	if n > 0 {
		m.log.Info().Int("count", n).Msg("stale once schedules deactivated")
	}
	return n
}

// RunRetention removes completed recordings older than their camera's
// retention window, local file and archived object both.
func (m *Maintenance) RunRetention(ctx context.Context) int {
	now := m.clock.Now()
	expired, err := m.records.ListExpired(ctx, now)
	if err != nil {
		m.log.Error().Err(err).Msg("list expired recordings")
		return 0
	}

	n := 0
	for _, rec := range expired {
		if rec.FilePath != "" {
			if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
				m.log.Error().Err(err).Str("recording_id", rec.ID.String()).Msg("remove expired file")
				continue
			}
		}

		job, err := m.transfers.GetByRecording(ctx, rec.ID)
		switch {
		case errors.Is(err, data.ErrRecordNotFound):
		case err != nil:
			m.log.Error().Err(err).Str("recording_id", rec.ID.String()).Msg("load transfer job")
			continue
		case job.ObjectKey != "" && m.store.Enabled():
			if err := m.store.Delete(ctx, job.ObjectKey); err != nil {
				m.log.Error().Err(err).Str("recording_id", rec.ID.String()).Msg("remove archived object")
				continue
			}
		}

		if err := m.records.Delete(ctx, rec.ID); err != nil && !errors.Is(err, data.ErrRecordNotFound) {
			m.log.Error().Err(err).Str("recording_id", rec.ID.String()).Msg("delete expired recording")
			continue
		}
		n++
	}
	if n > 0 {
		m.log.Info().Int("count", n).Msg("expired recordings removed")
	}
	return n
}
