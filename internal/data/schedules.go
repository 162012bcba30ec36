package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Schedule kinds.
const (
	ScheduleOnce       = "once"
	ScheduleDaily      = "daily"
	ScheduleWeekly     = "weekly"
	ScheduleContinuous = "continuous"
)

var (
	ErrScheduleTimes    = errors.New("end_time must differ from start_time")
	ErrSchedulePastDate = errors.New("once schedule start is in the past")
	ErrScheduleWeekdays = errors.New("weekly schedule needs a weekday set")
)

// Weekday names accepted in the weekday set, Monday first.
var WeekdayNames = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// TimeOfDay is a wall-clock time stored as "HH:MM:SS".
type TimeOfDay string

// Parse returns the duration since midnight.
func (t TimeOfDay) Parse() (time.Duration, error) {
	parsed, err := time.Parse("15:04:05", string(t))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", t, err)
	}
	return time.Duration(parsed.Hour())*time.Hour +
		time.Duration(parsed.Minute())*time.Minute +
		time.Duration(parsed.Second())*time.Second, nil
}

// Schedule drives automatic recordings for one camera.
type Schedule struct {
	ID        uuid.UUID  `json:"id"`
	CameraID  uuid.UUID  `json:"camera_id"`
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	StartTime TimeOfDay  `json:"start_time"`
	EndTime   TimeOfDay  `json:"end_time"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Weekdays  []string   `json:"weekdays,omitempty"`
	IsActive  bool       `json:"is_active"`
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Duration returns the recording length implied by the start/end
// times. An end before the start wraps to the next day.
func (s *Schedule) Duration() (time.Duration, error) {
	start, err := s.StartTime.Parse()
	if err != nil {
		return 0, err
	}
	end, err := s.EndTime.Parse()
	if err != nil {
		return 0, err
	}
	if end > start {
		return end - start, nil
	}
	return (24*time.Hour - start) + end, nil
}

// Validate enforces the insert-time invariants.
func (s *Schedule) Validate(now time.Time) error {
	start, err := s.StartTime.Parse()
	if err != nil {
		return err
	}
	end, err := s.EndTime.Parse()
	if err != nil {
		return err
	}
	if end == start {
		return ErrScheduleTimes
	}
	switch s.Kind {
	case ScheduleOnce:
		if s.StartDate == nil {
			return ErrSchedulePastDate
		}
		at := time.Date(s.StartDate.Year(), s.StartDate.Month(), s.StartDate.Day(), 0, 0, 0, 0, now.Location()).Add(start)
		if at.Before(now) {
			return ErrSchedulePastDate
		}
	case ScheduleWeekly:
		if len(s.Weekdays) == 0 {
			return ErrScheduleWeekdays
		}
		for _, d := range s.Weekdays {
			ok := false
			for _, name := range WeekdayNames {
				if d == name {
					ok = true
					break
				}
			}
			if !ok {
				return fmt.Errorf("%w: unknown weekday %q", ErrScheduleWeekdays, d)
			}
		}
	case ScheduleDaily, ScheduleContinuous:
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

type ScheduleModel struct {
	DB DBTX
}

const scheduleColumns = `id, camera_id, name, kind, start_time, end_time, start_date, end_date,
	weekdays, is_active, created_by, created_at, updated_at`

func (m ScheduleModel) Create(ctx context.Context, s *Schedule) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	query := `
		INSERT INTO recording_schedules (id, camera_id, name, kind, start_time, end_time,
			start_date, end_date, weekdays, is_active, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`
	return m.DB.QueryRowContext(ctx, query,
		s.ID, s.CameraID, s.Name, s.Kind, string(s.StartTime), string(s.EndTime),
		s.StartDate, s.EndDate, pq.Array(s.Weekdays), s.IsActive, s.CreatedBy,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func scanSchedule(row interface{ Scan(...any) error }) (*Schedule, error) {
	var s Schedule
	var startDate, endDate sql.NullTime
	var weekdays []string
	err := row.Scan(
		&s.ID, &s.CameraID, &s.Name, &s.Kind, &s.StartTime, &s.EndTime,
		&startDate, &endDate, pq.Array(&weekdays), &s.IsActive, &s.CreatedBy,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	if startDate.Valid {
		s.StartDate = &startDate.Time
	}
	if endDate.Valid {
		s.EndDate = &endDate.Time
	}
	s.Weekdays = weekdays
	return &s, nil
}

func (m ScheduleModel) GetByID(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM recording_schedules WHERE id = $1`
	return scanSchedule(m.DB.QueryRowContext(ctx, query, id))
}

type ScheduleFilter struct {
	CameraID     *uuid.UUID
	IsActive     *bool
	UpdatedAfter *time.Time
	AssignedTo   *uuid.UUID // agent client id, scopes to local_client cameras
}

func (m ScheduleModel) List(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	where := "WHERE 1=1"
	args := []any{}
	next := 1

	if filter.CameraID != nil {
		where += fmt.Sprintf(" AND camera_id = $%d", next)
		args = append(args, *filter.CameraID)
		next++
	}
	if filter.IsActive != nil {
		where += fmt.Sprintf(" AND is_active = $%d", next)
		args = append(args, *filter.IsActive)
		next++
	}
	if filter.UpdatedAfter != nil {
		where += fmt.Sprintf(" AND updated_at > $%d", next)
		args = append(args, *filter.UpdatedAfter)
		next++
	}
	if filter.AssignedTo != nil {
		where += fmt.Sprintf(` AND camera_id IN (
			SELECT ac.camera_id FROM agent_cameras ac
			JOIN cameras c ON c.id = ac.camera_id
			WHERE ac.agent_id = $%d AND c.recording_mode = 'local_client')`, next)
		args = append(args, *filter.AssignedTo)
		next++
	}

	query := `SELECT ` + scheduleColumns + ` FROM recording_schedules ` + where + ` ORDER BY created_at`
	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (m ScheduleModel) Update(ctx context.Context, s *Schedule) error {
	query := `
		UPDATE recording_schedules
		SET name = $1, kind = $2, start_time = $3, end_time = $4, start_date = $5,
		    end_date = $6, weekdays = $7, is_active = $8, updated_at = NOW()
		WHERE id = $9
		RETURNING updated_at`
	err := m.DB.QueryRowContext(ctx, query,
		s.Name, s.Kind, string(s.StartTime), string(s.EndTime), s.StartDate, s.EndDate,
		pq.Array(s.Weekdays), s.IsActive, s.ID,
	).Scan(&s.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrRecordNotFound
	}
	return err
}

func (m ScheduleModel) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := m.DB.ExecContext(ctx,
		`UPDATE recording_schedules SET is_active = $1, updated_at = NOW() WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m ScheduleModel) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM recording_schedules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ListStaleOnce returns active once schedules whose scheduled moment
// has already passed. Used by the hourly maintenance sweep.
func (m ScheduleModel) ListStaleOnce(ctx context.Context, now time.Time) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + `
		FROM recording_schedules
		WHERE kind = 'once' AND is_active = true
		  AND start_date IS NOT NULL
		  AND (start_date + start_time::interval) < $1`
	rows, err := m.DB.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}
