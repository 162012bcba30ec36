package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeOfDayParse(t *testing.T) {
	d, err := TimeOfDay("22:30:15").Parse()
	require.NoError(t, err)
	assert.Equal(t, 22*time.Hour+30*time.Minute+15*time.Second, d)

	_, err = TimeOfDay("25:00:00").Parse()
	assert.Error(t, err)
	_, err = TimeOfDay("22:00").Parse()
	assert.Error(t, err)
}

func TestScheduleDuration(t *testing.T) {
	s := &Schedule{StartTime: "08:00:00", EndTime: "17:00:00"}
	d, err := s.Duration()
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour, d)

	// Overnight wraps to the next day.
	s = &Schedule{StartTime: "22:00:00", EndTime: "06:00:00"}
	d, err = s.Duration()
	require.NoError(t, err)
	assert.Equal(t, 8*time.Hour, d)
}

func TestScheduleValidate(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	future := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		s       Schedule
		wantErr error
	}{
		{
			name:    "equal times rejected",
			s:       Schedule{Kind: ScheduleDaily, StartTime: "08:00:00", EndTime: "08:00:00"},
			wantErr: ErrScheduleTimes,
		},
		{
			name:    "once without date rejected",
			s:       Schedule{Kind: ScheduleOnce, StartTime: "08:00:00", EndTime: "09:00:00"},
			wantErr: ErrSchedulePastDate,
		},
		{
			name:    "once in the past rejected",
			s:       Schedule{Kind: ScheduleOnce, StartTime: "08:00:00", EndTime: "09:00:00", StartDate: &past},
			wantErr: ErrSchedulePastDate,
		},
		{
			name: "once in the future accepted",
			s:    Schedule{Kind: ScheduleOnce, StartTime: "08:00:00", EndTime: "09:00:00", StartDate: &future},
		},
		{
			name:    "weekly without weekdays rejected",
			s:       Schedule{Kind: ScheduleWeekly, StartTime: "08:00:00", EndTime: "09:00:00"},
			wantErr: ErrScheduleWeekdays,
		},
		{
			name:    "weekly with unknown weekday rejected",
			s:       Schedule{Kind: ScheduleWeekly, StartTime: "08:00:00", EndTime: "09:00:00", Weekdays: []string{"funday"}},
			wantErr: ErrScheduleWeekdays,
		},
		{
			name: "weekly accepted",
			s:    Schedule{Kind: ScheduleWeekly, StartTime: "08:00:00", EndTime: "09:00:00", Weekdays: []string{"monday", "friday"}},
		},
		{
			name: "continuous accepted",
			s:    Schedule{Kind: ScheduleContinuous, StartTime: "00:00:00", EndTime: "23:59:59"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate(now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("unknown kind rejected", func(t *testing.T) {
		s := Schedule{Kind: "hourly", StartTime: "08:00:00", EndTime: "09:00:00"}
		assert.Error(t, s.Validate(now))
	})
}
