package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/coreybb/kindledrop/models"
)

func mustUTC(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("bad test timestamp %q: %v", value, err)
	}
	return parsed.UTC()
}

func TestComputeNextRun_Daily(t *testing.T) {
	tests := []struct {
		name      string
		timeOfDay string
		timezone  string
		now       string
		want      string
	}{
		{
			name:      "before today's fire time",
			timeOfDay: "07:00",
			timezone:  "UTC",
			now:       "2024-06-10T05:30:00Z",
			want:      "2024-06-10T07:00:00Z",
		},
		{
			name:      "after today's fire time rolls to tomorrow",
			timeOfDay: "07:00",
			timezone:  "UTC",
			now:       "2024-06-10T08:00:00Z",
			want:      "2024-06-11T07:00:00Z",
		},
		{
			name:      "exactly at the fire time rolls to tomorrow",
			timeOfDay: "07:00",
			timezone:  "UTC",
			now:       "2024-06-10T07:00:00Z",
			want:      "2024-06-11T07:00:00Z",
		},
		{
			name:      "local wall clock in a non-UTC zone",
			timeOfDay: "07:00",
			timezone:  "America/New_York",
			// 10:00 UTC = 06:00 EDT, so today's 07:00 EDT is still ahead.
			now:  "2024-06-10T10:00:00Z",
			want: "2024-06-10T11:00:00Z",
		},
		{
			name:      "spring forward keeps 07:00 local",
			timeOfDay: "07:00",
			timezone:  "America/New_York",
			// 2024-03-09 20:00 EST. DST starts overnight; the next 07:00
			// local is 11:00 UTC (EDT), not 12:00 UTC (EST).
			now:  "2024-03-10T01:00:00Z",
			want: "2024-03-10T11:00:00Z",
		},
		{
			name:      "fall back keeps 07:00 local",
			timeOfDay: "07:00",
			timezone:  "America/New_York",
			// 2024-11-02 20:00 EDT. DST ends overnight; the next 07:00
			// local is 12:00 UTC (EST).
			now:  "2024-11-03T00:00:00Z",
			want: "2024-11-03T12:00:00Z",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := mustUTC(t, tt.now)
			s := models.Schedule{Kind: models.ScheduleKindDaily, Time: tt.timeOfDay}

			got, err := ComputeNextRun(s, now, tt.timezone)
			if err != nil {
				t.Fatalf("ComputeNextRun() error = %v", err)
			}
			if got == nil {
				t.Fatal("ComputeNextRun() = nil, want a timestamp")
			}
			if want := mustUTC(t, tt.want); !got.Equal(want) {
				t.Errorf("ComputeNextRun() = %v, want %v", got, want)
			}
			if !got.After(now) {
				t.Errorf("ComputeNextRun() = %v, not strictly after now %v", got, now)
			}
		})
	}
}

// TestComputeNextRun_DailyAdvancesAcrossDST walks a daily schedule
// through the spring-forward boundary and checks every result lands at
// 07:00 local wall-clock time.
func TestComputeNextRun_DailyAdvancesAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	s := models.Schedule{Kind: models.ScheduleKindDaily, Time: "07:00"}
	now := mustUTC(t, "2024-03-08T00:00:00Z")

	for i := 0; i < 4; i++ {
		next, err := ComputeNextRun(s, now, "America/New_York")
		if err != nil {
			t.Fatalf("step %d: ComputeNextRun() error = %v", i, err)
		}
		local := next.In(loc)
		if local.Hour() != 7 || local.Minute() != 0 {
			t.Errorf("step %d: fired at %02d:%02d local, want 07:00", i, local.Hour(), local.Minute())
		}
		// Advance past the returned instant to compute the following day.
		now = next.Add(time.Second)
	}
}

func TestComputeNextRun_Weekly(t *testing.T) {
	tests := []struct {
		name string
		days []string
		now  string
		want string
	}{
		{
			// 2024-06-11 is a Tuesday.
			name: "tuesday before time lands on friday",
			days: []string{"mon", "fri"},
			now:  "2024-06-11T05:00:00Z",
			want: "2024-06-14T07:00:00Z",
		},
		{
			// 2024-06-14 is a Friday; 08:00 is past 07:00, wrap to Monday.
			name: "friday after time wraps to monday",
			days: []string{"mon", "fri"},
			now:  "2024-06-14T08:00:00Z",
			want: "2024-06-17T07:00:00Z",
		},
		{
			// Single-day set where today already passed: a full week out.
			name: "single day wraps a full week",
			days: []string{"fri"},
			now:  "2024-06-14T08:00:00Z",
			want: "2024-06-21T07:00:00Z",
		},
		{
			name: "today in set and time still ahead fires today",
			days: []string{"fri"},
			now:  "2024-06-14T06:00:00Z",
			want: "2024-06-14T07:00:00Z",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := mustUTC(t, tt.now)
			s := models.Schedule{Kind: models.ScheduleKindWeekly, Time: "07:00", Days: tt.days}

			got, err := ComputeNextRun(s, now, "UTC")
			if err != nil {
				t.Fatalf("ComputeNextRun() error = %v", err)
			}
			if got == nil {
				t.Fatal("ComputeNextRun() = nil, want a timestamp")
			}
			if want := mustUTC(t, tt.want); !got.Equal(want) {
				t.Errorf("ComputeNextRun() = %v, want %v", got, want)
			}
		})
	}
}

func TestComputeNextRun_Interval(t *testing.T) {
	now := mustUTC(t, "2024-06-10T13:37:21Z")
	s := models.Schedule{Kind: models.ScheduleKindInterval, IntervalHours: 12}

	got, err := ComputeNextRun(s, now, "UTC")
	if err != nil {
		t.Fatalf("ComputeNextRun() error = %v", err)
	}
	if want := now.Add(12 * time.Hour); !got.Equal(want) {
		t.Errorf("ComputeNextRun() = %v, want exactly %v", got, want)
	}
}

func TestComputeNextRun_Manual(t *testing.T) {
	now := mustUTC(t, "2024-06-10T13:00:00Z")

	got, err := ComputeNextRun(models.Schedule{Kind: models.ScheduleKindManual}, now, "UTC")
	if err != nil {
		t.Fatalf("ComputeNextRun() error = %v", err)
	}
	if got != nil {
		t.Errorf("ComputeNextRun() = %v, want nil for manual schedules", got)
	}
}

func TestComputeNextRun_ConfigurationErrors(t *testing.T) {
	now := mustUTC(t, "2024-06-10T13:00:00Z")

	tests := []struct {
		name     string
		schedule models.Schedule
		timezone string
	}{
		{
			name:     "unknown timezone",
			schedule: models.Schedule{Kind: models.ScheduleKindDaily, Time: "07:00"},
			timezone: "Mars/Olympus_Mons",
		},
		{
			name:     "empty timezone",
			schedule: models.Schedule{Kind: models.ScheduleKindDaily, Time: "07:00"},
			timezone: "",
		},
		{
			name:     "malformed time of day",
			schedule: models.Schedule{Kind: models.ScheduleKindDaily, Time: "7 o'clock"},
			timezone: "UTC",
		},
		{
			name:     "weekly without weekdays",
			schedule: models.Schedule{Kind: models.ScheduleKindWeekly, Time: "07:00"},
			timezone: "UTC",
		},
		{
			name:     "weekly with unknown weekday",
			schedule: models.Schedule{Kind: models.ScheduleKindWeekly, Time: "07:00", Days: []string{"funday"}},
			timezone: "UTC",
		},
		{
			name:     "non-positive interval",
			schedule: models.Schedule{Kind: models.ScheduleKindInterval, IntervalHours: 0},
			timezone: "UTC",
		},
		{
			name:     "unknown schedule kind",
			schedule: models.Schedule{Kind: "fortnightly"},
			timezone: "UTC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeNextRun(tt.schedule, now, tt.timezone)
			var cfgErr *models.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Errorf("ComputeNextRun() error = %v, want *models.ConfigurationError", err)
			}
		})
	}
}
