// Package schedule computes when a subscription fires next. The
// calculator is pure: the same schedule, instant, and timezone always
// produce the same answer, and nothing here touches the clock or any I/O.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/coreybb/kindledrop/models"
)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ComputeNextRun maps a schedule descriptor, the current UTC instant, and
// the owner's IANA timezone to the next fire instant in UTC.
//
// Manual schedules return (nil, nil): they never fire on their own. All
// other kinds return an instant strictly after nowUTC. Daily and weekly
// schedules treat the configured wall-clock time as authoritative in the
// owner's timezone, so a run configured for 07:00 stays at 07:00 local
// across daylight-saving transitions.
//
// A malformed timezone, time of day, weekday set, or interval is a
// *models.ConfigurationError, never a silent fallback.
func ComputeNextRun(s models.Schedule, nowUTC time.Time, timezone string) (*time.Time, error) {
	switch s.Kind {
	case models.ScheduleKindManual:
		return nil, nil

	case models.ScheduleKindInterval:
		if s.IntervalHours <= 0 {
			return nil, &models.ConfigurationError{
				Reason: fmt.Sprintf("interval hours must be positive, got %d", s.IntervalHours),
			}
		}
		// Interval schedules never fire immediately: the first run after
		// enabling is one full period out, same as every later run.
		next := nowUTC.Add(time.Duration(s.IntervalHours) * time.Hour).UTC()
		return &next, nil

	case models.ScheduleKindDaily:
		local, hour, minute, err := localizedTarget(s, nowUTC, timezone)
		if err != nil {
			return nil, err
		}
		return nextDaily(local, nowUTC, hour, minute), nil

	case models.ScheduleKindWeekly:
		local, hour, minute, err := localizedTarget(s, nowUTC, timezone)
		if err != nil {
			return nil, err
		}
		return nextWeekly(s.Days, local, nowUTC, hour, minute)

	default:
		return nil, &models.ConfigurationError{
			Reason: fmt.Sprintf("unknown schedule kind %q", s.Kind),
		}
	}
}

// localizedTarget resolves the owner's location and the schedule's
// wall-clock time, returning "now" in the owner's timezone.
func localizedTarget(s models.Schedule, nowUTC time.Time, timezone string) (local time.Time, hour, minute int, err error) {
	if timezone == "" {
		return time.Time{}, 0, 0, &models.ConfigurationError{Reason: "timezone is not set"}
	}
	loc, locErr := time.LoadLocation(timezone)
	if locErr != nil {
		return time.Time{}, 0, 0, &models.ConfigurationError{
			Reason: fmt.Sprintf("unknown timezone %q", timezone),
		}
	}
	hour, minute, parseErr := parseTimeOfDay(s.Time)
	if parseErr != nil {
		return time.Time{}, 0, 0, parseErr
	}
	return nowUTC.In(loc), hour, minute, nil
}

func nextDaily(local, nowUTC time.Time, hour, minute int) *time.Time {
	target := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, local.Location())
	if !target.After(nowUTC) {
		// Today's instant is at or before now: same wall-clock time on the
		// next calendar day. time.Date normalizes day overflow, keeping the
		// wall clock fixed across DST.
		target = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, local.Location())
	}
	u := target.UTC()
	return &u
}

func nextWeekly(days []string, local, nowUTC time.Time, hour, minute int) (*time.Time, error) {
	targets, err := parseWeekdays(days)
	if err != nil {
		return nil, err
	}

	// Scan up to 7 days ahead inclusive: offset 7 covers today's weekday
	// recurring next week when today's instant has already passed.
	for ahead := 0; ahead <= 7; ahead++ {
		candidate := time.Date(local.Year(), local.Month(), local.Day()+ahead, hour, minute, 0, 0, local.Location())
		if !targets[candidate.Weekday()] {
			continue
		}
		if candidate.After(nowUTC) {
			u := candidate.UTC()
			return &u, nil
		}
	}

	// Unreachable with a non-empty weekday set.
	return nil, &models.ConfigurationError{Reason: "no upcoming weekday found in schedule"}
}

func parseWeekdays(days []string) (map[time.Weekday]bool, error) {
	if len(days) == 0 {
		return nil, &models.ConfigurationError{Reason: "weekly schedule has no weekdays"}
	}
	targets := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		wd, ok := weekdayNames[strings.ToLower(d)]
		if !ok {
			return nil, &models.ConfigurationError{Reason: fmt.Sprintf("unknown weekday %q", d)}
		}
		targets[wd] = true
	}
	return targets, nil
}

// parseTimeOfDay accepts "HH:MM" and "HH:MM:SS" wall-clock times.
func parseTimeOfDay(timeOfDay string) (hour, minute int, err error) {
	t, parseErr := time.Parse("15:04", timeOfDay)
	if parseErr != nil {
		t, parseErr = time.Parse("15:04:05", timeOfDay)
	}
	if parseErr != nil {
		return 0, 0, &models.ConfigurationError{
			Reason: fmt.Sprintf("invalid time of day %q, want HH:MM", timeOfDay),
		}
	}
	return t.Hour(), t.Minute(), nil
}
