package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"impersonation-detector/internal/models"
)

// quietRemaining returns how long the quiet window containing now still lasts, or 0 when now is
// outside it. Windows with Start after End wrap past midnight; Start equal to End disables them.
func quietRemaining(qh *models.QuietHours, now time.Time) (time.Duration, error) {
	if qh == nil {
		return 0, nil
	}
	start, err := parseClock(qh.Start)
	if err != nil {
		return 0, fmt.Errorf("quiet hours start: %w", err)
	}
	end, err := parseClock(qh.End)
	if err != nil {
		return 0, fmt.Errorf("quiet hours end: %w", err)
	}
	if start == end {
		return 0, nil
	}
	loc := time.UTC
	if qh.TimeZone != "" {
		if loc, err = time.LoadLocation(qh.TimeZone); err != nil {
			return 0, fmt.Errorf("quiet hours time zone: %w", err)
		}
	}

	local := now.In(loc)
	tod := time.Duration(local.Hour())*time.Hour + time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second + time.Duration(local.Nanosecond())

	var inside bool
	if start < end {
		inside = tod >= start && tod < end
	} else {
		inside = tod >= start || tod < end
	}
	if !inside {
		return 0, nil
	}

	endAt := wallClock(local, 0, end)
	if !endAt.After(local) {
		endAt = wallClock(local, 1, end)
	}
	return endAt.Sub(local), nil
}

// wallClock returns the instant the clock in day's location reads clock, days after day.
// Building it from calendar fields keeps DST transitions out of the arithmetic.
func wallClock(day time.Time, days int, clock time.Duration) time.Time {
	h := int(clock / time.Hour)
	m := int((clock % time.Hour) / time.Minute)
	return time.Date(day.Year(), day.Month(), day.Day()+days, h, m, 0, 0, day.Location())
}

// parseClock reads "HH:MM" as a wall-clock time of day.
func parseClock(s string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// ValidateQuietHours reports whether qh can be evaluated: both clocks parse and the time zone loads.
func ValidateQuietHours(qh *models.QuietHours) error {
	_, err := quietRemaining(qh, time.Now())
	return err
}
