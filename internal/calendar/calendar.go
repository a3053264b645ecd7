// Package calendar answers business-hours questions in one fixed civil
// timezone. Every input instant is converted to that zone first.
package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock supplies the current instant. Components take a Clock instead of
// calling time.Now so tests can pin "now".
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Fixed returns a Clock that always reports t.
func Fixed(t time.Time) Clock { return ClockFunc(func() time.Time { return t }) }

// Window is a business window expressed in minutes since local midnight.
// Start is inclusive, End exclusive.
type Window struct {
	Start int
	End   int
}

func (w Window) Valid() bool {
	return w.Start >= 0 && w.End <= 24*60 && w.Start < w.End
}

func (w Window) StartHour() int { return w.Start / 60 }
func (w Window) EndHour() int   { return w.End / 60 }

func (w Window) String() string {
	return FormatClock(w.Start) + "-" + FormatClock(w.End)
}

// Config describes the business calendar.
type Config struct {
	Location    *time.Location
	Weekday     Window
	Saturday    Window
	WorkingDays []time.Weekday
	// Holidays are civil dates (YYYY-MM-DD) treated as non-working.
	Holidays []string
}

// Calendar is immutable after New and safe for concurrent use.
type Calendar struct {
	loc      *time.Location
	weekday  Window
	saturday Window
	working  [7]bool
	holidays map[string]struct{}
}

func New(cfg Config) *Calendar {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	c := &Calendar{
		loc:      loc,
		weekday:  cfg.Weekday,
		saturday: cfg.Saturday,
		holidays: make(map[string]struct{}, len(cfg.Holidays)),
	}
	for _, d := range cfg.WorkingDays {
		if d >= time.Sunday && d <= time.Saturday {
			c.working[d] = true
		}
	}
	for _, h := range cfg.Holidays {
		h = strings.TrimSpace(h)
		if h != "" {
			c.holidays[h] = struct{}{}
		}
	}
	return c
}

func (c *Calendar) Location() *time.Location { return c.loc }

// Local converts t into the calendar timezone.
func (c *Calendar) Local(t time.Time) time.Time { return t.In(c.loc) }

// IsWorkingDay reports whether now falls on a configured working weekday
// that is not a holiday.
func (c *Calendar) IsWorkingDay(now time.Time) bool {
	local := c.Local(now)
	if !c.working[local.Weekday()] {
		return false
	}
	_, holiday := c.holidays[local.Format(time.DateOnly)]
	return !holiday
}

// BusinessWindow selects the Saturday window on Saturdays and the standard
// window otherwise.
func (c *Calendar) BusinessWindow(now time.Time) Window {
	if c.Local(now).Weekday() == time.Saturday {
		return c.saturday
	}
	return c.weekday
}

// IsBusinessHours is false on non-working days regardless of the clock hour.
func (c *Calendar) IsBusinessHours(now time.Time) bool {
	if !c.IsWorkingDay(now) {
		return false
	}
	w := c.BusinessWindow(now)
	m := minuteOfDay(c.Local(now))
	return m >= w.Start && m < w.End
}

// IsEndOfDayWindow reports whether now is within tolerance of today's window
// end (inclusive on both sides).
func (c *Calendar) IsEndOfDayWindow(now time.Time, toleranceMinutes int) bool {
	if toleranceMinutes < 0 {
		return false
	}
	local := c.Local(now)
	end := c.windowEnd(local)
	diff := local.Sub(end)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(toleranceMinutes)*time.Minute
}

func (c *Calendar) windowEnd(local time.Time) time.Time {
	w := c.BusinessWindow(local)
	y, mo, d := local.Date()
	return time.Date(y, mo, d, w.End/60, w.End%60, 0, 0, c.loc)
}

// MinutesElapsed returns whole minutes from start to now (negative when
// start is after now).
func MinutesElapsed(start, now time.Time) int {
	return int(now.Sub(start) / time.Minute)
}

func minuteOfDay(t time.Time) int { return t.Hour()*60 + t.Minute() }

// ParseClock parses "HH:MM" (or "HH") into minutes since midnight. "24:00"
// is accepted as the end of day.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time of day")
	}
	hs, ms, found := strings.Cut(s, ":")
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m := 0
	if found {
		m, err = strconv.Atoi(ms)
		if err != nil || m < 0 || m > 59 {
			return 0, fmt.Errorf("invalid minute in %q", s)
		}
	}
	if h < 0 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	return h*60 + m, nil
}

func FormatClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// ParseWeekday accepts English names and three-letter abbreviations.
func ParseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sun", "sunday":
		return time.Sunday, nil
	case "mon", "monday":
		return time.Monday, nil
	case "tue", "tuesday":
		return time.Tuesday, nil
	case "wed", "wednesday":
		return time.Wednesday, nil
	case "thu", "thursday":
		return time.Thursday, nil
	case "fri", "friday":
		return time.Friday, nil
	case "sat", "saturday":
		return time.Saturday, nil
	default:
		return 0, fmt.Errorf("invalid weekday %q", s)
	}
}
