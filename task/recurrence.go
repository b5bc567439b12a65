package task

import (
	"fmt"
	"strings"
	"time"
)

// Recurrence computes the next due time for a recurring task.
//
// Supported rule syntax:
//
//	""                    no recurrence
//	every:<duration>      fixed interval, e.g. "every:90m"
//	daily:HH:MM           calendar daily at the given wall-clock time
//	weekly:<day>:HH:MM    calendar weekly, e.g. "weekly:mon:09:00"
type Recurrence struct {
	rule     string
	interval time.Duration
	weekday  time.Weekday
	hasDay   bool
	hour     int
	minute   int
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// ParseRecurrence parses a recurrence rule. An empty rule is valid and
// yields a zero-value Recurrence whose None method reports true.
func ParseRecurrence(rule string) (Recurrence, error) {
	if rule == "" {
		return Recurrence{}, nil
	}
	switch {
	case strings.HasPrefix(rule, "every:"):
		d, err := time.ParseDuration(strings.TrimPrefix(rule, "every:"))
		if err != nil {
			return Recurrence{}, fmt.Errorf("recurrence %q: %w", rule, err)
		}
		if d <= 0 {
			return Recurrence{}, fmt.Errorf("recurrence %q: interval must be positive", rule)
		}
		return Recurrence{rule: rule, interval: d}, nil

	case strings.HasPrefix(rule, "daily:"):
		h, m, err := parseClock(strings.TrimPrefix(rule, "daily:"))
		if err != nil {
			return Recurrence{}, fmt.Errorf("recurrence %q: %w", rule, err)
		}
		return Recurrence{rule: rule, hour: h, minute: m}, nil

	case strings.HasPrefix(rule, "weekly:"):
		rest := strings.TrimPrefix(rule, "weekly:")
		day, clock, ok := strings.Cut(rest, ":")
		if !ok {
			return Recurrence{}, fmt.Errorf("recurrence %q: want weekly:<day>:HH:MM", rule)
		}
		wd, ok := weekdays[strings.ToLower(day)]
		if !ok {
			return Recurrence{}, fmt.Errorf("recurrence %q: unknown weekday %q", rule, day)
		}
		h, m, err := parseClock(clock)
		if err != nil {
			return Recurrence{}, fmt.Errorf("recurrence %q: %w", rule, err)
		}
		return Recurrence{rule: rule, weekday: wd, hasDay: true, hour: h, minute: m}, nil
	}
	return Recurrence{}, fmt.Errorf("recurrence %q: unknown rule", rule)
}

func parseClock(s string) (hour, minute int, err error) {
	if _, err = fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("bad clock %q, want HH:MM", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("clock %q out of range", s)
	}
	return hour, minute, nil
}

// None reports whether the rule describes no recurrence.
func (r Recurrence) None() bool { return r.rule == "" }

// String returns the original rule text.
func (r Recurrence) String() string { return r.rule }

// Next returns the next due time strictly after the given instant, so a
// re-armed task can never fire again for the same occurrence even under
// clock skew.
func (r Recurrence) Next(after time.Time) time.Time {
	switch {
	case r.None():
		return time.Time{}
	case r.interval > 0:
		return after.Add(r.interval)
	case r.hasDay:
		next := time.Date(after.Year(), after.Month(), after.Day(), r.hour, r.minute, 0, 0, after.Location())
		for next.Weekday() != r.weekday || !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	default: // daily
		next := time.Date(after.Year(), after.Month(), after.Day(), r.hour, r.minute, 0, 0, after.Location())
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}
