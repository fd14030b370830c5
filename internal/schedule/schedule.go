// Package schedule models a booking's weekly shift pattern.
//
// Schedules are stored as JSON keyed by lowercase weekday name. Each value is
// either the typed form {"start":"08:00","end":"16:00"} or, for rows imported
// from the legacy system, a "8:00 AM - 4:00 PM" string. Legacy strings are
// converted when the JSON is decoded; nothing downstream handles text.
package schedule

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// TimeOfDay is a wall-clock time in minutes after midnight.
type TimeOfDay int

func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// On returns the instant this time of day falls on the calendar date of d.
func (t TimeOfDay) On(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, t.Hour(), t.Minute(), 0, 0, d.Location())
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseClock(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

var clockLayouts = []string{"3:04 PM", "3:04PM", "15:04", "3 PM", "3PM"}

// ParseClock accepts "9:30 AM", "9:30am", "21:30" and "9 PM".
func ParseClock(s string) (TimeOfDay, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, layout := range clockLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return NewTimeOfDay(parsed.Hour(), parsed.Minute()), nil
		}
	}
	return 0, fmt.Errorf("unrecognised time of day %q", s)
}

// Shift is one day's scheduled working window.
type Shift struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// Duration is the scheduled length of the shift. An end earlier than the
// start means the shift runs past midnight.
func (s Shift) Duration() time.Duration {
	minutes := int(s.End) - int(s.Start)
	if minutes < 0 {
		minutes += minutesPerDay
	}
	return time.Duration(minutes) * time.Minute
}

func (s Shift) String() string {
	return s.Start.String() + "-" + s.End.String()
}

// ParseTimeRange reads the legacy "H:MM AM - H:MM PM" representation.
func ParseTimeRange(s string) (Shift, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return Shift{}, fmt.Errorf("time range %q: expected \"start - end\"", s)
	}
	start, err := ParseClock(parts[0])
	if err != nil {
		return Shift{}, fmt.Errorf("time range %q: %w", s, err)
	}
	end, err := ParseClock(parts[1])
	if err != nil {
		return Shift{}, fmt.Errorf("time range %q: %w", s, err)
	}
	return Shift{Start: start, End: end}, nil
}

func (s *Shift) UnmarshalJSON(data []byte) error {
	var legacy string
	if err := json.Unmarshal(data, &legacy); err == nil {
		parsed, err := ParseTimeRange(legacy)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}

	type plain Shift
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("shift: %w", err)
	}
	*s = Shift(p)
	return nil
}

// Weekly maps a weekday to its shift. Days without work are absent.
type Weekly map[time.Weekday]Shift

// For returns the shift scheduled on d's weekday.
func (w Weekly) For(d time.Time) (Shift, bool) {
	s, ok := w[d.Weekday()]
	return s, ok
}

func (w Weekly) MarshalJSON() ([]byte, error) {
	out := make(map[string]Shift, len(w))
	for day, shift := range w {
		out[strings.ToLower(day.String())] = shift
	}
	return json.Marshal(out)
}

func (w *Weekly) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	out := make(Weekly, len(raw))
	for key, value := range raw {
		day, ok := parseWeekday(key)
		if !ok {
			return fmt.Errorf("schedule: unknown weekday %q", key)
		}
		if string(value) == "null" || string(value) == `""` {
			continue
		}
		var shift Shift
		if err := json.Unmarshal(value, &shift); err != nil {
			return fmt.Errorf("schedule %s: %w", key, err)
		}
		out[day] = shift
	}
	*w = out
	return nil
}

// Scan implements sql.Scanner for JSONB columns.
func (w *Weekly) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*w = Weekly{}
		return nil
	case []byte:
		return w.UnmarshalJSON(v)
	case string:
		return w.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("schedule: cannot scan %T", src)
	}
}

// Value implements driver.Valuer.
func (w Weekly) Value() (driver.Value, error) {
	if w == nil {
		return []byte("{}"), nil
	}
	return w.MarshalJSON()
}

func parseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, true
		}
	}
	return 0, false
}

var firstInt = regexp.MustCompile(`\d+`)

// HoursPerDay extracts the daily hours from a free-text duty type such as
// "8 Hours per Day". It returns def when the text has no number.
func HoursPerDay(dutyType string, def int) int {
	match := firstInt.FindString(dutyType)
	if match == "" {
		return def
	}
	n, err := strconv.Atoi(match)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
