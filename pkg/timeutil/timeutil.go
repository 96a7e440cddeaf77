// Package timeutil provides the calendar and clock helpers shared by the
// persisted stores. All canonical boundaries are computed in UTC.
package timeutil

import (
	"fmt"
	"time"
)

// WeekBoundary is the weekday on which a new achievement week begins.
const WeekBoundary = time.Tuesday

// Clock returns the current time. Stores take a Clock so tests can move time.
type Clock func() time.Time

// SystemClock returns time.Now in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// StartOfDay returns 00:00:00 UTC of the day containing t.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfWeek returns the most recent WeekBoundary at 00:00 UTC at or before t.
// On a Monday this is the Tuesday six days earlier.
func StartOfWeek(t time.Time) time.Time {
	day := StartOfDay(t)
	back := (int(day.Weekday()) - int(WeekBoundary) + 7) % 7
	return day.AddDate(0, 0, -back)
}

// NextWeekStart returns the boundary that follows the week containing t.
func NextWeekStart(t time.Time) time.Time {
	return StartOfWeek(t).AddDate(0, 0, 7)
}

// FromEpochMillis converts milliseconds since the Unix epoch to UTC time.
func FromEpochMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// EpochMillis converts t to milliseconds since the Unix epoch.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// LogStamp formats t for human-readable journal lines.
func LogStamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05") + " UTC"
}

// FileStem formats t as a filesystem-safe, lexically sortable name.
func FileStem(t time.Time) string {
	return t.UTC().Format("2006-01-02_15-04-05")
}

// ParseFileStem reverses FileStem.
func ParseFileStem(stem string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02_15-04-05", stem, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("timeutil: invalid stem %q: %w", stem, err)
	}
	return t, nil
}

// FormatDuration renders d as "1h05m" style text, rounded to the minute.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Minute)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%02dm", h, m)
}
