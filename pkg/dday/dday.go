// Package dday computes countdown labels ("D-3", "D-0") from task deadlines.
package dday

import (
	"strconv"
	"strings"
	"time"
)

// DefaultPrefix is the prefix shared by every countdown label.
const DefaultPrefix = "D-"

// DefaultTimezone is the timezone in which calendar days are counted.
const DefaultTimezone = "Asia/Seoul"

// Label is a countdown label such as "D-0" or "D-12".
type Label string

func (l Label) String() string { return string(l) }

// IsLabel reports whether name looks like a countdown label.
// Any label starting with the prefix counts, so stale labels
// in other formats ("D-Day") are cleaned up too.
func IsLabel(name string) bool {
	return strings.HasPrefix(name, DefaultPrefix)
}

// dateLayouts are the ISO-8601 forms a deadline may take.
// Notion reports either a bare date or a date-time with an offset.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
}

// ParseDeadline parses an ISO-8601 date or date-time and returns
// the wall-clock date it names, placed at midnight in loc.
//
// The offset in the input is deliberately not applied: a deadline of
// "2024-05-01T23:00:00+00:00" is the 1st of May in loc, not the 2nd.
func ParseDeadline(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc), true
	}
	return time.Time{}, false
}

// Calculate computes the countdown label for the deadline due,
// relative to now as observed in loc.
//
// It reports false if due is empty or cannot be parsed.
// Deadlines today or in the past yield "D-0".
func Calculate(due string, now time.Time, loc *time.Location) (Label, bool) {
	if loc == nil {
		loc = time.UTC
	}
	deadline, ok := ParseDeadline(due, loc)
	if !ok {
		return "", false
	}

	y, m, d := now.In(loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return ForDays(daysBetween(today, deadline)), true
}

// ForDays returns the label for a deadline diff calendar days away.
func ForDays(diff int) Label {
	if diff <= 0 {
		return Label(DefaultPrefix + "0")
	}
	return Label(DefaultPrefix + strconv.Itoa(diff))
}

// daysBetween counts calendar days from a to b, both at midnight.
// Calendar arithmetic in UTC keeps DST transitions in loc from skewing the count.
func daysBetween(a, b time.Time) int {
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}
