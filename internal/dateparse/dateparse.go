// Package dateparse resolves the shorthand date expressions accepted on the
// command line for date fields (receipt dates, due dates, check-ins).
package dateparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseFrom resolves input relative to now. Accepted forms:
//
//	now                      the instant itself
//	today, yesterday, tomorrow
//	2024-01-02               a calendar day
//	+3d, -2w, +1m            day, week or month offsets
//	monday, next-friday      the next such weekday after today
//	last-monday              the previous such weekday
//
// Day results are midnight UTC of the calendar day as seen in now's location.
func ParseFrom(input string, now time.Time) (time.Time, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if s == "now" {
		return now.UTC(), nil
	}

	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	switch s {
	case "today":
		return today, nil
	case "yesterday":
		return today.AddDate(0, 0, -1), nil
	case "tomorrow":
		return today.AddDate(0, 0, 1), nil
	}

	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}

	if s[0] == '+' || s[0] == '-' {
		return offset(today, s)
	}

	if name, ok := strings.CutPrefix(s, "last-"); ok {
		wd, ok := weekday(name)
		if !ok {
			return time.Time{}, fmt.Errorf("unknown weekday %q", name)
		}
		back := (int(today.Weekday()) - int(wd) + 7) % 7
		if back == 0 {
			back = 7
		}
		return today.AddDate(0, 0, -back), nil
	}

	if wd, ok := weekday(strings.TrimPrefix(s, "next-")); ok {
		ahead := (int(wd) - int(today.Weekday()) + 7) % 7
		if ahead == 0 {
			ahead = 7
		}
		return today.AddDate(0, 0, ahead), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized date %q", input)
}

func offset(base time.Time, s string) (time.Time, error) {
	if len(s) < 3 {
		return time.Time{}, fmt.Errorf("invalid offset %q", s)
	}
	n, err := strconv.Atoi(s[1 : len(s)-1])
	if err != nil || n < 0 {
		return time.Time{}, fmt.Errorf("invalid offset %q", s)
	}
	if s[0] == '-' {
		n = -n
	}
	switch s[len(s)-1] {
	case 'd':
		return base.AddDate(0, 0, n), nil
	case 'w':
		return base.AddDate(0, 0, 7*n), nil
	case 'm':
		return base.AddDate(0, n, 0), nil
	}
	return time.Time{}, fmt.Errorf("invalid offset unit in %q", s)
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func weekday(name string) (time.Weekday, bool) {
	wd, ok := weekdays[name]
	return wd, ok
}
