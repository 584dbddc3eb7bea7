package dateparse

import (
	"testing"
	"time"
)

// Wednesday, 2026-02-18 12:00 UTC.
var testNow = time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)

func day(s string) time.Time {
	t, _ := time.Parse(time.DateOnly, s)
	return t
}

func TestParseFrom(t *testing.T) {
	tests := []struct {
		input string
		want  time.Time
	}{
		{"2024-01-02", day("2024-01-02")},
		{"today", day("2026-02-18")},
		{"Today", day("2026-02-18")},
		{"yesterday", day("2026-02-17")},
		{"tomorrow", day("2026-02-19")},
		{"now", testNow},
		{"+0d", day("2026-02-18")},
		{"+10d", day("2026-02-28")},
		{"-3d", day("2026-02-15")},
		{"+2w", day("2026-03-04")},
		{"-1w", day("2026-02-11")},
		{"+1m", day("2026-03-18")},
		{"-2m", day("2025-12-18")},
		{"friday", day("2026-02-20")},
		{"fri", day("2026-02-20")},
		{"next-monday", day("2026-02-23")},
		{"wednesday", day("2026-02-25")},
		{"last-monday", day("2026-02-16")},
		{"last-wed", day("2026-02-11")},
	}
	for _, tt := range tests {
		got, err := ParseFrom(tt.input, testNow)
		if err != nil {
			t.Errorf("ParseFrom(%q): %v", tt.input, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseFrom(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestParseFromUsesLocalCalendarDay(t *testing.T) {
	// 23:30 in Lima is already the next day in UTC.
	lima := time.FixedZone("PET", -5*3600)
	now := time.Date(2026, 2, 18, 23, 30, 0, 0, lima)
	got, err := ParseFrom("today", now)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(day("2026-02-18")) {
		t.Fatalf("today = %s, want 2026-02-18", got)
	}
}

func TestParseFromErrors(t *testing.T) {
	for _, input := range []string{"", "  ", "+d", "+xd", "+3y", "someday", "last-someday", "2026-13-01", "--3d"} {
		if got, err := ParseFrom(input, testNow); err == nil {
			t.Errorf("ParseFrom(%q) = %s, want error", input, got)
		}
	}
}
