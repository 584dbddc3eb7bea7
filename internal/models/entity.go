package models

import (
	"fmt"
	"math"
	"time"
)

// Well-known entity fields.
const (
	FieldID           = "id"
	FieldUpdatedAt    = "updatedAt"
	FieldLastModified = "lastModified"
	FieldCreatedAt    = "createdAt"
)

// Entity is a generic domain record. Payload fields are opaque to the engine
// apart from id and the timestamp fields.
type Entity map[string]any

// ID returns the entity id, or "" when missing or not a string.
func (e Entity) ID() string {
	id, _ := e[FieldID].(string)
	return id
}

// UpdatedAt returns the conflict-resolution timestamp. lastModified is used
// when updatedAt is absent. ok is false when neither holds a usable time.
func (e Entity) UpdatedAt() (t time.Time, ok bool) {
	for _, f := range []string{FieldUpdatedAt, FieldLastModified} {
		if t, ok := AsTime(e[f]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// Stamp returns the ordering key: the updated time, or the zero time when absent.
func (e Entity) Stamp() time.Time {
	t, _ := e.UpdatedAt()
	return t
}

// Clone deep-copies nested maps and slices.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = cloneValue(vv)
		}
		return m
	case Entity:
		return x.Clone()
	case []any:
		s := make([]any, len(x))
		for i, vv := range x {
			s[i] = cloneValue(vv)
		}
		return s
	case []string:
		return append([]string(nil), x...)
	case []map[string]any:
		s := make([]map[string]any, len(x))
		for i, vv := range x {
			s[i], _ = cloneValue(vv).(map[string]any)
		}
		return s
	default:
		return v
	}
}

// AsTime converts a stored or decoded value to a time. Strings are parsed with
// ParseTimestamp and numbers are taken as epoch milliseconds.
func AsTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, !x.IsZero()
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return *x, !x.IsZero()
	case string:
		t, err := ParseTimestamp(x)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || x <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(x)).UTC(), true
	case int64:
		if x <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(x).UTC(), true
	case int:
		if x <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(x)).UTC(), true
	}
	return time.Time{}, false
}

// ParseTimestamp parses the timestamp layouts produced by this engine, by
// JSON encoders, and by SQLite's datetime functions.
func ParseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05 -0700 MST",
		"2006-01-02",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// FormatTimestamp is the canonical text form of a timestamp.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NextStamp returns a timestamp strictly after prev, preferring now.
func NextStamp(now, prev time.Time) time.Time {
	now = now.UTC()
	if !prev.IsZero() && !now.After(prev) {
		return prev.UTC().Add(time.Nanosecond)
	}
	return now
}
