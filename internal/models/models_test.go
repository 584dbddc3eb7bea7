package models

import (
	"testing"
	"time"
)

func TestEntityUpdatedAtFallsBackToLastModified(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	e := Entity{"id": "c1", "lastModified": ts.Format(time.RFC3339)}
	got, ok := e.UpdatedAt()
	if !ok || !got.Equal(ts) {
		t.Fatalf("UpdatedAt = %v, %v; want %v", got, ok, ts)
	}

	if _, ok := (Entity{"id": "c1"}).UpdatedAt(); ok {
		t.Fatal("expected no timestamp for entity without updatedAt")
	}
	if s := (Entity{"id": "c1", "updatedAt": "garbage"}).Stamp(); !s.IsZero() {
		t.Fatalf("malformed timestamp should order as zero, got %v", s)
	}
}

func TestEntityCloneIsDeep(t *testing.T) {
	e := Entity{
		"id":   "r1",
		"tags": []any{"a", "b"},
		"meta": map[string]any{"k": "v"},
	}
	c := e.Clone()
	c["tags"].([]any)[0] = "x"
	c["meta"].(map[string]any)["k"] = "changed"

	if e["tags"].([]any)[0] != "a" {
		t.Fatal("clone shares slice with original")
	}
	if e["meta"].(map[string]any)["k"] != "v" {
		t.Fatal("clone shares map with original")
	}
}

func TestSchemaNormalizeDates(t *testing.T) {
	s := MustLookup(Receipts)
	in := Entity{
		"id":        "r1",
		"date":      "2024-02-30T99:00:00Z",
		"updatedAt": "2024-03-01T10:00:00Z",
		"createdAt": float64(1709287200000),
		"amount":    float64(100),
	}
	out := s.Normalize(in)

	if out["date"] != nil {
		t.Fatalf("malformed date should normalize to nil, got %#v", out["date"])
	}
	if _, ok := out["updatedAt"].(time.Time); !ok {
		t.Fatalf("updatedAt not decoded: %#v", out["updatedAt"])
	}
	if ct, ok := out["createdAt"].(time.Time); !ok || ct.UnixMilli() != 1709287200000 {
		t.Fatalf("createdAt epoch millis not decoded: %#v", out["createdAt"])
	}
	if out["amount"] != float64(100) {
		t.Fatalf("non-date field changed: %#v", out["amount"])
	}
	if _, ok := in["updatedAt"].(string); !ok {
		t.Fatal("Normalize mutated its input")
	}
}

func TestRegistry(t *testing.T) {
	all := Collections()
	if len(all) != 11 {
		t.Fatalf("expected 11 collections, got %d: %v", len(all), all)
	}
	for _, n := range SyncedCollections() {
		if n == ActivityLog {
			t.Fatal("activity_log must be local-only")
		}
	}
	if len(SyncedCollections()) != len(all)-1 {
		t.Fatalf("synced collections = %v", SyncedCollections())
	}
	idx, ok := MustLookup(Clients).Index("nationalId")
	if !ok || !idx.Unique {
		t.Fatal("clients.nationalId should be a unique index")
	}
}

func TestIndexKey(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{"abc", "abc", true},
		{float64(42), "42", true},
		{float64(1.5), "1.5", true},
		{true, "true", true},
		{nil, "", false},
		{map[string]any{}, "", false},
	}
	for _, tt := range tests {
		got, ok := IndexKey(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("IndexKey(%#v) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNextStampIsStrictlyIncreasing(t *testing.T) {
	prev := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	now := prev.Add(-time.Hour)
	got := NextStamp(now, prev)
	if !got.After(prev) {
		t.Fatalf("NextStamp(%v, %v) = %v, want after prev", now, prev, got)
	}
	later := prev.Add(time.Hour)
	if got := NextStamp(later, prev); !got.Equal(later) {
		t.Fatalf("NextStamp should prefer now when it is later, got %v", got)
	}
}
