package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marcus/tally/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAppliesMigrations(t *testing.T) {
	db := openTestDB(t)
	v, err := db.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v < 3 {
		t.Fatalf("schema version = %d, want >= 3", v)
	}
}

func TestPutGetOverwrite(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.Put(ctx, models.Clients, models.Entity{"id": "c1", "name": "Acme"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Put(ctx, models.Clients, models.Entity{"id": "c1", "name": "Acme Ltd"}); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}

	got, err := db.Get(ctx, models.Clients, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["name"] != "Acme Ltd" {
		t.Fatalf("name = %v, want Acme Ltd", got["name"])
	}
	all, err := db.GetAll(ctx, models.Clients)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("GetAll returned %d entities, want 1", len(all))
	}

	if _, err := db.Get(ctx, models.Clients, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: err = %v, want ErrNotFound", err)
	}
}

func TestPutRejectsUnknownCollectionAndMissingID(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.Put(ctx, "invoices", models.Entity{"id": "x"}); !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("err = %v, want ErrUnknownCollection", err)
	}
	if err := db.Put(ctx, models.Clients, models.Entity{"name": "no id"}); !errors.Is(err, ErrMissingID) {
		t.Fatalf("err = %v, want ErrMissingID", err)
	}
}

func TestUniqueIndexRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.Put(ctx, models.Clients, models.Entity{"id": "c1", "nationalId": "123"}); err != nil {
		t.Fatalf("Put c1: %v", err)
	}
	err := db.Put(ctx, models.Clients, models.Entity{"id": "c2", "nationalId": "123"})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("err = %v, want ErrDuplicateKey", err)
	}
	var dup *DuplicateKeyError
	if !errors.As(err, &dup) || dup.Index != "nationalId" || dup.Key != "123" {
		t.Fatalf("unexpected duplicate error detail: %#v", dup)
	}
	if _, err := db.Get(ctx, models.Clients, "c2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected entity was stored: %v", err)
	}

	// Re-putting the owner of the key is fine.
	if err := db.Put(ctx, models.Clients, models.Entity{"id": "c1", "nationalId": "123", "name": "x"}); err != nil {
		t.Fatalf("re-put c1: %v", err)
	}
	// Empty natural keys are not unique.
	for _, id := range []string{"c3", "c4"} {
		if err := db.Put(ctx, models.Clients, models.Entity{"id": id, "nationalId": ""}); err != nil {
			t.Fatalf("Put %s with empty key: %v", id, err)
		}
	}
}

func TestGetByIndex(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	receipts := []models.Entity{
		{"id": "r1", "clientId": "c1", "amount": float64(100)},
		{"id": "r2", "clientId": "c2", "amount": float64(50)},
		{"id": "r3", "clientId": "c1", "amount": float64(75)},
	}
	for _, r := range receipts {
		if err := db.Put(ctx, models.Receipts, r); err != nil {
			t.Fatalf("Put %s: %v", r.ID(), err)
		}
	}

	got, err := db.GetByIndex(ctx, models.Receipts, "clientId", "c1")
	if err != nil {
		t.Fatalf("GetByIndex: %v", err)
	}
	if len(got) != 2 || got[0].ID() != "r1" || got[1].ID() != "r3" {
		t.Fatalf("GetByIndex returned %v", got)
	}

	// Moving r3 to another client updates the index.
	if err := db.Put(ctx, models.Receipts, models.Entity{"id": "r3", "clientId": "c2"}); err != nil {
		t.Fatalf("Put r3: %v", err)
	}
	got, _ = db.GetByIndex(ctx, models.Receipts, "clientId", "c1")
	if len(got) != 1 {
		t.Fatalf("stale index entry after update: %v", got)
	}

	if _, err := db.GetByIndex(ctx, models.Receipts, "amount", "100"); !errors.Is(err, ErrUnknownIndex) {
		t.Fatalf("err = %v, want ErrUnknownIndex", err)
	}
}

func TestGetByIndexOnDateField(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.Put(ctx, models.Attendance, models.Entity{"id": "a1", "employeeId": "e1", "date": "2024-05-01"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for _, key := range []string{"2024-05-01", "2024-05-01T00:00:00Z", "2024-05-01T02:00:00+02:00"} {
		got, err := db.GetByIndex(ctx, models.Attendance, "date", key)
		if err != nil {
			t.Fatalf("GetByIndex(%q): %v", key, err)
		}
		if len(got) != 1 || got[0].ID() != "a1" {
			t.Fatalf("GetByIndex(%q) = %v, want a1", key, got)
		}
	}
	if got, _ := db.GetByIndex(ctx, models.Attendance, "date", "2024-05-02"); len(got) != 0 {
		t.Fatalf("other day matched: %v", got)
	}
}

func TestDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for _, id := range []string{"t1", "t2"} {
		if err := db.Put(ctx, models.Tasks, models.Entity{"id": id, "status": "open"}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := db.Delete(ctx, models.Tasks, "t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := db.Delete(ctx, models.Tasks, "t1"); err != nil {
		t.Fatalf("Delete absent should be a no-op: %v", err)
	}
	open, _ := db.GetByIndex(ctx, models.Tasks, "status", "open")
	if len(open) != 1 {
		t.Fatalf("index still lists deleted task: %v", open)
	}

	if err := db.Clear(ctx, models.Tasks); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := db.Count(ctx, models.Tasks); n != 0 {
		t.Fatalf("Count after Clear = %d", n)
	}
}

func TestDatesNormalizedOnRead(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	ts := time.Date(2024, 5, 1, 9, 30, 0, 123, time.UTC)
	err := db.Put(ctx, models.Attendance, models.Entity{
		"id":        "a1",
		"checkIn":   "not a date",
		"updatedAt": ts,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := db.Get(ctx, models.Attendance, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["checkIn"] != nil {
		t.Fatalf("malformed date should read back as nil, got %#v", got["checkIn"])
	}
	up, ok := got["updatedAt"].(time.Time)
	if !ok || !up.Equal(ts) {
		t.Fatalf("updatedAt = %#v, want %v", got["updatedAt"], ts)
	}
}

func TestDataSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Put(ctx, models.Expenses, models.Entity{"id": "e1", "category": "rent"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := db.EnqueueMutation(ctx, models.Mutation{ID: "m1", Op: models.OpCreate, Collection: models.Expenses, EntityID: "e1"}); err != nil {
		t.Fatalf("EnqueueMutation: %v", err)
	}
	db.Close()

	db, err = Open(ctx, dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if _, err := db.Get(ctx, models.Expenses, "e1"); err != nil {
		t.Fatalf("entity lost across reopen: %v", err)
	}
	if n, _ := db.CountPendingMutations(ctx); n != 1 {
		t.Fatalf("queue length after reopen = %d, want 1", n)
	}
}
