package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/marcus/tally/internal/db"
	"github.com/marcus/tally/internal/models"
)

var (
	t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

// counter hands out predictable ids.
type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) next() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return fmt.Sprintf("id-%d", c.n)
}

func testConfig(t *testing.T, dir string) Config {
	ids := &counter{}
	return Config{
		DataDir:       dir,
		DeviceID:      "dev-1",
		Actor:         "ana",
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:           func() time.Time { return t0 },
		NewID:         ids.next,
		SyncInterval:  time.Hour,
		ProbeInterval: 10 * time.Millisecond,
	}
}

func openEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func queueLen(t *testing.T, e *Engine) int {
	t.Helper()
	n, err := e.Queue().Len(context.Background())
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t, t.TempDir()))

	created, err := e.CreateEntity(ctx, models.Clients, models.Entity{"name": "Acme"})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	id := created.ID()
	if id == "" {
		t.Fatal("no id assigned")
	}
	if ca, _ := models.AsTime(created[models.FieldCreatedAt]); !created.Stamp().Equal(t0) || !ca.Equal(t0) {
		t.Fatalf("timestamps = %v / %v", created[models.FieldUpdatedAt], created[models.FieldCreatedAt])
	}

	updated, err := e.UpdateEntity(ctx, models.Clients, models.Entity{"id": id, "name": "Acme Ltd"})
	if err != nil {
		t.Fatalf("UpdateEntity: %v", err)
	}
	if !updated.Stamp().After(created.Stamp()) {
		t.Fatalf("update stamp %v not after %v", updated.Stamp(), created.Stamp())
	}
	if ca, _ := models.AsTime(updated[models.FieldCreatedAt]); !ca.Equal(t0) {
		t.Fatalf("createdAt not carried over: %v", updated[models.FieldCreatedAt])
	}

	got, err := e.Get(ctx, models.Clients, id)
	if err != nil || got["name"] != "Acme Ltd" {
		t.Fatalf("Get = %v, %v", got, err)
	}

	if err := e.DeleteEntity(ctx, models.Clients, id); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	if _, err := e.Get(ctx, models.Clients, id); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("Get after delete: %v", err)
	}

	pending, err := e.Queue().Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	ops := []models.Op{models.OpCreate, models.OpUpdate, models.OpDelete}
	if len(pending) != len(ops) {
		t.Fatalf("queued %d mutations, want %d", len(pending), len(ops))
	}
	for i, m := range pending {
		if m.Op != ops[i] || m.EntityID != id || m.DeviceID != "dev-1" {
			t.Fatalf("mutation %d = %+v", i, m)
		}
	}
	if ts, ok := pending[2].Payload.UpdatedAt(); !ok || !ts.After(updated.Stamp()) {
		t.Fatalf("delete stamp = %v", pending[2].Payload[models.FieldUpdatedAt])
	}

	activity, err := e.GetByIndex(ctx, models.ActivityLog, "entityId", id)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if len(activity) != 3 || activity[0]["actor"] != "ana" || activity[2]["action"] != "delete" {
		t.Fatalf("activity = %v", activity)
	}
}

func TestCreateKeepsSuppliedFields(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t, t.TempDir()))

	got, err := e.CreateEntity(ctx, models.Clients, models.Entity{"id": "c1", "name": "Acme", "updatedAt": t1})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if got.ID() != "c1" || !got.Stamp().Equal(t1) {
		t.Fatalf("created = %v", got)
	}
	if _, err := e.CreateEntity(ctx, models.Clients, models.Entity{"id": "c1"}); !errors.Is(err, db.ErrDuplicateKey) {
		t.Fatalf("second create: err = %v, want ErrDuplicateKey", err)
	}
}

func TestMissingEntity(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t, t.TempDir()))

	if _, err := e.UpdateEntity(ctx, models.Tasks, models.Entity{"id": "nope"}); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("update: err = %v", err)
	}
	if err := e.DeleteEntity(ctx, models.Tasks, "nope"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("delete: err = %v", err)
	}
	if _, err := e.UpdateEntity(ctx, models.Tasks, models.Entity{"title": "x"}); !errors.Is(err, db.ErrMissingID) {
		t.Fatalf("update without id: err = %v", err)
	}
	if _, err := e.CreateEntity(ctx, "invoices", models.Entity{}); !errors.Is(err, db.ErrUnknownCollection) {
		t.Fatalf("unknown collection: err = %v", err)
	}
	if n := queueLen(t, e); n != 0 {
		t.Fatalf("queue length = %d", n)
	}
}

func TestDuplicateNaturalKeyQueuesNothing(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t, t.TempDir()))

	if _, err := e.CreateEntity(ctx, models.Employees, models.Entity{"email": "a@shop.io"}); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	_, err := e.CreateEntity(ctx, models.Employees, models.Entity{"email": "a@shop.io"})
	var dup *db.DuplicateKeyError
	if !errors.As(err, &dup) || dup.Index != "email" {
		t.Fatalf("err = %v, want DuplicateKeyError on email", err)
	}
	if n := queueLen(t, e); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
}

func TestListeners(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t, t.TempDir()))

	var events []models.ChangeEvent
	l := e.OnCollectionChanged(models.Receipts, func(ev models.ChangeEvent) { events = append(events, ev) })
	other := e.OnCollectionChanged(models.Clients, func(models.ChangeEvent) {
		t.Fatal("clients listener saw a receipts write")
	})
	defer other.Unsubscribe()

	if _, err := e.CreateEntity(ctx, models.Receipts, models.Entity{"id": "r1", "amount": 10.0}); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if len(events) != 1 || events[0].Source != models.SourceLocal || events[0].IDs[0] != "r1" {
		t.Fatalf("events = %+v", events)
	}

	l.Unsubscribe()
	l.Unsubscribe()
	if _, err := e.CreateEntity(ctx, models.Receipts, models.Entity{"id": "r2"}); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("listener fired after Unsubscribe: %+v", events)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e, err := Open(ctx, testConfig(t, dir))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, name := range []string{"a", "b"} {
		if _, err := e.CreateEntity(ctx, models.Clients, models.Entity{"name": name}); err != nil {
			t.Fatalf("CreateEntity: %v", err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e = openEngine(t, testConfig(t, dir))
	if n := queueLen(t, e); n != 2 {
		t.Fatalf("queue length after reopen = %d, want 2", n)
	}
}

func TestSyncWithoutRemote(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t, t.TempDir()))

	if _, err := e.Flush(ctx); !errors.Is(err, ErrNoRemote) {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := e.Pull(ctx); !errors.Is(err, ErrNoRemote) {
		t.Fatalf("Pull: %v", err)
	}
	st, err := e.GetSyncStatus(ctx)
	if err != nil {
		t.Fatalf("GetSyncStatus: %v", err)
	}
	if st.IsOnline || st.LastSync != nil || st.QueueLength != 0 {
		t.Fatalf("status = %+v", st)
	}

	cfg := testConfig(t, t.TempDir())
	cfg.Live = true
	if _, err := Open(ctx, cfg); !errors.Is(err, ErrNoRemote) {
		t.Fatalf("live without remote: %v", err)
	}
}

func TestFlushAndStatus(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	cfg := testConfig(t, t.TempDir())
	cfg.Remote = remote
	e := openEngine(t, cfg)

	if _, err := e.CreateEntity(ctx, models.Tasks, models.Entity{"id": "t1", "title": "Order stock"}); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	st, err := e.GetSyncStatus(ctx)
	if err != nil {
		t.Fatalf("GetSyncStatus: %v", err)
	}
	if !st.IsOnline || st.QueueLength != 1 || st.LastSync != nil {
		t.Fatalf("status before flush = %+v", st)
	}

	res, err := e.Flush(ctx)
	if err != nil || res.Sent != 1 {
		t.Fatalf("Flush = %+v, %v", res, err)
	}
	st, _ = e.GetSyncStatus(ctx)
	if st.QueueLength != 0 || st.LastSync == nil {
		t.Fatalf("status after flush = %+v", st)
	}

	e.SetOnline(false)
	st, _ = e.GetSyncStatus(ctx)
	if st.IsOnline {
		t.Fatal("online after SetOnline(false)")
	}
}

func TestPullMergesRemoteState(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.state[models.Expenses] = map[string]models.Entity{
		"x1": {"id": "x1", "category": "rent", "updatedAt": models.FormatTimestamp(t1)},
	}
	cfg := testConfig(t, t.TempDir())
	cfg.Remote = remote
	e := openEngine(t, cfg)

	var events []models.ChangeEvent
	e.OnCollectionChanged(models.Expenses, func(ev models.ChangeEvent) { events = append(events, ev) })

	stats, err := e.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if stats.Inserted != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	rent, err := e.GetByIndex(ctx, models.Expenses, "category", "rent")
	if err != nil || len(rent) != 1 {
		t.Fatalf("GetByIndex = %v, %v", rent, err)
	}
	if len(events) != 1 || events[0].Source != models.SourceRemote {
		t.Fatalf("events = %+v", events)
	}
}

// Offline create, then reconnect: the queue drains and the remote holds the
// record with its original timestamp.
func TestOfflineCreateDrainsOnReconnect(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	cfg := testConfig(t, t.TempDir())
	cfg.Remote = remote
	cfg.Live = true
	cfg.Offline = true
	e := openEngine(t, cfg)

	if _, err := e.CreateEntity(ctx, models.Clients, models.Entity{"id": "c1", "name": "Acme", "updatedAt": t1}); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if _, err := e.Get(ctx, models.Clients, "c1"); err != nil {
		t.Fatalf("local copy missing: %v", err)
	}
	if n := queueLen(t, e); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
	time.Sleep(30 * time.Millisecond)
	if remote.pushCount() != 0 {
		t.Fatal("pushed while offline")
	}

	e.SetOnline(true)
	waitFor(t, "queue drain", func() bool { return queueLen(t, e) == 0 })

	got, ok := remote.get(models.Clients, "c1")
	if !ok {
		t.Fatal("remote has no c1")
	}
	if ts, _ := got.UpdatedAt(); !ts.Equal(t1) {
		t.Fatalf("remote updatedAt = %v, want %v", ts, t1)
	}
}

// An older remote version arriving through the subscription never
// overwrites a newer local one.
func TestOlderRemoteChangeIgnored(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	cfg := testConfig(t, t.TempDir())
	cfg.Remote = remote
	cfg.Live = true
	cfg.Offline = true
	e := openEngine(t, cfg)

	if _, err := e.CreateEntity(ctx, models.Receipts, models.Entity{"id": "r1", "amount": 100.0, "updatedAt": t2}); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	waitFor(t, "receipts subscription", func() bool { return remote.subscribers(models.Receipts) > 0 })

	remote.deliver(models.Change{
		Collection: models.Receipts,
		Entities:   []models.Entity{{"id": "r1", "amount": 150.0, "updatedAt": models.FormatTimestamp(t1)}},
	})
	got, err := e.Get(ctx, models.Receipts, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["amount"] != 100.0 {
		t.Fatalf("amount = %v, want 100", got["amount"])
	}

	remote.deliver(models.Change{
		Collection: models.Receipts,
		Entities:   []models.Entity{{"id": "r1", "amount": 175.0, "updatedAt": models.FormatTimestamp(t2.Add(time.Second))}},
	})
	got, _ = e.Get(ctx, models.Receipts, "r1")
	if got["amount"] != 175.0 {
		t.Fatalf("newer remote not applied: amount = %v", got["amount"])
	}
}

// A pull that still carries a record this device deleted, before the delete
// has been pushed, must not bring the record back.
func TestPullKeepsQueuedDelete(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	cfg := testConfig(t, t.TempDir())
	cfg.Remote = remote
	e := openEngine(t, cfg)

	if _, err := e.CreateEntity(ctx, models.Clients, models.Entity{"id": "c1", "name": "Acme"}); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if _, err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := e.DeleteEntity(ctx, models.Clients, "c1"); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}

	stats, err := e.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if stats.Inserted != 0 {
		t.Fatalf("stats = %+v, want nothing inserted", stats)
	}
	if _, err := e.Get(ctx, models.Clients, "c1"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("Get after pull: %v, want ErrNotFound", err)
	}
	if n := queueLen(t, e); n != 1 {
		t.Fatalf("queue length = %d, want the delete still queued", n)
	}
}
