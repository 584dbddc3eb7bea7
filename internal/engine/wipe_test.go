package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/marcus/tally/internal/models"
	tsync "github.com/marcus/tally/internal/sync"
)

func TestWipeRequiresConfirmation(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t, t.TempDir()))
	if _, err := e.CreateEntity(ctx, models.Clients, models.Entity{"name": "Acme"}); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if err := e.WipeAll(ctx, WipeOptions{}); !errors.Is(err, ErrWipeNotConfirmed) {
		t.Fatalf("err = %v, want ErrWipeNotConfirmed", err)
	}
	if n, _ := e.Store().Count(ctx, models.Clients); n != 1 {
		t.Fatalf("clients = %d after unconfirmed wipe", n)
	}
}

// Five clients and three queued mutations: everything goes, and every synced
// collection is wiped remotely exactly once.
func TestWipeAll(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	cfg := testConfig(t, t.TempDir())
	cfg.Remote = remote
	e := openEngine(t, cfg)

	for i := 0; i < 5; i++ {
		c := models.Entity{"id": fmt.Sprintf("c%d", i), "name": "client", "updatedAt": t0}
		if err := e.Store().Put(ctx, models.Clients, c); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := e.CreateEntity(ctx, models.Expenses, models.Entity{"amount": float64(i)}); err != nil {
			t.Fatalf("CreateEntity: %v", err)
		}
	}
	if n := queueLen(t, e); n != 3 {
		t.Fatalf("queue length = %d, want 3", n)
	}

	var wiped []string
	e.OnCollectionChanged(models.Clients, func(ev models.ChangeEvent) {
		if ev.Source == models.SourceWipe {
			wiped = append(wiped, ev.Collection)
		}
	})

	if err := e.WipeAll(ctx, WipeOptions{Confirmed: true}); err != nil {
		t.Fatalf("WipeAll: %v", err)
	}
	for _, c := range models.Collections() {
		if n, _ := e.Store().Count(ctx, c); n != 0 {
			t.Fatalf("%s has %d records after wipe", c, n)
		}
	}
	if n := queueLen(t, e); n != 0 {
		t.Fatalf("queue length = %d after wipe", n)
	}
	for _, c := range models.SyncedCollections() {
		if remote.wiped[c] != 1 {
			t.Fatalf("remote wipe of %s called %d times", c, remote.wiped[c])
		}
	}
	if remote.wiped[models.ActivityLog] != 0 {
		t.Fatal("local-only collection wiped remotely")
	}
	if len(wiped) != 1 {
		t.Fatalf("wipe events = %v", wiped)
	}
}

func TestWipePartialRemoteFailure(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	boom := errors.New("HTTP 503")
	remote.wipeErr[models.Tasks] = boom
	cfg := testConfig(t, t.TempDir())
	cfg.Remote = remote
	e := openEngine(t, cfg)

	if _, err := e.CreateEntity(ctx, models.Tasks, models.Entity{"title": "count till"}); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}

	err := e.WipeAll(ctx, WipeOptions{Confirmed: true})
	var werr *WipeError
	if !errors.As(err, &werr) {
		t.Fatalf("err = %v, want *WipeError", err)
	}
	if len(werr.Failed) != 1 || !errors.Is(werr.Failed[models.Tasks], boom) {
		t.Fatalf("failed = %v", werr.Failed)
	}
	if !errors.Is(err, boom) {
		t.Fatal("WipeError does not unwrap to the cause")
	}
	if n, _ := e.Store().Count(ctx, models.Tasks); n != 0 {
		t.Fatal("local tasks survived a partial wipe")
	}
	if n := queueLen(t, e); n != 0 {
		t.Fatalf("queue length = %d", n)
	}
}

func TestWipeRestartsLiveEngine(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	cfg := testConfig(t, t.TempDir())
	cfg.Remote = remote
	cfg.Live = true
	e := openEngine(t, cfg)

	active := func() bool {
		for _, s := range e.SubscriptionStates() {
			if s != tsync.Active {
				return false
			}
		}
		return true
	}
	waitFor(t, "subscriptions", active)

	if err := e.WipeAll(ctx, WipeOptions{Confirmed: true}); err != nil {
		t.Fatalf("WipeAll: %v", err)
	}
	waitFor(t, "subscriptions after wipe", active)
}
