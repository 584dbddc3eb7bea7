package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/marcus/tally/internal/config"
	"github.com/marcus/tally/internal/db"
	"github.com/marcus/tally/internal/engine"
	"github.com/marcus/tally/internal/models"
	"github.com/marcus/tally/internal/output"
	tsync "github.com/marcus/tally/internal/sync"
	"github.com/marcus/tally/internal/syncclient"
)

// resetFlags puts every flag of c and its children back to its default so
// that consecutive executions in one process do not leak state.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, child := range c.Commands() {
		resetFlags(child)
	}
}

// run executes the CLI with args against a private TALLY_HOME.
func run(t *testing.T, args ...string) error {
	t.Helper()
	resetFlags(rootCmd)
	cfgFile = ""
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TALLY_HOME", home)
	t.Setenv("TALLY_SYNC_URL", "")
	t.Setenv("TALLY_DATA_DIR", "")
	if err := run(t, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	return home
}

func openStore(t *testing.T, home string) *db.DB {
	t.Helper()
	store, err := db.Open(context.Background(), filepath.Join(home, "data"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInitWritesConfigAndIdentity(t *testing.T) {
	home := setupHome(t)

	if _, err := os.Stat(filepath.Join(home, "config.yaml")); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	id1, err := config.DeviceID(filepath.Join(home, "data"))
	if err != nil {
		t.Fatalf("DeviceID: %v", err)
	}

	// Second init keeps the identity.
	if err := run(t, "init"); err != nil {
		t.Fatalf("second init: %v", err)
	}
	id2, _ := config.DeviceID(filepath.Join(home, "data"))
	if id1 != id2 {
		t.Fatalf("device id changed across init: %s -> %s", id1, id2)
	}
}

func TestRecordCommands(t *testing.T) {
	home := setupHome(t)

	if err := run(t, "create", "clients", "id=c1", "name=Acme", "nationalId=42", "balance:=12.5"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := run(t, "update", "clients", "c1", "phone=555-0100"); err != nil {
		t.Fatalf("update: %v", err)
	}

	store := openStore(t, home)
	e, err := store.Get(context.Background(), models.Clients, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e["name"] != "Acme" || e["phone"] != "555-0100" || e["balance"] != 12.5 {
		t.Fatalf("merged record = %v", e)
	}
	if n, _ := store.CountPendingMutations(context.Background()); n != 2 {
		t.Fatalf("queue length = %d, want 2", n)
	}
	store.Close()

	if err := run(t, "delete", "clients", "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	store = openStore(t, home)
	if _, err := store.Get(context.Background(), models.Clients, "c1"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("after delete: err = %v, want ErrNotFound", err)
	}
}

func TestCreateDuplicateNaturalKeyFails(t *testing.T) {
	setupHome(t)

	if err := run(t, "create", "clients", "nationalId=42"); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := run(t, "create", "clients", "nationalId=42")
	if !errors.Is(err, db.ErrDuplicateKey) {
		t.Fatalf("err = %v, want ErrDuplicateKey", err)
	}
}

func TestUpdateMissingRecordFails(t *testing.T) {
	setupHome(t)

	err := run(t, "update", "tasks", "nope", "done:=true")
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestOfflineToggle(t *testing.T) {
	home := setupHome(t)

	if err := run(t, "offline"); err != nil {
		t.Fatalf("offline: %v", err)
	}
	v, err := config.New(filepath.Join(home, "config.yaml"))
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	c, err := config.Load(v)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if !c.Sync.Offline {
		t.Fatal("sync.offline not persisted")
	}

	if err := run(t, "online"); err != nil {
		t.Fatalf("online: %v", err)
	}
	v, _ = config.New(filepath.Join(home, "config.yaml"))
	c, _ = config.Load(v)
	if c.Sync.Offline {
		t.Fatal("sync.offline still set after online")
	}
}

func TestExportWipeImport(t *testing.T) {
	home := setupHome(t)
	out := filepath.Join(t.TempDir(), "backup.yaml")

	if err := run(t, "create", "receipts", "id=r1", "receiptNumber=R-1", "amount:=150"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := run(t, "export", "-o", out); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.Contains(string(data), "format: tally-export") {
		t.Fatalf("export is not YAML:\n%s", data)
	}

	if err := run(t, "wipe", "--yes"); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	store := openStore(t, home)
	if n, _ := store.Count(context.Background(), models.Receipts); n != 0 {
		t.Fatalf("receipts after wipe = %d", n)
	}
	if n, _ := store.CountPendingMutations(context.Background()); n != 0 {
		t.Fatalf("queue after wipe = %d", n)
	}
	store.Close()

	if err := run(t, "import", out); err != nil {
		t.Fatalf("import: %v", err)
	}
	store = openStore(t, home)
	e, err := store.Get(context.Background(), models.Receipts, "r1")
	if err != nil {
		t.Fatalf("imported receipt: %v", err)
	}
	if e["amount"] != float64(150) {
		t.Fatalf("amount = %v", e["amount"])
	}
	if n, _ := store.CountPendingMutations(context.Background()); n != 0 {
		t.Fatalf("import without --replicate queued %d mutations", n)
	}
}

func TestWipeNeedsConfirmation(t *testing.T) {
	setupHome(t)
	prev := stdinIsTerminal
	stdinIsTerminal = func() bool { return false }
	t.Cleanup(func() { stdinIsTerminal = prev })
	if err := run(t, "wipe"); err == nil {
		t.Fatal("wipe without --yes on a non-terminal succeeded")
	}
}

func TestSyncRequiresServer(t *testing.T) {
	setupHome(t)
	err := run(t, "sync")
	if !errors.Is(err, engine.ErrNoRemote) {
		t.Fatalf("err = %v, want ErrNoRemote", err)
	}
}

func TestListRequiresIndexAndKey(t *testing.T) {
	setupHome(t)
	if err := run(t, "list", "clients", "--index", "status"); err == nil {
		t.Fatal("--index without --key accepted")
	}
	if err := run(t, "list", "clients", "--index", "status", "--key", "active"); err != nil {
		t.Fatalf("list by index: %v", err)
	}
}

func TestParseAssignments(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    models.Entity
		wantErr bool
	}{
		{name: "strings", args: []string{"name=Acme", "nationalId=42"}, want: models.Entity{"name": "Acme", "nationalId": "42"}},
		{name: "json values", args: []string{"amount:=150", "paid:=true", "tags:=[\"a\"]"}, want: models.Entity{"amount": float64(150), "paid": true, "tags": []any{"a"}}},
		{name: "equals in value", args: []string{"note=a=b"}, want: models.Entity{"note": "a=b"}},
		{name: "colon in value", args: []string{"url=http://x:=y"}, want: models.Entity{"url": "http://x:=y"}},
		{name: "empty value", args: []string{"phone="}, want: models.Entity{"phone": ""}},
		{name: "missing equals", args: []string{"name"}, wantErr: true},
		{name: "empty key", args: []string{"=x"}, wantErr: true},
		{name: "bad json", args: []string{"amount:=abc"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAssignments(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAssignments: %v", err)
			}
			if output.FormatValue(map[string]any(got)) != output.FormatValue(map[string]any(tt.want)) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCollectFieldsAssignmentsWin(t *testing.T) {
	fields, err := collectFields(`{"name":"old","city":"Lima"}`, nil, []string{"name=new"})
	if err != nil {
		t.Fatalf("collectFields: %v", err)
	}
	if fields["name"] != "new" || fields["city"] != "Lima" {
		t.Fatalf("fields = %v", fields)
	}

	fields, err = collectFields("-", strings.NewReader(`{"amount": 3}`), nil)
	if err != nil || fields["amount"] != float64(3) {
		t.Fatalf("stdin data = %v, %v", fields, err)
	}

	if _, err := collectFields(`[1,2]`, nil, nil); err == nil {
		t.Fatal("non-object --data accepted")
	}
}

func TestFormatFromPath(t *testing.T) {
	cases := map[string]string{
		"b.yaml": engine.FormatYAML,
		"b.YML":  engine.FormatYAML,
		"b.json": engine.FormatJSON,
		"b.txt":  "fallback",
	}
	for path, want := range cases {
		if got := formatFromPath(path, "fallback"); got != want {
			t.Errorf("formatFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{db.ErrNotFound, output.ErrCodeNotFound},
		{&db.DuplicateKeyError{Collection: "clients", Index: "nationalId"}, output.ErrCodeDuplicateKey},
		{db.ErrUnknownCollection, output.ErrCodeInvalidInput},
		{tsync.ErrOffline, output.ErrCodeOffline},
		{engine.ErrNoRemote, output.ErrCodeOffline},
		{&syncclient.TransportError{Op: "push", Err: errors.New("refused")}, output.ErrCodeSyncError},
		{&engine.WipeError{Failed: map[string]error{"clients": &syncclient.TransportError{Op: "wipe", Err: errors.New("x")}}}, output.ErrCodeSyncError},
		{errors.New("disk full"), output.ErrCodeStoreError},
	}
	for _, c := range cases {
		if got := errorCode(c.err); got != c.want {
			t.Errorf("errorCode(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestResolveDates(t *testing.T) {
	now := time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)
	fields := models.Entity{
		"date":      "yesterday",
		"clientId":  "today",
		"createdAt": "2024-01-02T03:04:05Z",
	}
	if err := resolveDates(models.Receipts, fields, now); err != nil {
		t.Fatalf("resolveDates: %v", err)
	}
	if got, ok := fields["date"].(time.Time); !ok || !got.Equal(time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("date = %v", fields["date"])
	}
	if fields["clientId"] != "today" {
		t.Fatalf("non-date field rewritten: %v", fields["clientId"])
	}
	if fields["createdAt"] != "2024-01-02T03:04:05Z" {
		t.Fatalf("timestamp rewritten: %v", fields["createdAt"])
	}

	if err := resolveDates(models.Receipts, models.Entity{"date": "someday"}, now); err == nil {
		t.Fatal("unparseable date accepted")
	}
}

type recordingSetter struct {
	mu    sync.Mutex
	calls []bool
}

func (r *recordingSetter) SetOnline(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, online)
}

func TestOfflineReloaderLeavesSharedConfigAlone(t *testing.T) {
	prev := cfg
	cfg = &config.Config{}
	t.Cleanup(func() { cfg = prev })

	var offline atomic.Bool
	eng := &recordingSetter{}
	reload := offlineReloader(eng, &offline)

	reloaded := &config.Config{}
	reloaded.Sync.Offline = true
	reload(reloaded)
	reloaded.Sync.Offline = false
	reload(reloaded)

	if len(eng.calls) != 2 || eng.calls[0] != false || eng.calls[1] != true {
		t.Fatalf("SetOnline calls = %v, want [false true]", eng.calls)
	}
	if offline.Load() {
		t.Fatal("offline flag not updated by reload")
	}
	if cfg.Sync.Offline {
		t.Fatal("reload wrote the shared config")
	}
}
