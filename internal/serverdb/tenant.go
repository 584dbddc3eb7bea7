package serverdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/marcus/tally/internal/models"
)

// ApplyStatus is the verdict on one pushed mutation.
type ApplyStatus string

const (
	StatusApplied   ApplyStatus = "applied"
	StatusDuplicate ApplyStatus = "duplicate"
	StatusStale     ApplyStatus = "stale"
)

// Mutation is a pushed change as the server stores it.
type Mutation struct {
	ID              string
	DeviceID        string
	Op              models.Op
	Collection      string
	EntityID        string
	Payload         models.Entity
	ClientTimestamp time.Time
}

// ApplyResult reports what ApplyMutation did. Entity is set when an upsert
// was applied, Tombstone when a delete was.
type ApplyResult struct {
	Status    ApplyStatus
	Seq       int64
	Entity    models.Entity
	Tombstone *models.Tombstone
}

// TenantDB is one tenant's authoritative copy of every synced collection.
type TenantDB struct {
	conn *sql.DB
	path string
}

// OpenTenant opens (creating if needed) a tenant database.
func OpenTenant(ctx context.Context, dbPath string) (*TenantDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create tenant dir: %w", err)
	}
	conn, err := openSQLite(ctx, dbPath, "tenant")
	if err != nil {
		return nil, err
	}
	return &TenantDB{conn: conn, path: dbPath}, nil
}

// Close checkpoints the WAL and closes the database connection.
func (t *TenantDB) Close() error {
	t.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return t.conn.Close()
}

// Path returns the database file path.
func (t *TenantDB) Path() string { return t.path }

// ApplyMutation applies a pushed mutation exactly once. A mutation id seen
// before is a duplicate. Otherwise the write applies unless the stored copy
// (live or tombstone) carries a strictly newer timestamp, in which case the
// mutation is stale. Deletes leave a tombstone behind.
func (t *TenantDB) ApplyMutation(ctx context.Context, m Mutation) (ApplyResult, error) {
	var res ApplyResult
	if m.ID == "" || m.EntityID == "" {
		return res, errors.New("apply mutation: missing mutation or entity id")
	}
	if !m.Op.Valid() {
		return res, fmt.Errorf("apply mutation: invalid op %q", m.Op)
	}

	tx, err := t.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("apply mutation: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM applied_mutations WHERE mutation_id = ?`, m.ID).Scan(&seq)
	switch {
	case err == nil:
		return ApplyResult{Status: StatusDuplicate, Seq: seq}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return res, fmt.Errorf("lookup mutation: %w", err)
	}

	stamp := m.Payload.Stamp()
	if stamp.IsZero() && m.Op == models.OpDelete {
		stamp = m.ClientTimestamp.UTC()
	}

	var storedAt string
	exists := true
	err = tx.QueryRowContext(ctx,
		`SELECT updated_at FROM entities WHERE collection = ? AND id = ?`,
		m.Collection, m.EntityID).Scan(&storedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		exists = false
	case err != nil:
		return res, fmt.Errorf("lookup entity: %w", err)
	}

	status := StatusApplied
	if exists {
		if stored, perr := models.ParseTimestamp(storedAt); perr == nil && stored.After(stamp) {
			status = StatusStale
		}
	}

	r, err := tx.ExecContext(ctx, `
		INSERT INTO applied_mutations (mutation_id, device_id, op, collection, entity_id, status, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.DeviceID, string(m.Op), m.Collection, m.EntityID, string(status), models.FormatTimestamp(time.Now()))
	if err != nil {
		return res, fmt.Errorf("record mutation: %w", err)
	}
	seq, _ = r.LastInsertId()
	res = ApplyResult{Status: status, Seq: seq}

	if status == StatusApplied {
		var stampText string
		if !stamp.IsZero() {
			stampText = models.FormatTimestamp(stamp)
		}
		data := []byte("{}")
		deleted := 1
		if m.Op != models.OpDelete {
			entity := m.Payload.Clone()
			if entity == nil {
				entity = models.Entity{}
			}
			entity[models.FieldID] = m.EntityID
			data, err = json.Marshal(entity)
			if err != nil {
				return res, fmt.Errorf("marshal entity: %w", err)
			}
			deleted = 0
			res.Entity = entity
		} else {
			res.Tombstone = &models.Tombstone{ID: m.EntityID, DeletedAt: stamp}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entities (collection, id, data, updated_at, deleted, seq) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(collection, id) DO UPDATE SET
				data = excluded.data, updated_at = excluded.updated_at,
				deleted = excluded.deleted, seq = excluded.seq
		`, m.Collection, m.EntityID, string(data), stampText, deleted, seq); err != nil {
			return res, fmt.Errorf("store entity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("commit mutation: %w", err)
	}
	return res, nil
}

// ListEntities returns the live entities of a collection in write order.
func (t *TenantDB) ListEntities(ctx context.Context, collection string) ([]models.Entity, error) {
	rows, err := t.conn.QueryContext(ctx,
		`SELECT data FROM entities WHERE collection = ? AND deleted = 0 ORDER BY seq`, collection)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	out := []models.Entity{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		var e models.Entity
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decode entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListTombstones returns the deletes recorded for a collection.
func (t *TenantDB) ListTombstones(ctx context.Context, collection string) ([]models.Tombstone, error) {
	rows, err := t.conn.QueryContext(ctx,
		`SELECT id, updated_at FROM entities WHERE collection = ? AND deleted = 1 ORDER BY seq`, collection)
	if err != nil {
		return nil, fmt.Errorf("list tombstones: %w", err)
	}
	defer rows.Close()

	var out []models.Tombstone
	for rows.Next() {
		var ts models.Tombstone
		var at string
		if err := rows.Scan(&ts.ID, &at); err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		ts.DeletedAt, _ = models.ParseTimestamp(at)
		out = append(out, ts)
	}
	return out, rows.Err()
}

// WipeCollection hard-deletes a collection, tombstones included. Applied
// mutation ids are kept so replays of pre-wipe mutations stay no-ops.
func (t *TenantDB) WipeCollection(ctx context.Context, collection string) (int64, error) {
	tx, err := t.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("wipe collection: %w", err)
	}
	defer tx.Rollback()

	var live int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE collection = ? AND deleted = 0`, collection).Scan(&live); err != nil {
		return 0, fmt.Errorf("count collection: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE collection = ?`, collection); err != nil {
		return 0, fmt.Errorf("wipe collection: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("wipe collection: %w", err)
	}
	return live, nil
}

// Stats returns counts of live entities and applied mutations.
func (t *TenantDB) Stats(ctx context.Context) (entities, mutations int64, err error) {
	err = t.conn.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM entities WHERE deleted = 0),
		       (SELECT COUNT(*) FROM applied_mutations)
	`).Scan(&entities, &mutations)
	if err != nil {
		return 0, 0, fmt.Errorf("tenant stats: %w", err)
	}
	return entities, mutations, nil
}
