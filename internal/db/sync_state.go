package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/marcus/tally/internal/models"
)

const keyLastSync = "last_sync_at"

// LastSync returns the time of the last successful sync, or nil if none.
func (db *DB) LastSync(ctx context.Context) (*time.Time, error) {
	var v string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, keyLastSync).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("last sync", err)
	}
	t, err := models.ParseTimestamp(v)
	if err != nil {
		return nil, nil
	}
	return &t, nil
}

// SetLastSync records a successful sync.
func (db *DB) SetLastSync(ctx context.Context, t time.Time) error {
	return db.writeTx(ctx, "set last sync", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO sync_state (key, value) VALUES (?, ?)`, keyLastSync, models.FormatTimestamp(t))
		return err
	})
}

// SyncConflict is a remote overwrite of an entity that still had queued
// local mutations.
type SyncConflict struct {
	ID         int64
	Collection string
	EntityID   string
	LocalData  string
	RemoteData string
	DetectedAt time.Time
}

func recordConflictTx(ctx context.Context, tx *sql.Tx, collection, id string, local, remote models.Entity) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_conflicts (collection, entity_id, local_data, remote_data, detected_at)
		VALUES (?, ?, ?, ?, ?)
	`, collection, id, marshalOrNull(local), marshalOrNull(remote), models.FormatTimestamp(time.Now()))
	return err
}

// RecentConflicts returns the newest conflicts first.
func (db *DB) RecentConflicts(ctx context.Context, limit int) ([]SyncConflict, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, collection, entity_id, COALESCE(local_data, 'null'), COALESCE(remote_data, 'null'), detected_at
		FROM sync_conflicts
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, storeErr("recent conflicts", err)
	}
	defer rows.Close()

	var out []SyncConflict
	for rows.Next() {
		var c SyncConflict
		var ts string
		if err := rows.Scan(&c.ID, &c.Collection, &c.EntityID, &c.LocalData, &c.RemoteData, &ts); err != nil {
			return nil, storeErr("recent conflicts", err)
		}
		c.DetectedAt, _ = models.ParseTimestamp(ts)
		out = append(out, c)
	}
	return out, storeErr("recent conflicts", rows.Err())
}
