package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/marcus/tally/internal/models"
)

// historyLimit bounds the sync_history table.
const historyLimit = 1000

// SyncHistoryEntry represents a row from the sync_history table.
type SyncHistoryEntry struct {
	ID         int64
	Direction  string // "push" or "pull"
	Op         string // "create", "update", "delete", "merge"
	Collection string
	EntityID   string
	DeviceID   string
	Timestamp  time.Time
}

func recordHistoryTx(ctx context.Context, tx *sql.Tx, e SyncHistoryEntry) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_history (direction, op, collection, entity_id, device_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Direction, e.Op, e.Collection, e.EntityID, e.DeviceID, models.FormatTimestamp(e.Timestamp))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil || id%100 != 0 {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM sync_history WHERE id <= ?`, id-historyLimit)
	return err
}

// SyncHistoryTail returns the last N entries in chronological order (oldest first).
func (db *DB) SyncHistoryTail(ctx context.Context, limit int) ([]SyncHistoryEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, direction, op, collection, entity_id, device_id, timestamp
		FROM sync_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, storeErr("sync history", err)
	}
	defer rows.Close()

	var entries []SyncHistoryEntry
	for rows.Next() {
		var e SyncHistoryEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.Direction, &e.Op, &e.Collection, &e.EntityID, &e.DeviceID, &ts); err != nil {
			return nil, storeErr("sync history", err)
		}
		e.Timestamp, _ = models.ParseTimestamp(ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("sync history", err)
	}

	// Reverse to chronological order
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func marshalOrNull(e models.Entity) any {
	if e == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return string(data)
}
