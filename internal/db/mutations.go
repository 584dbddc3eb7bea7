package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/tally/internal/models"
)

// EnqueueMutation appends m to the durable queue and returns it with Seq set.
func (db *DB) EnqueueMutation(ctx context.Context, m models.Mutation) (models.Mutation, error) {
	err := db.writeTx(ctx, "enqueue", func(tx *sql.Tx) error {
		var err error
		m, err = enqueueTx(ctx, tx, m)
		return err
	})
	return m, err
}

func enqueueTx(ctx context.Context, tx *sql.Tx, m models.Mutation) (models.Mutation, error) {
	var payload sql.NullString
	if m.Payload != nil {
		data, err := json.Marshal(m.Payload)
		if err != nil {
			return m, fmt.Errorf("encode mutation payload: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO mutations (mutation_id, op, collection, entity_id, payload, device_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, string(m.Op), m.Collection, m.EntityID, payload, m.DeviceID, models.FormatTimestamp(m.CreatedAt))
	if err != nil {
		return m, fmt.Errorf("insert mutation: %w", err)
	}
	m.Seq, err = res.LastInsertId()
	return m, err
}

// PendingMutations returns up to limit queued mutations with seq > afterSeq,
// oldest first.
func (db *DB) PendingMutations(ctx context.Context, afterSeq int64, limit int) ([]models.Mutation, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT seq, mutation_id, op, collection, entity_id, payload, device_id, created_at, attempts, last_error
		FROM mutations
		WHERE seq > ?
		ORDER BY seq
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, storeErr("pending mutations", err)
	}
	defer rows.Close()

	var out []models.Mutation
	for rows.Next() {
		var (
			m         models.Mutation
			op        string
			payload   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&m.Seq, &m.ID, &op, &m.Collection, &m.EntityID, &payload,
			&m.DeviceID, &createdAt, &m.Attempts, &m.LastError); err != nil {
			return nil, storeErr("pending mutations", err)
		}
		m.Op = models.Op(op)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &m.Payload); err != nil {
				return nil, storeErr("pending mutations", fmt.Errorf("decode payload seq %d: %w", m.Seq, err))
			}
		}
		if t, err := models.ParseTimestamp(createdAt); err == nil {
			m.CreatedAt = t
		}
		out = append(out, m)
	}
	return out, storeErr("pending mutations", rows.Err())
}

// CompleteMutation removes a delivered mutation and records it in the sync
// history in the same transaction.
func (db *DB) CompleteMutation(ctx context.Context, m models.Mutation) error {
	return db.writeTx(ctx, "complete mutation", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE seq = ?`, m.Seq); err != nil {
			return err
		}
		return recordHistoryTx(ctx, tx, SyncHistoryEntry{
			Direction:  "push",
			Op:         string(m.Op),
			Collection: m.Collection,
			EntityID:   m.EntityID,
			DeviceID:   m.DeviceID,
			Timestamp:  time.Now().UTC(),
		})
	})
}

// RecordMutationFailure bumps the attempt counter and stores the last error.
func (db *DB) RecordMutationFailure(ctx context.Context, seq int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return db.writeTx(ctx, "record failure", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE mutations SET attempts = attempts + 1, last_error = ? WHERE seq = ?`, msg, seq)
		return err
	})
}

// CountPendingMutations returns the queue length.
func (db *DB) CountPendingMutations(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations`).Scan(&n)
	return n, storeErr("count mutations", err)
}

// ClearMutations discards every queued mutation and returns how many were dropped.
func (db *DB) ClearMutations(ctx context.Context) (int64, error) {
	var n int64
	err := db.writeTx(ctx, "clear mutations", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM mutations`)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func hasPendingTx(ctx context.Context, tx *sql.Tx, collection, id string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations WHERE collection = ? AND entity_id = ?`, collection, id).Scan(&n)
	return n > 0, err
}

// pendingDeleteTx returns the timestamp of the newest queued delete for id.
func pendingDeleteTx(ctx context.Context, tx *sql.Tx, collection, id string) (time.Time, bool, error) {
	var payload sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT payload FROM mutations
		WHERE collection = ? AND entity_id = ? AND op = ?
		ORDER BY seq DESC LIMIT 1
	`, collection, id, string(models.OpDelete)).Scan(&payload)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if !payload.Valid {
		return time.Time{}, true, nil
	}
	var e models.Entity
	if err := json.Unmarshal([]byte(payload.String), &e); err != nil {
		return time.Time{}, false, fmt.Errorf("decode queued delete: %w", err)
	}
	return e.Stamp(), true, nil
}
