package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/marcus/tally/internal/models"
)

func lookup(collection string) (models.Schema, error) {
	s, ok := models.Lookup(collection)
	if !ok {
		return models.Schema{}, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	return s, nil
}

// Put inserts or replaces an entity by id.
func (db *DB) Put(ctx context.Context, collection string, e models.Entity) error {
	schema, err := lookup(collection)
	if err != nil {
		return err
	}
	return db.writeTx(ctx, "put", func(tx *sql.Tx) error {
		return putTx(ctx, tx, schema, e)
	})
}

// Get returns one entity, or ErrNotFound.
func (db *DB) Get(ctx context.Context, collection, id string) (models.Entity, error) {
	schema, err := lookup(collection)
	if err != nil {
		return nil, err
	}
	var out models.Entity
	err = db.readTx(ctx, "get", func(tx *sql.Tx) error {
		e, err := getTx(ctx, tx, schema, id)
		out = e
		return err
	})
	return out, err
}

// GetByIndex returns the entities whose indexed field equals key.
func (db *DB) GetByIndex(ctx context.Context, collection, index, key string) ([]models.Entity, error) {
	schema, err := lookup(collection)
	if err != nil {
		return nil, err
	}
	idx, ok := schema.Index(index)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, collection, index)
	}
	// Date fields are indexed in their normalized timestamp form.
	if schema.IsDateField(idx.Field) {
		if t, ok := models.AsTime(key); ok {
			key = models.FormatTimestamp(t.UTC())
		}
	}
	var out []models.Entity
	err = db.readTx(ctx, "get by index", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT e.data FROM entity_index i
			JOIN entities e ON e.collection = i.collection AND e.id = i.entity_id
			WHERE i.collection = ? AND i.idx = ? AND i.key = ?
			ORDER BY e.rowid
		`, collection, index, key)
		if err != nil {
			return err
		}
		out, err = scanEntities(rows, schema)
		return err
	})
	return out, err
}

// GetAll returns every entity in the collection in insertion order.
func (db *DB) GetAll(ctx context.Context, collection string) ([]models.Entity, error) {
	schema, err := lookup(collection)
	if err != nil {
		return nil, err
	}
	var out []models.Entity
	err = db.readTx(ctx, "get all", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT data FROM entities WHERE collection = ? ORDER BY rowid`, collection)
		if err != nil {
			return err
		}
		out, err = scanEntities(rows, schema)
		return err
	})
	return out, err
}

// Count returns the number of entities in the collection.
func (db *DB) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE collection = ?`, collection).Scan(&n)
	return n, storeErr("count", err)
}

// Delete removes an entity. Deleting an absent id is a no-op.
func (db *DB) Delete(ctx context.Context, collection, id string) error {
	if _, err := lookup(collection); err != nil {
		return err
	}
	return db.writeTx(ctx, "delete", func(tx *sql.Tx) error {
		_, err := deleteTx(ctx, tx, collection, id)
		return err
	})
}

// Clear removes every entity in the collection.
func (db *DB) Clear(ctx context.Context, collection string) error {
	if _, err := lookup(collection); err != nil {
		return err
	}
	return db.writeTx(ctx, "clear", func(tx *sql.Tx) error {
		return clearTx(ctx, tx, collection)
	})
}

// ClearAll empties every registered collection in one transaction.
func (db *DB) ClearAll(ctx context.Context) error {
	return db.writeTx(ctx, "clear all", func(tx *sql.Tx) error {
		for _, c := range models.Collections() {
			if err := clearTx(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func putTx(ctx context.Context, tx *sql.Tx, schema models.Schema, e models.Entity) error {
	id := e.ID()
	if id == "" {
		return ErrMissingID
	}
	norm := schema.Normalize(e)
	data, err := json.Marshal(norm)
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrUnencodable, schema.Name, id, err)
	}
	var updated string
	if ts, ok := norm.UpdatedAt(); ok {
		updated = models.FormatTimestamp(ts)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entities (collection, id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, schema.Name, id, string(data), updated); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entity_index WHERE collection = ? AND entity_id = ?`, schema.Name, id); err != nil {
		return err
	}
	for _, idx := range schema.Indexes {
		key, ok := models.IndexKey(norm[idx.Field])
		if !ok || (idx.Unique && key == "") {
			continue
		}
		uniq := 0
		if idx.Unique {
			uniq = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entity_index (collection, idx, key, entity_id, uniq) VALUES (?, ?, ?, ?, ?)
		`, schema.Name, idx.Name, key, id, uniq)
		if isUniqueViolation(err) {
			return &DuplicateKeyError{Collection: schema.Name, Index: idx.Name, Key: key}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func getTx(ctx context.Context, tx *sql.Tx, schema models.Schema, id string) (models.Entity, error) {
	var data string
	err := tx.QueryRowContext(ctx,
		`SELECT data FROM entities WHERE collection = ? AND id = ?`, schema.Name, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeEntity(schema, data)
}

// deleteTx reports whether a row was removed.
func deleteTx(ctx context.Context, tx *sql.Tx, collection, id string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM entities WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entity_index WHERE collection = ? AND entity_id = ?`, collection, id); err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func clearTx(ctx context.Context, tx *sql.Tx, collection string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE collection = ?`, collection); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM entity_index WHERE collection = ?`, collection)
	return err
}

func decodeEntity(schema models.Schema, data string) (models.Entity, error) {
	var e models.Entity
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("decode %s entity: %w", schema.Name, err)
	}
	return schema.Normalize(e), nil
}

func scanEntities(rows *sql.Rows, schema models.Schema) ([]models.Entity, error) {
	defer rows.Close()
	var out []models.Entity
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		e, err := decodeEntity(schema, data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
