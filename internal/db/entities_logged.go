package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/marcus/tally/internal/models"
)

// LocalWrite is one collaborator change. The entity write, its queued
// mutation, and the activity entry commit in a single transaction, so a
// rejected write never leaves a mutation behind.
type LocalWrite struct {
	Collection string
	Op         models.Op
	ID         string
	// Build returns the record to store given the current copy (nil when
	// absent). For deletes it returns the mutation payload.
	Build      func(prev models.Entity) (models.Entity, error)
	DeviceID   string
	MutationID string
	Activity   models.Entity
}

// LocalResult is what ApplyLocal committed. Mutation is nil for local-only
// collections.
type LocalResult struct {
	Entity   models.Entity
	Previous models.Entity
	Mutation *models.Mutation
}

// ApplyLocal performs a collaborator write and enqueues its mutation.
func (db *DB) ApplyLocal(ctx context.Context, w LocalWrite) (LocalResult, error) {
	var res LocalResult
	schema, err := lookup(w.Collection)
	if err != nil {
		return res, err
	}
	if !w.Op.Valid() {
		return res, fmt.Errorf("invalid op %q", w.Op)
	}
	if w.ID == "" {
		return res, ErrMissingID
	}

	err = db.writeTx(ctx, string(w.Op), func(tx *sql.Tx) error {
		prev, err := getTx(ctx, tx, schema, w.ID)
		switch {
		case err == ErrNotFound:
			prev = nil
		case err != nil:
			return err
		}
		res.Previous = prev

		switch w.Op {
		case models.OpCreate:
			if prev != nil {
				return &DuplicateKeyError{Collection: schema.Name, Index: models.FieldID, Key: w.ID}
			}
		case models.OpUpdate, models.OpDelete:
			if prev == nil {
				return fmt.Errorf("%s/%s: %w", schema.Name, w.ID, ErrNotFound)
			}
		}

		next, err := w.Build(prev)
		if err != nil {
			return err
		}
		if w.Op == models.OpDelete {
			if _, err := deleteTx(ctx, tx, schema.Name, w.ID); err != nil {
				return err
			}
		} else {
			next[models.FieldID] = w.ID
			if err := putTx(ctx, tx, schema, next); err != nil {
				return err
			}
			res.Entity = schema.Normalize(next)
		}

		if !schema.LocalOnly {
			m, err := enqueueTx(ctx, tx, models.Mutation{
				ID:         w.MutationID,
				Op:         w.Op,
				Collection: schema.Name,
				EntityID:   w.ID,
				Payload:    next,
				DeviceID:   w.DeviceID,
			})
			if err != nil {
				return err
			}
			res.Mutation = &m
		}

		if w.Activity != nil {
			if err := putTx(ctx, tx, models.MustLookup(models.ActivityLog), w.Activity); err != nil {
				return fmt.Errorf("activity log: %w", err)
			}
		}
		return nil
	})
	return res, err
}
