package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/marcus/tally/internal/models"
)

// MergeOutcome describes what a remote merge did to the local copy.
type MergeOutcome int

const (
	// MergeKept means the local copy was newer or equal and stays.
	MergeKept MergeOutcome = iota
	MergeInserted
	MergeReplaced
	MergeDeleted
	// MergeAbsent is a tombstone for an id the store does not hold.
	MergeAbsent
)

func (o MergeOutcome) String() string {
	switch o {
	case MergeKept:
		return "kept"
	case MergeInserted:
		return "inserted"
	case MergeReplaced:
		return "replaced"
	case MergeDeleted:
		return "deleted"
	case MergeAbsent:
		return "absent"
	}
	return "unknown"
}

// Changed reports whether the local collection was modified.
func (o MergeOutcome) Changed() bool {
	return o == MergeInserted || o == MergeReplaced || o == MergeDeleted
}

// MergeRemote applies last-writer-wins to one remote entity: the remote copy
// replaces the local one iff the local copy is absent or its timestamp is
// strictly older. A missing timestamp orders as the zero time. An id whose
// delete is still queued counts as deleted at that delete's timestamp.
func (db *DB) MergeRemote(ctx context.Context, collection string, remote models.Entity) (MergeOutcome, error) {
	schema, err := lookup(collection)
	if err != nil {
		return MergeKept, err
	}
	id := remote.ID()
	if id == "" {
		return MergeKept, ErrMissingID
	}

	outcome := MergeKept
	err = db.writeTx(ctx, "merge", func(tx *sql.Tx) error {
		local, err := getTx(ctx, tx, schema, id)
		switch {
		case err == ErrNotFound:
			local = nil
		case err != nil:
			return err
		}

		if local != nil && !remote.Stamp().After(local.Stamp()) {
			outcome = MergeKept
			return nil
		}
		if local == nil {
			deletedAt, queued, err := pendingDeleteTx(ctx, tx, schema.Name, id)
			if err != nil {
				return err
			}
			if queued && !remote.Stamp().After(deletedAt) {
				outcome = MergeKept
				return nil
			}
		}

		if local != nil {
			pending, err := hasPendingTx(ctx, tx, schema.Name, id)
			if err != nil {
				return err
			}
			if pending {
				if err := recordConflictTx(ctx, tx, schema.Name, id, local, remote); err != nil {
					return err
				}
			}
		}

		if err := putTx(ctx, tx, schema, remote); err != nil {
			return err
		}
		outcome = MergeInserted
		if local != nil {
			outcome = MergeReplaced
		}
		return recordHistoryTx(ctx, tx, SyncHistoryEntry{
			Direction:  "pull",
			Op:         "merge",
			Collection: schema.Name,
			EntityID:   id,
			Timestamp:  time.Now().UTC(),
		})
	})
	return outcome, err
}

// MergeRemoteDelete applies a remote tombstone: the local copy is removed
// unless it was modified after the delete.
func (db *DB) MergeRemoteDelete(ctx context.Context, collection string, ts models.Tombstone) (MergeOutcome, error) {
	schema, err := lookup(collection)
	if err != nil {
		return MergeKept, err
	}
	if ts.ID == "" {
		return MergeKept, ErrMissingID
	}

	outcome := MergeAbsent
	err = db.writeTx(ctx, "merge delete", func(tx *sql.Tx) error {
		local, err := getTx(ctx, tx, schema, ts.ID)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if local.Stamp().After(ts.DeletedAt) {
			outcome = MergeKept
			return nil
		}

		pending, err := hasPendingTx(ctx, tx, schema.Name, ts.ID)
		if err != nil {
			return err
		}
		if pending {
			if err := recordConflictTx(ctx, tx, schema.Name, ts.ID, local, nil); err != nil {
				return err
			}
		}
		if _, err := deleteTx(ctx, tx, schema.Name, ts.ID); err != nil {
			return err
		}
		outcome = MergeDeleted
		return recordHistoryTx(ctx, tx, SyncHistoryEntry{
			Direction:  "pull",
			Op:         string(models.OpDelete),
			Collection: schema.Name,
			EntityID:   ts.ID,
			Timestamp:  time.Now().UTC(),
		})
	})
	return outcome, err
}
