package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/marcus/tally/internal/models"
)

// Batch writes entities and mutations inside a ReplaceAll transaction.
type Batch struct {
	ctx context.Context
	tx  *sql.Tx
}

// ReplaceAll empties every collection and then runs fn, all in one write
// transaction. An error from fn rolls back the clear as well.
func (db *DB) ReplaceAll(ctx context.Context, fn func(b *Batch) error) error {
	return db.writeTx(ctx, "replace all", func(tx *sql.Tx) error {
		for _, c := range models.Collections() {
			if err := clearTx(ctx, tx, c); err != nil {
				return err
			}
		}
		return fn(&Batch{ctx: ctx, tx: tx})
	})
}

// Put writes one entity. A rejected entity leaves no rows behind and the
// batch stays usable.
func (b *Batch) Put(collection string, e models.Entity) error {
	schema, err := lookup(collection)
	if err != nil {
		return err
	}
	if _, err := b.tx.ExecContext(b.ctx, `SAVEPOINT batch_put`); err != nil {
		return err
	}
	if err := putTx(b.ctx, b.tx, schema, e); err != nil {
		_, rerr := b.tx.ExecContext(b.ctx, `ROLLBACK TO batch_put`)
		if rerr == nil {
			_, rerr = b.tx.ExecContext(b.ctx, `RELEASE batch_put`)
		}
		if rerr != nil {
			return &StoreError{Op: "rollback record", Err: errors.Join(err, rerr)}
		}
		return err
	}
	_, err = b.tx.ExecContext(b.ctx, `RELEASE batch_put`)
	return err
}

// Enqueue appends a mutation within the batch.
func (b *Batch) Enqueue(m models.Mutation) (models.Mutation, error) {
	return enqueueTx(b.ctx, b.tx, m)
}
