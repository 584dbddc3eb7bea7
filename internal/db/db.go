package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dbFile = "tally.db"

// DB is the local store: one SQLite database holding every collection, the
// mutation queue, and sync bookkeeping.
type DB struct {
	conn *sql.DB
	dir  string
}

// Open opens (creating if needed) the store under dir and applies pending
// migrations. The store is ready for use when Open returns.
func Open(ctx context.Context, dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storeErr("open", fmt.Errorf("create data dir: %w", err))
	}
	dbPath := filepath.Join(dir, dbFile)

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, storeErr("open", fmt.Errorf("open database: %w", err))
	}

	// Enable WAL mode for concurrent readers from other processes
	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, storeErr("open", fmt.Errorf("enable WAL mode: %w", err))
	}

	db := &DB{conn: conn, dir: dir}

	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, storeErr("migrate", err)
	}

	// Single connection from here on: every call is serialized through one
	// SQLite handle.
	conn.SetMaxOpenConns(1)

	return db, nil
}

// Close checkpoints the WAL and closes the database.
func (db *DB) Close() error {
	db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

// Dir returns the data directory backing the store.
func (db *DB) Dir() string {
	return db.dir
}

// Conn returns the underlying connection for tests and diagnostics.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// withWriteLock executes fn while holding the cross-process write lock.
func (db *DB) withWriteLock(fn func() error) error {
	locker := newWriteLocker(db.dir)
	if err := locker.acquire(defaultTimeout); err != nil {
		return err
	}
	defer locker.release()
	return fn()
}

// writeTx runs fn inside a transaction under the write lock. fn must only use
// tx: the store has a single connection and the outer handle would block.
func (db *DB) writeTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	err := db.withWriteLock(func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
	return storeErr(op, err)
}

// readTx runs fn in a read transaction so multi-statement reads see one snapshot.
func (db *DB) readTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op, fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()
	return storeErr(op, fn(tx))
}
