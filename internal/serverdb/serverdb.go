package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ServerDB is the server-wide registry: known tenants, the devices that have
// written to them, and rate limit violations.
type ServerDB struct {
	conn *sql.DB
	path string
}

// Open opens the registry database and runs any pending migrations.
// If the database file does not exist, it is created and initialized.
func Open(ctx context.Context, dbPath string) (*ServerDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	conn, err := openSQLite(ctx, dbPath, "server")
	if err != nil {
		return nil, err
	}
	return &ServerDB{conn: conn, path: dbPath}, nil
}

// Ping checks the database connection is alive.
func (db *ServerDB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close checkpoints the WAL and closes the database connection.
func (db *ServerDB) Close() error {
	db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

// Device is a device that has pushed to or subscribed on a tenant.
type Device struct {
	TenantID  string
	DeviceID  string
	FirstSeen time.Time
	LastSeen  time.Time
}

// TouchDevice registers the tenant if needed and records the device as seen now.
func (db *ServerDB) TouchDevice(ctx context.Context, tenantID, deviceID string) error {
	if tenantID == "" {
		return errors.New("touch device: empty tenant")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenants (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		tenantID, now); err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	if deviceID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO devices (tenant_id, device_id, first_seen, last_seen) VALUES (?, ?, ?, ?)
			ON CONFLICT(tenant_id, device_id) DO UPDATE SET last_seen = excluded.last_seen
		`, tenantID, deviceID, now, now); err != nil {
			return fmt.Errorf("upsert device: %w", err)
		}
	}
	return tx.Commit()
}

// ListDevices returns the devices of a tenant, most recently seen first.
func (db *ServerDB) ListDevices(ctx context.Context, tenantID string) ([]Device, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT tenant_id, device_id, first_seen, last_seen FROM devices
		WHERE tenant_id = ? ORDER BY last_seen DESC, device_id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		var first, last string
		if err := rows.Scan(&d.TenantID, &d.DeviceID, &first, &last); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.FirstSeen, _ = time.Parse(time.RFC3339Nano, first)
		d.LastSeen, _ = time.Parse(time.RFC3339Nano, last)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListTenants returns every known tenant id.
func (db *ServerDB) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
