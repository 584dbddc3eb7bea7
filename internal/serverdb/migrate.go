package serverdb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/server/*.sql migrations/tenant/*.sql
var migrationsFS embed.FS

func migrate(ctx context.Context, conn *sql.DB, dir string) error {
	fsys, err := fs.Sub(migrationsFS, "migrations/"+dir)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, fsys)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply %s migrations: %w", dir, err)
	}
	return nil
}

// openSQLite opens a database with the pragmas every server store uses and
// migrates it before restricting the pool to one connection.
func openSQLite(ctx context.Context, path, migrations string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if err := migrate(ctx, conn, migrations); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}
