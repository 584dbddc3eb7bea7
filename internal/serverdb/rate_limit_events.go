package serverdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RateLimitEvent represents a rate limit violation event.
type RateLimitEvent struct {
	ID            int64
	DeviceID      string // empty when the request carried no device id
	IP            string
	EndpointClass string // push, pull, subscribe, other
	CreatedAt     time.Time
}

// InsertRateLimitEvent inserts a rate limit violation event.
func (db *ServerDB) InsertRateLimitEvent(ctx context.Context, deviceID, ip, endpointClass string) error {
	var device any
	if deviceID != "" {
		device = deviceID
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO rate_limit_events (device_id, ip, endpoint_class, created_at) VALUES (?, ?, ?, ?)`,
		device, ip, endpointClass, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert rate limit event: %w", err)
	}
	return nil
}

// RecentRateLimitEvents returns up to limit events, newest first. An empty
// deviceID matches every device.
func (db *ServerDB) RecentRateLimitEvents(ctx context.Context, deviceID string, limit int) ([]RateLimitEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, device_id, ip, endpoint_class, created_at FROM rate_limit_events`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rate limit events: %w", err)
	}
	defer rows.Close()

	var out []RateLimitEvent
	for rows.Next() {
		var e RateLimitEvent
		var device sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &device, &e.IP, &e.EndpointClass, &created); err != nil {
			return nil, fmt.Errorf("scan rate limit event: %w", err)
		}
		e.DeviceID = device.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CleanupRateLimitEvents deletes events older than the given duration.
// Returns the number of rows deleted.
func (db *ServerDB) CleanupRateLimitEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := db.conn.ExecContext(ctx, `DELETE FROM rate_limit_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup rate limit events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
