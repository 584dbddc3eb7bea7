package serverdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertRateLimitEventWithDevice(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.InsertRateLimitEvent(ctx, "dev-1", "192.168.1.1", "push"))

	events, err := db.RecentRateLimitEvents(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "dev-1", e.DeviceID)
	assert.Equal(t, "192.168.1.1", e.IP)
	assert.Equal(t, "push", e.EndpointClass)
	assert.WithinDuration(t, time.Now(), e.CreatedAt, time.Minute)
}

func TestInsertRateLimitEventWithoutDevice(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.InsertRateLimitEvent(ctx, "", "10.0.0.1", "subscribe"))

	events, err := db.RecentRateLimitEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].DeviceID)
	assert.Equal(t, "subscribe", events[0].EndpointClass)
}

func TestRecentRateLimitEventsFilterAndOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.InsertRateLimitEvent(ctx, "dev-1", "1.1.1.1", "push"))
	require.NoError(t, db.InsertRateLimitEvent(ctx, "dev-2", "2.2.2.2", "pull"))
	require.NoError(t, db.InsertRateLimitEvent(ctx, "dev-1", "3.3.3.3", "other"))

	events, err := db.RecentRateLimitEvents(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "3.3.3.3", events[0].IP, "newest first")
	assert.Equal(t, "1.1.1.1", events[1].IP)

	all, err := db.RecentRateLimitEvents(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2, "limit applies")
}
