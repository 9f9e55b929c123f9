package storage

import (
	"context"
	"os"
	"testing"
	"time"

	rdsx "Meower/service/storage/redis"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// needs a live redis: REDIS_TEST_URL=redis://127.0.0.1:6379/15
func TestRedisPresence(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	ctx := context.Background()
	rdb, err := rdsx.NewClient(ctx, rdsx.Config{URL: url})
	require.NoError(t, err)
	defer rdb.Close()

	a := NewRedisPresence(rdb, "node-a", time.Minute)
	b := NewRedisPresence(rdb, "node-b", time.Minute)
	user := "presence-test-" + time.Now().Format("150405.000")
	defer rdb.Del(ctx, presenceKey(user))

	require.NoError(t, a.Online(ctx, user))
	require.NoError(t, b.Online(ctx, user))

	nodes, err := a.Lookup(ctx, user)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"node-a", "node-b"}, nodes)

	require.NoError(t, a.Offline(ctx, user))
	nodes, err = b.Lookup(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-b"}, nodes)
}

func TestPresenceExpiredEntriesAreIgnored(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	ctx := context.Background()
	rdb, err := rdsx.NewClient(ctx, rdsx.Config{URL: url})
	require.NoError(t, err)
	defer rdb.Close()

	stale := NewRedisPresence(rdb, "node-stale", time.Minute)
	stale.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	user := "presence-stale-" + time.Now().Format("150405.000")
	defer rdb.Del(ctx, presenceKey(user))

	require.NoError(t, stale.Online(ctx, user))
	fresh := NewRedisPresence(rdb, "node-fresh", time.Minute)
	nodes, err := fresh.Lookup(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}
