package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseTracker(t *testing.T, tracker Tracker, room string) {
	t.Helper()
	ctx := context.Background()

	n, err := tracker.Join(ctx, room, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = tracker.Join(ctx, room, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "second tab")
	_, err = tracker.Join(ctx, room, "bob")
	require.NoError(t, err)

	online, err := tracker.Online(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, online)

	n, err = tracker.Leave(ctx, room, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	online, _ = tracker.Online(ctx, room)
	assert.Equal(t, []string{"alice", "bob"}, online, "alice still has one connection")

	n, err = tracker.Leave(ctx, room, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	online, _ = tracker.Online(ctx, room)
	assert.Equal(t, []string{"bob"}, online)

	n, err = tracker.Leave(ctx, room, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "leaving twice never goes negative")
}

func TestMemoryTracker(t *testing.T) {
	m := NewMemory()
	exerciseTracker(t, m, "conversation-1")

	online, err := m.Online(context.Background(), "conversation-2")
	require.NoError(t, err)
	assert.Empty(t, online)
	assert.Equal(t, 1, m.ActiveRooms())
}

// Runs only when CHATCORE_TEST_REDIS_ADDR points at a disposable Redis.
func TestRedisTracker(t *testing.T) {
	addr := os.Getenv("CHATCORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHATCORE_TEST_REDIS_ADDR not set")
	}
	tracker, err := NewRedis(context.Background(), RedisConfig{
		Address: addr,
		Prefix:  "chatcore-test-" + uuid.NewString(),
		TTL:     time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracker.Close() })

	room := "conversation-1"
	exerciseTracker(t, tracker, room)
	require.NoError(t, tracker.client.Del(context.Background(), tracker.roomKey(room)).Err())
}

func TestRedisKeyLayout(t *testing.T) {
	r := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "", 0)
	t.Cleanup(func() { _ = r.Close() })
	assert.Equal(t, "chatcore:presence:room:conversation-7:users", r.roomKey("conversation-7"))
	assert.Equal(t, 24*time.Hour, r.ttl)
}
