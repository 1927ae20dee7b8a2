package session

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) *RedisStore {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewRedisStore(RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return setupRedisStore(t)
	})
}

func TestRedisStore_ConnectFailure(t *testing.T) {
	_, err := NewRedisStore(RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, err := NewRedisStore(RedisConfig{Addr: mr.Addr(), KeyPrefix: "gander:"})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveMetadata(ctx, testMetadata("sess-1")))
	require.NoError(t, store.Append(ctx, "sess-1", testMessages()...))

	assert.True(t, mr.Exists("gander:session:meta:sess-1"))
	assert.True(t, mr.Exists("gander:session:msgs:sess-1"))
	assert.True(t, mr.Exists("gander:session:index"))
}

func TestRedisStore_DeleteClearsAllKeys(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, err := NewRedisStore(RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveMetadata(ctx, testMetadata("sess-1")))
	require.NoError(t, store.Append(ctx, "sess-1", testMessages()...))
	require.NoError(t, store.Delete(ctx, "sess-1"))

	assert.False(t, mr.Exists("gander:session:meta:sess-1"))
	assert.False(t, mr.Exists("gander:session:msgs:sess-1"))

	metas, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, metas)
}
