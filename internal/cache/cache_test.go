package cache

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGrantTakeIsSingleUse(t *testing.T) {
	store := NewMemoryGrantStore()
	ctx := context.Background()

	ok, err := store.Put(ctx, "jti-1", []byte("payload"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	val, found, err := store.Take(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("payload"), val)

	_, found, err = store.Take(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryGrantPutDoesNotOverwrite(t *testing.T) {
	store := NewMemoryGrantStore()
	ctx := context.Background()

	ok, err := store.Put(ctx, "k", []byte("a"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.Put(ctx, "k", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryGrantExpires(t *testing.T) {
	store := NewMemoryGrantStore()
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := store.Put(ctx, "k", []byte("a"), 30*time.Second)
	require.NoError(t, err)

	now = now.Add(31 * time.Second)
	_, found, err := store.Take(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryGrantConcurrentTakeOnlyOnce(t *testing.T) {
	store := NewMemoryGrantStore()
	ctx := context.Background()
	_, err := store.Put(ctx, "k", []byte("a"), time.Minute)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, found, _ := store.Take(ctx, "k"); found {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRedisGrantStoreIntegration(t *testing.T) {
	addr := os.Getenv("FERREPOS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FERREPOS_TEST_REDIS_ADDR is not set")
	}
	store := NewRedisGrantStore(addr, os.Getenv("FERREPOS_TEST_REDIS_PASSWORD"), 0)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	key := "it-" + time.Now().Format("150405.000000000")
	ok, err := store.Put(ctx, key, []byte("v"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	val, found, err := store.Take(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), val)

	_, found, err = store.Take(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}
