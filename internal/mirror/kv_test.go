package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelKVExpiry(t *testing.T) {
	clock := newFakeClock()
	kv := newMemKV(t, clock)
	defer kv.Close()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, kv.Set(ctx, "b", []byte("2"), 0))

	v, ok, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(v))

	clock.Advance(time.Minute)
	_, ok, err = kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(365 * 24 * time.Hour)
	_, ok, err = kv.Get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLevelKVSetNX(t *testing.T) {
	clock := newFakeClock()
	kv := newMemKV(t, clock)
	defer kv.Close()
	ctx := context.Background()

	ok, err := kv.SetNX(ctx, "lock", []byte("x"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kv.SetNX(ctx, "lock", []byte("y"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(2 * time.Minute)
	ok, err = kv.SetNX(ctx, "lock", []byte("y"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	v, _, err := kv.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "y", string(v))

	require.NoError(t, kv.Delete(ctx, "lock", "missing"))
	_, ok, err = kv.Get(ctx, "lock")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLevelKVUnreadableValueIsAbsent(t *testing.T) {
	kv := newMemKV(t, nil)
	defer kv.Close()

	require.NoError(t, kv.db.Put(kv.key("junk"), []byte("not gob"), nil))
	_, ok, err := kv.Get(context.Background(), "junk")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLevelKVReadLeavesExpiredKeyForWriters(t *testing.T) {
	clock := newFakeClock()
	kv := newMemKV(t, clock)
	defer kv.Close()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "lock", []byte("old"), time.Minute))
	clock.Advance(2 * time.Minute)

	_, ok, err := kv.Get(ctx, "lock")
	require.NoError(t, err)
	assert.False(t, ok)
	has, err := kv.db.Has(kv.key("lock"), nil)
	require.NoError(t, err)
	assert.True(t, has, "reads must not delete")

	ok, err = kv.SetNX(ctx, "lock", []byte("new"), 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// a reader that saw the old marker expired has nothing left to remove
	v, ok, err := kv.Get(ctx, "lock")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", string(v))
}

func TestLevelKVPurge(t *testing.T) {
	clock := newFakeClock()
	kv := newMemKV(t, clock)
	defer kv.Close()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "old", []byte("1"), time.Minute))
	require.NoError(t, kv.Set(ctx, "live", []byte("2"), time.Hour))
	require.NoError(t, kv.Set(ctx, "keep", []byte("3"), 0))
	require.NoError(t, kv.db.Put(kv.key("junk"), []byte("not gob"), nil))
	clock.Advance(2 * time.Minute)

	n, err := kv.Purge()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for key, want := range map[string]bool{"old": false, "junk": false, "live": true, "keep": true} {
		has, err := kv.db.Has(kv.key(key), nil)
		require.NoError(t, err)
		assert.Equal(t, want, has, key)
	}

	n, err = kv.Purge()
	require.NoError(t, err)
	assert.Zero(t, n)
}
