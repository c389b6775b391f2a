package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSingleHolder(t *testing.T) {
	kv := newMemKV(t, newFakeClock())
	defer kv.Close()
	ctx := context.Background()

	a := NewLock(kv, time.Minute)
	b := NewLock(kv, time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, a.Held(ctx))
	assert.True(t, b.Held(ctx))

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lock is not reentrant")

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	assert.False(t, a.Held(ctx))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx))
}

func TestLockExpiredMarkerIsNotReleasedByOldOwner(t *testing.T) {
	clock := newFakeClock()
	kv := newMemKV(t, clock)
	defer kv.Close()
	ctx := context.Background()

	a := NewLock(kv, time.Minute)
	b := NewLock(kv, time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(2 * time.Minute)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok, "expired marker can be taken over")

	require.NoError(t, a.Release(ctx))
	held, err := b.HeldGlobally(ctx)
	require.NoError(t, err)
	assert.True(t, held, "old owner must not drop the new marker")

	require.NoError(t, b.Release(ctx))
	held, err = b.HeldGlobally(ctx)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestLockClear(t *testing.T) {
	kv := newMemKV(t, nil)
	defer kv.Close()
	ctx := context.Background()

	a := NewLock(kv, time.Minute)
	_, err := a.Acquire(ctx)
	require.NoError(t, err)

	b := NewLock(kv, time.Minute)
	require.NoError(t, b.Clear(ctx))
	held, err := b.HeldGlobally(ctx)
	require.NoError(t, err)
	assert.False(t, held)
}
