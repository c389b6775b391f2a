package mirror

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestValkey connects to the server named by ASSETCDN_VALKEY_ADDR, with
// a key prefix unique to the test.
func openTestValkey(t *testing.T) (*ValkeyKV, *bytes.Buffer) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping valkey test in short mode")
	}
	addr := os.Getenv("ASSETCDN_VALKEY_ADDR")
	if addr == "" {
		t.Skip("ASSETCDN_VALKEY_ADDR not set")
	}
	var logs bytes.Buffer
	kv, err := OpenValkeyKV(addr, "assetcdn-test:"+uuid.NewString()+":", slog.New(slog.NewTextHandler(&logs, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv, &logs
}

func TestValkeyKV(t *testing.T) {
	kv, logs := openTestValkey(t)
	ctx := context.Background()
	assert.Contains(t, logs.String(), "Initialized Valkey storage")

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "snapshot", []byte{0, 1, 2}, 0))
	v, ok, err := kv.Get(ctx, "snapshot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0, 1, 2}, v)

	ok, err = kv.SetNX(ctx, "lock", []byte("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = kv.SetNX(ctx, "lock", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	v, _, err = kv.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "a", string(v))

	require.NoError(t, kv.Delete(ctx, "lock", "snapshot"))
	_, ok, err = kv.Get(ctx, "snapshot")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = kv.SetNX(ctx, "lock", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, kv.Delete(ctx, "lock"))
}

func TestValkeyKVExpiry(t *testing.T) {
	kv, _ := openTestValkey(t)
	ctx := context.Background()

	ok, err := kv.SetNX(ctx, "lock", []byte("a"), 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		ok, err := kv.SetNX(ctx, "lock", []byte("b"), time.Minute)
		return err == nil && ok
	}, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, kv.Delete(ctx, "lock"))
}

func TestValkeyKVLock(t *testing.T) {
	kv, _ := openTestValkey(t)
	ctx := context.Background()

	a := NewLock(kv, time.Minute)
	b := NewLock(kv, time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx))
}
