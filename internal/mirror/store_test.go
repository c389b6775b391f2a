package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	kv := newMemKV(t, nil)
	defer kv.Close()
	ctx := context.Background()
	store := NewStore(kv, NewLock(kv, time.Minute), testLogger())

	snap, err := store.Read(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Empty())

	ttl := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snap.Active["/wp-includes/js/a.js"] = ActivePath{RemotePath: "/gh/x@1/a.js", TTL: ttl, Integrity: "sha384-x"}
	snap.Inactive["/wp-includes/js/b.js"] = InactivePath{TTL: ttl}
	snap.Queue["/wp-includes/js/c.js"] = QueuedPath{Src: "http://s/c.js", Handle: "c", Type: DependencyScript, TTL: ttl}
	ok, err := store.Write(ctx, snap)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Read(ctx)
	require.NoError(t, err)
	assert.True(t, got.Equal(snap))
	assert.Equal(t, SchemaVersion, got.SchemaVersion)
}

func TestStoreDiscardsOtherSchema(t *testing.T) {
	kv := newMemKV(t, nil)
	defer kv.Close()
	ctx := context.Background()
	store := NewStore(kv, NewLock(kv, time.Minute), testLogger())

	old := NewSnapshot()
	old.SchemaVersion = "0.9.0"
	old.Active["/wp-includes/js/a.js"] = ActivePath{RemotePath: "/gh/x@1/a.js"}
	b, err := encodeGob(old)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, keySnapshot, b, 0))

	snap, err := store.Read(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Empty())

	_, ok, err := kv.Get(ctx, keySnapshot)
	require.NoError(t, err)
	assert.False(t, ok, "stale blob is deleted")
}

func TestStoreDiscardsUnreadableBlob(t *testing.T) {
	kv := newMemKV(t, nil)
	defer kv.Close()
	ctx := context.Background()
	store := NewStore(kv, NewLock(kv, time.Minute), testLogger())

	require.NoError(t, kv.Set(ctx, keySnapshot, []byte("garbage"), 0))
	snap, err := store.Read(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Empty())
}

func TestStoreWriteSkippedWhileLocked(t *testing.T) {
	kv := newMemKV(t, nil)
	defer kv.Close()
	ctx := context.Background()
	store := NewStore(kv, NewLock(kv, time.Minute), testLogger())

	drain := NewLock(kv, time.Minute)
	ok, err := drain.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	snap := NewSnapshot()
	snap.Inactive["/x.js"] = InactivePath{TTL: time.Now()}
	written, err := store.Write(ctx, snap)
	require.NoError(t, err)
	assert.False(t, written)

	require.NoError(t, drain.Release(ctx))
	written, err = store.Write(ctx, snap)
	require.NoError(t, err)
	assert.True(t, written)
}

func TestSnapshotQueueKeysOldestFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSnapshot()
	s.Queue["/c.js"] = QueuedPath{TTL: base.Add(2 * time.Minute)}
	s.Queue["/b.js"] = QueuedPath{TTL: base}
	s.Queue["/a.js"] = QueuedPath{TTL: base}
	assert.Equal(t, []string{"/a.js", "/b.js", "/c.js"}, s.QueueKeys())
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	s := NewSnapshot()
	s.Queue["/a.js"] = QueuedPath{Src: "a"}
	c := s.Clone()
	require.True(t, c.Equal(s))

	delete(c.Queue, "/a.js")
	assert.Len(t, s.Queue, 1)
	assert.False(t, c.Equal(s))
	assert.True(t, s.remove("/a.js"))
	assert.False(t, s.remove("/a.js"))
}
