package mirror

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/valkey-io/valkey-go"
)

// KV holds every persisted value of the engine: the snapshot blob, the lock
// marker, version caches and the recently-upgraded flag. A zero ttl means the
// value does not expire.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// SetNX stores val only if key is absent (or expired) and reports whether
	// it did.
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// OpenKV opens the backend selected by cfg.Storage.
func OpenKV(cfg Config, logger *slog.Logger) (KV, error) {
	switch cfg.Storage.Backend {
	case "valkey":
		return OpenValkeyKV(cfg.Storage.ValkeyAddr, cfg.Storage.KeyPrefix, logger)
	default:
		return OpenLevelKV(cfg.Storage.Path, cfg.Storage.writeBufferBytes)
	}
}

// ---- leveldb ----

type kvEnvelope struct {
	Value     []byte
	ExpiresAt int64 // unix nanos, 0 = never
}

type LevelKV struct {
	db  *leveldb.DB
	now func() time.Time

	// leveldb holds an exclusive file lock, so one process owns the database
	// and this mutex is enough to make SetNX atomic.
	mu sync.Mutex
}

func OpenLevelKV(path string, writeBuffer int64) (*LevelKV, error) {
	var o *opt.Options
	if writeBuffer > 0 {
		o = &opt.Options{WriteBuffer: int(writeBuffer)}
	}
	db, err := leveldb.OpenFile(path, o)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return NewLevelKV(db), nil
}

func NewLevelKV(db *leveldb.DB) *LevelKV {
	return &LevelKV{db: db, now: time.Now}
}

func (k *LevelKV) key(key string) []byte { return []byte("t:" + key) }

func (k *LevelKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	env, ok, err := k.load(key)
	if err != nil || !ok {
		return nil, false, err
	}
	return env.Value, true, nil
}

func (k *LevelKV) load(key string) (kvEnvelope, bool, error) {
	b, err := k.db.Get(k.key(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return kvEnvelope{}, false, nil
	}
	if err != nil {
		return kvEnvelope{}, false, err
	}
	var env kvEnvelope
	if err := decodeGob(b, &env); err != nil {
		// unreadable values are treated as absent and overwritten on next Set
		return kvEnvelope{}, false, nil
	}
	if env.expired(k.now()) {
		return kvEnvelope{}, false, nil
	}
	return env, true, nil
}

func (e kvEnvelope) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixNano() >= e.ExpiresAt
}

// Purge drops expired keys. Reads already treat them as absent; the rewrite
// from put or a purge reclaims the space. Keys rewritten since they were
// seen expired are left alone.
func (k *LevelKV) Purge() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	var b leveldb.Batch
	it := k.db.NewIterator(util.BytesPrefix([]byte("t:")), nil)
	for it.Next() {
		var env kvEnvelope
		if err := decodeGob(it.Value(), &env); err != nil || env.expired(now) {
			b.Delete(append([]byte(nil), it.Key()...))
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, err
	}
	if b.Len() == 0 {
		return 0, nil
	}
	return b.Len(), k.db.Write(&b, nil)
}

func (k *LevelKV) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.put(key, val, ttl)
}

func (k *LevelKV) put(key string, val []byte, ttl time.Duration) error {
	env := kvEnvelope{Value: val}
	if ttl > 0 {
		env.ExpiresAt = k.now().Add(ttl).UnixNano()
	}
	b, err := encodeGob(env)
	if err != nil {
		return err
	}
	return k.db.Put(k.key(key), b, nil)
}

func (k *LevelKV) SetNX(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok, err := k.load(key)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	if err := k.put(key, val, ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (k *LevelKV) Delete(_ context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	var b leveldb.Batch
	for _, key := range keys {
		b.Delete(k.key(key))
	}
	return k.db.Write(&b, nil)
}

func (k *LevelKV) Close() error {
	return k.db.Close()
}

// ---- valkey ----

// ValkeyKV shares the engine state between processes and hosts. Expiry is
// native (PX), and SetNX maps to SET NX PX so the lock marker is atomic
// across the deployment.
type ValkeyKV struct {
	client valkey.Client
	prefix string
}

func OpenValkeyKV(addr, prefix string, logger *slog.Logger) (*ValkeyKV, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Valkey: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Valkey: %w", err)
	}

	logger.Info("Initialized Valkey storage", "address", addr, "key_prefix", prefix)
	return &ValkeyKV{client: client, prefix: prefix}, nil
}

func (k *ValkeyKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := k.client.Do(ctx, k.client.B().Get().Key(k.prefix+key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (k *ValkeyKV) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	set := k.client.B().Set().Key(k.prefix + key).Value(valkey.BinaryString(val))
	if ttl > 0 {
		return k.client.Do(ctx, set.PxMilliseconds(ttl.Milliseconds()).Build()).Error()
	}
	return k.client.Do(ctx, set.Build()).Error()
}

func (k *ValkeyKV) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	set := k.client.B().Set().Key(k.prefix + key).Value(valkey.BinaryString(val)).Nx()
	var err error
	if ttl > 0 {
		err = k.client.Do(ctx, set.PxMilliseconds(ttl.Milliseconds()).Build()).Error()
	} else {
		err = k.client.Do(ctx, set.Build()).Error()
	}
	if valkey.IsValkeyNil(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (k *ValkeyKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = k.prefix + key
	}
	return k.client.Do(ctx, k.client.B().Del().Key(full...).Build()).Error()
}

func (k *ValkeyKV) Close() error {
	k.client.Close()
	return nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
