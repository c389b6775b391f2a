package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const keyLock = "lock"

// Lock makes queue drains single-flight. The persisted marker is shared by
// every process using the same KV and expires on its own, so a crashed drain
// wedges processing for at most the marker lifetime.
type Lock struct {
	kv  KV
	ttl time.Duration

	mu    sync.Mutex
	local bool
	token string
}

func NewLock(kv KV, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Lock{kv: kv, ttl: ttl}
}

// Acquire takes the lock and reports whether it did.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.local {
		return false, nil
	}
	token := uuid.NewString()
	ok, err := l.kv.SetNX(ctx, keyLock, []byte(token), l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return false, nil
	}
	l.local = true
	l.token = token
	return true, nil
}

// Release drops the marker if it is still the one this process set.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.local {
		return nil
	}
	l.local = false
	token := l.token
	l.token = ""

	cur, ok, err := l.kv.Get(ctx, keyLock)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if !ok || string(cur) != token {
		// expired, and possibly taken over by another drain
		return nil
	}
	if err := l.kv.Delete(ctx, keyLock); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Held reports whether a drain is running here or anywhere else.
func (l *Lock) Held(ctx context.Context) bool {
	l.mu.Lock()
	local := l.local
	l.mu.Unlock()
	if local {
		return true
	}
	held, err := l.HeldGlobally(ctx)
	// an unreadable marker is treated as held so nothing overwrites a batch
	return held || err != nil
}

// HeldGlobally reports whether the persisted marker is present.
func (l *Lock) HeldGlobally(ctx context.Context) (bool, error) {
	_, ok, err := l.kv.Get(ctx, keyLock)
	if err != nil {
		return false, fmt.Errorf("read lock: %w", err)
	}
	return ok, nil
}

// Clear removes the persisted marker regardless of owner.
func (l *Lock) Clear(ctx context.Context) error {
	return l.kv.Delete(ctx, keyLock)
}
