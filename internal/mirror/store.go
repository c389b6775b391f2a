package mirror

import (
	"context"
	"fmt"
	"log/slog"
)

const keySnapshot = "snapshot"

// Store persists the resolution snapshot as a single blob. Reads materialize
// the whole snapshot and writes replace it.
type Store struct {
	kv   KV
	lock *Lock
	log  *slog.Logger
}

func NewStore(kv KV, lock *Lock, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, lock: lock, log: logger}
}

// Read returns the stored snapshot. A blob from another schema version, or
// one that cannot be decoded, is deleted and an empty snapshot returned.
func (s *Store) Read(ctx context.Context) (*Snapshot, error) {
	b, ok, err := s.kv.Get(ctx, keySnapshot)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if !ok {
		return NewSnapshot(), nil
	}

	var snap Snapshot
	if err := decodeGob(b, &snap); err != nil {
		s.log.Warn("discarding unreadable snapshot", "error", err)
		return s.reset(ctx)
	}
	if snap.SchemaVersion != SchemaVersion {
		s.log.Info("discarding snapshot from other schema version",
			"stored", snap.SchemaVersion, "current", SchemaVersion)
		return s.reset(ctx)
	}
	snap.normalize()
	return &snap, nil
}

func (s *Store) reset(ctx context.Context) (*Snapshot, error) {
	if err := s.kv.Delete(ctx, keySnapshot); err != nil {
		return nil, fmt.Errorf("reset snapshot: %w", err)
	}
	return NewSnapshot(), nil
}

// Write persists snap and reports whether it did. While a drain holds the
// persisted lock marker the write is skipped, so the drain's own final write
// is not clobbered.
func (s *Store) Write(ctx context.Context, snap *Snapshot) (bool, error) {
	held, err := s.lock.HeldGlobally(ctx)
	if err != nil {
		return false, err
	}
	if held {
		return false, nil
	}
	snap.SchemaVersion = SchemaVersion
	b, err := encodeGob(snap)
	if err != nil {
		return false, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.kv.Set(ctx, keySnapshot, b, 0); err != nil {
		return false, fmt.Errorf("write snapshot: %w", err)
	}
	return true, nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	if err := s.kv.Delete(ctx, keySnapshot); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
