package mirror

import (
	"context"
	"sync"
)

const (
	outcomeHit      = "hit"
	outcomeQueued   = "queued"
	outcomeInactive = "inactive"
	outcomeBypass   = "bypass"
)

// Session is the per-request surface: it answers rewrites from one snapshot
// read, collects cache misses and remembers integrity values of the assets
// it rewrote.
type Session struct {
	e *Engine

	mu        sync.Mutex
	snap      *Snapshot
	pending   *Pending
	integrity map[assetKey]string
	stats     *statsCollector
}

func (s *Session) snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap != nil {
		return s.snap, nil
	}
	snap, err := s.e.Store.Read(ctx)
	if err != nil {
		return nil, err
	}
	s.snap = snap
	return snap, nil
}

// Rewrite returns the mirror URL for src when one is known, and src itself
// otherwise, together with the outcome of the lookup.
func (s *Session) Rewrite(ctx context.Context, src, handle string, typ DependencyType) (string, string) {
	if src == "" {
		return src, s.observe(outcomeBypass)
	}
	rel, err := s.e.Site.RelativePath(src)
	if err != nil {
		return src, s.observe(outcomeBypass)
	}
	return s.rewrite(ctx, src, rel, handle, typ)
}

// RewriteEmojiDir rewrites the emoji sprite directory URL. The full URL is
// its cache key.
func (s *Session) RewriteEmojiDir(ctx context.Context, src string) (string, string) {
	if src == "" {
		return src, s.observe(outcomeBypass)
	}
	return s.rewrite(ctx, src, src, string(DependencyEmojiDir), DependencyEmojiDir)
}

func (s *Session) rewrite(ctx context.Context, src, key, handle string, typ DependencyType) (string, string) {
	if s.e.ShouldRewrite != nil && !s.e.ShouldRewrite(key, src, handle, typ) {
		return src, s.observe(outcomeBypass)
	}
	snap, err := s.snapshot(ctx)
	if err != nil {
		s.e.log.Error("read snapshot", "error", err)
		return src, s.observe(outcomeBypass)
	}

	if a, ok := snap.Active[key]; ok {
		if a.Integrity != "" {
			s.mu.Lock()
			s.integrity[assetKey{typ, handle}] = a.Integrity
			s.mu.Unlock()
		}
		return s.e.Layout.URL(a.RemotePath), s.observe(outcomeHit)
	}
	if _, ok := snap.Inactive[key]; ok {
		return src, s.observe(outcomeInactive)
	}
	s.e.Queue.Enqueue(s.pending, key, src, handle, typ)
	return src, s.observe(outcomeQueued)
}

func (s *Session) observe(outcome string) string {
	s.stats.ObserveRewrite(outcome)
	return outcome
}

// Integrity returns the integrity value recorded for a handle rewritten in
// this session.
func (s *Session) Integrity(typ DependencyType, handle string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.integrity[assetKey{typ, handle}]
	return v, ok
}

// Finish persists the paths collected by the session and starts a background
// drain when there is queued work.
func (s *Session) Finish(ctx context.Context) error {
	if _, err := s.e.Queue.Flush(ctx, s.pending); err != nil {
		return err
	}
	s.e.Queue.ScheduleDrain(ctx)
	return nil
}
