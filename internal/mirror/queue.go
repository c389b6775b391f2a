package mirror

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pending accumulates candidate paths seen during one invocation. The first
// registration of a path wins.
type Pending struct {
	mu    sync.Mutex
	items map[string]QueuedPath
}

func NewPending() *Pending {
	return &Pending{items: map[string]QueuedPath{}}
}

func (p *Pending) add(originPath string, item QueuedPath) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[originPath]; ok {
		return
	}
	p.items[originPath] = item
}

func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *Pending) take() map[string]QueuedPath {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.items
	p.items = map[string]QueuedPath{}
	return out
}

// DrainReport summarizes one drain run.
type DrainReport struct {
	Skipped   bool
	Processed int
	Active    int
	Inactive  int
	Expired   int
	Remaining int
	Persisted bool
}

// QueueManager merges pending paths into the persisted queue and drains the
// queue in lock-protected batches.
type QueueManager struct {
	store    *Store
	lock     *Lock
	resolver *Resolver
	inv      *Invalidator
	policy   Policy
	log      *slog.Logger
	stats    *statsCollector
	now      func() time.Time

	// PreDrain may rewrite the snapshot before a drain runs. When it leaves
	// nothing queued the drain ends there.
	PreDrain func(*Snapshot)

	skipLog *rateLimitedLogger

	baseCtx context.Context
	bgSem   chan struct{}
	wg      sync.WaitGroup
}

func NewQueueManager(store *Store, lock *Lock, resolver *Resolver, inv *Invalidator, policy Policy, logger *slog.Logger) *QueueManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueManager{
		store:    store,
		lock:     lock,
		resolver: resolver,
		inv:      inv,
		policy:   policy,
		log:      logger,
		now:      time.Now,
		skipLog:  newRateLimitedLogger(logger, time.Minute),
		baseCtx:  context.Background(),
		bgSem:    make(chan struct{}, 1),
	}
}

// Enqueue records a candidate path in p with a fresh queue ttl.
func (q *QueueManager) Enqueue(p *Pending, originPath, src, handle string, typ DependencyType) {
	p.add(originPath, QueuedPath{
		Src:    src,
		Handle: handle,
		Type:   typ,
		TTL:    q.now().Add(q.policy.QueuedTTL),
	})
}

// Flush merges p into the persisted queue. Paths already stored in any state
// are skipped, and nothing is written unless at least one path is new.
func (q *QueueManager) Flush(ctx context.Context, p *Pending) (int, error) {
	items := p.take()
	if len(items) == 0 {
		return 0, nil
	}
	snap, err := q.store.Read(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	for key, item := range items {
		if _, ok := snap.Queue[key]; ok {
			continue
		}
		if _, ok := snap.Active[key]; ok {
			continue
		}
		if _, ok := snap.Inactive[key]; ok {
			continue
		}
		snap.Queue[key] = item
		added++
	}
	if added == 0 {
		return 0, nil
	}
	written, err := q.store.Write(ctx, snap)
	if err != nil {
		return 0, err
	}
	if !written {
		q.log.Debug("queue flush skipped, drain in progress", "paths", added)
		return 0, nil
	}
	queueSize.Set(float64(len(snap.Queue)))
	return added, nil
}

// ScheduleDrain starts one background drain if the persisted queue has work
// and no drain is running. It reports whether a drain was started.
func (q *QueueManager) ScheduleDrain(ctx context.Context) bool {
	if q.lock.Held(ctx) {
		return false
	}
	snap, err := q.store.Read(ctx)
	if err != nil {
		q.log.Error("schedule drain", "error", err)
		return false
	}
	if len(snap.Queue) == 0 {
		return false
	}

	select {
	case q.bgSem <- struct{}{}:
	default:
		return false
	}
	bg, cancel := context.WithTimeout(q.baseCtx, q.policy.LockFor)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() { <-q.bgSem }()
		defer cancel()

		if _, err := q.Drain(bg, q.policy.MaxPerDrain); err != nil {
			q.log.Error("background drain failed", "error", err)
		}
	}()
	return true
}

// Drain resolves up to max queued paths (all of them when max <= 0) and moves
// each to the active or inactive set. Expired queue entries are dropped
// without being resolved. A drain finding the lock held does nothing.
func (q *QueueManager) Drain(ctx context.Context, max int) (DrainReport, error) {
	var report DrainReport
	if q.lock.Held(ctx) {
		report.Skipped = true
		q.stats.ObserveDrain(report)
		q.skipLog.Info("drain skipped, lock held")
		return report, nil
	}

	snap, err := q.store.Read(ctx)
	if err != nil {
		return report, err
	}
	if q.PreDrain != nil {
		before := snap.Clone()
		q.PreDrain(snap)
		snap.normalize()
		if len(snap.Queue) == 0 {
			if !snap.Equal(before) {
				report.Persisted, err = q.store.Write(ctx, snap)
			}
			return report, err
		}
	}
	if len(snap.Queue) == 0 {
		return report, nil
	}

	ok, err := q.lock.Acquire(ctx)
	if err != nil {
		return report, err
	}
	if !ok {
		report.Skipped = true
		q.stats.ObserveDrain(report)
		q.skipLog.Info("drain skipped, lock held")
		return report, nil
	}

	start := time.Now()
	now := q.now()
	for _, key := range snap.QueueKeys() {
		if max > 0 && report.Processed >= max {
			break
		}
		if ctx.Err() != nil {
			break
		}
		item := snap.Queue[key]
		if now.After(item.TTL) {
			delete(snap.Queue, key)
			report.Expired++
			continue
		}

		var res Resolution
		if item.Type == DependencyEmojiDir {
			res, err = q.resolver.ResolveEmojiDir(ctx, item.Src)
		} else {
			res, err = q.resolver.Resolve(ctx, Asset{OriginPath: key, Src: item.Src, Handle: item.Handle, Type: item.Type})
		}
		delete(snap.Queue, key)
		if err == nil {
			delete(snap.Inactive, key)
			snap.Active[key] = ActivePath{RemotePath: res.RemotePath, TTL: res.TTL, Integrity: res.Integrity}
			report.Active++
			q.log.Debug("path resolved", "path", key, "remote", res.RemotePath, "strategy", res.Strategy)
		} else {
			delete(snap.Active, key)
			ttl := q.inv.InactiveTTL(ctx, key)
			snap.Inactive[key] = InactivePath{TTL: q.now().Add(ttl)}
			report.Inactive++
			resolveFailuresTotal.WithLabelValues(string(KindOf(err))).Inc()
			q.log.Debug("path not resolved", "path", key, "kind", KindOf(err), "error", err, "retry_in", ttl)
		}
		report.Processed++
	}
	report.Remaining = len(snap.Queue)

	// release and persist even when ctx ran out mid-drain
	done := context.WithoutCancel(ctx)
	if err := q.lock.Release(done); err != nil {
		q.log.Error("release lock", "error", err)
	}
	report.Persisted, err = q.store.Write(done, snap)
	drainDuration.Observe(time.Since(start).Seconds())
	queueSize.Set(float64(report.Remaining))
	q.stats.ObserveDrain(report)
	q.log.Info("queue drained",
		"processed", report.Processed,
		"active", report.Active,
		"inactive", report.Inactive,
		"expired", report.Expired,
		"remaining", report.Remaining,
		"persisted", report.Persisted,
	)
	return report, err
}

// Wait blocks until background drains have finished.
func (q *QueueManager) Wait() {
	q.wg.Wait()
}
