package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Engine wires the resolution components around one KV store. It is built
// once per process and shared by every session.
type Engine struct {
	Site        *Site
	Policy      Policy
	Layout      MirrorLayout
	Store       *Store
	Lock        *Lock
	Versions    *VersionResolver
	Upgrades    *UpgradeFlag
	Resolver    *Resolver
	Queue       *QueueManager
	Invalidator *Invalidator

	// ShouldRewrite can veto rewriting of an asset. A nil hook allows all.
	ShouldRewrite func(originPath, src, handle string, typ DependencyType) bool

	kv    KV
	log   *slog.Logger
	stats *statsCollector
}

func NewEngine(cfg Config, kv KV, fetch Fetcher, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := cfg.ResolvedPolicy()
	if err != nil {
		return nil, err
	}
	if fetch == nil {
		fetch = NewHTTPFetcher(cfg.Mirror.fetchTimeoutDur, cfg.Mirror.maxBodyBytes, cfg.Mirror.UserAgent)
	}

	site := NewSite(cfg.Site)
	layout := MirrorLayout{
		BaseURL:        cfg.Mirror.BaseURL,
		PlatformRepo:   cfg.Mirror.PlatformRepo,
		ExtensionsPath: cfg.Mirror.ExtensionsPath,
		ThemesPath:     cfg.Mirror.ThemesPath,
	}

	lock := NewLock(kv, policy.LockFor)
	store := NewStore(kv, lock, logger)
	versions := NewVersionResolver(kv, fetch, cfg.Registry, policy, logger)
	upgrades := NewUpgradeFlag(kv, policy.RecentlyUpgradedFor, logger)
	resolver := NewResolver(site, NewPackages(cfg.Packages), versions, upgrades, fetch, layout, policy, logger)
	inv := NewInvalidator(store, lock, versions, upgrades, site, policy, logger)
	queue := NewQueueManager(store, lock, resolver, inv, policy, logger)

	return &Engine{
		Site:        site,
		Policy:      policy,
		Layout:      layout,
		Store:       store,
		Lock:        lock,
		Versions:    versions,
		Upgrades:    upgrades,
		Resolver:    resolver,
		Queue:       queue,
		Invalidator: inv,
		kv:          kv,
		log:         logger,
	}, nil
}

// SetClock replaces the time source of every component.
func (e *Engine) SetClock(now func() time.Time) {
	e.Versions.now = now
	e.Resolver.now = now
	e.Invalidator.now = now
	e.Queue.now = now
	if lk, ok := e.kv.(*LevelKV); ok {
		lk.now = now
	}
}

// Bind ties background work (drains, scheduled sweeps) to ctx.
func (e *Engine) Bind(ctx context.Context) {
	e.Queue.baseCtx = ctx
	e.Invalidator.bind(ctx)
}

func (e *Engine) NewSession() *Session {
	return &Session{
		e:         e,
		pending:   NewPending(),
		integrity: map[assetKey]string{},
		stats:     e.stats,
	}
}

func (e *Engine) enableStats() *statsCollector {
	e.stats = newStatsCollector()
	e.Queue.stats = e.stats
	return e.stats
}

// Close waits for background drains and stops scheduled sweeps. The KV store
// is left open.
func (e *Engine) Close() {
	e.Invalidator.Stop()
	e.Queue.Wait()
}

// Status summarizes the stored state.
type Status struct {
	Active, Inactive, Queued int
	Locked                   bool
	RecentlyUpgraded         bool
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	snap, err := e.Store.Read(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	locked, err := e.Lock.HeldGlobally(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	return Status{
		Active:           len(snap.Active),
		Inactive:         len(snap.Inactive),
		Queued:           len(snap.Queue),
		Locked:           locked,
		RecentlyUpgraded: e.Upgrades.IsSet(ctx),
	}, nil
}
