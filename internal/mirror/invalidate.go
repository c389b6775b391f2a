package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const keyRecentlyUpgraded = "recently-upgraded"

// UpgradeKind is the kind of artifact an upgrade event is about.
type UpgradeKind string

const (
	UpgradePlatform  UpgradeKind = "platform"
	UpgradeExtension UpgradeKind = "extension"
	UpgradeTheme     UpgradeKind = "theme"
)

// UpgradeFlag marks the platform as recently upgraded. While it is set,
// platform-core paths that fail to resolve are retried sooner.
type UpgradeFlag struct {
	kv  KV
	ttl time.Duration
	log *slog.Logger
}

func NewUpgradeFlag(kv KV, ttl time.Duration, logger *slog.Logger) *UpgradeFlag {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpgradeFlag{kv: kv, ttl: ttl, log: logger}
}

func (f *UpgradeFlag) Set(ctx context.Context) error {
	return f.kv.Set(ctx, keyRecentlyUpgraded, []byte("1"), f.ttl)
}

func (f *UpgradeFlag) IsSet(ctx context.Context) bool {
	_, ok, err := f.kv.Get(ctx, keyRecentlyUpgraded)
	if err != nil {
		f.log.Error("read upgrade flag", "error", err)
		return false
	}
	return ok
}

func (f *UpgradeFlag) Clear(ctx context.Context) error {
	return f.kv.Delete(ctx, keyRecentlyUpgraded)
}

// Invalidator evicts stored decisions, in bulk or by origin-path prefix.
type Invalidator struct {
	store    *Store
	lock     *Lock
	versions *VersionResolver
	upgrades *UpgradeFlag
	site     *Site
	policy   Policy
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sweep    *time.Timer
	sweepAt  time.Time
	sweepCtx context.Context
}

func NewInvalidator(store *Store, lock *Lock, versions *VersionResolver, upgrades *UpgradeFlag, site *Site, policy Policy, logger *slog.Logger) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{
		store:    store,
		lock:     lock,
		versions: versions,
		upgrades: upgrades,
		site:     site,
		policy:   policy,
		log:      logger,
		now:      time.Now,
		sweepCtx: context.Background(),
	}
}

// DeleteAll wipes the snapshot together with every cache and marker kept
// beside it.
func (inv *Invalidator) DeleteAll(ctx context.Context) error {
	var errs []error
	errs = append(errs, inv.store.DeleteAll(ctx))
	errs = append(errs, inv.versions.ClearCaches(ctx))
	if err := inv.lock.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear lock: %w", err))
	}
	if err := inv.upgrades.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear upgrade flag: %w", err))
	}
	return errors.Join(errs...)
}

// DeleteExpired removes every entry whose ttl has passed, in all states.
func (inv *Invalidator) DeleteExpired(ctx context.Context) (int, error) {
	now := inv.now()
	return inv.mutate(ctx, func(s *Snapshot) int {
		n := 0
		for k, v := range s.Active {
			if now.After(v.TTL) {
				delete(s.Active, k)
				n++
			}
		}
		for k, v := range s.Inactive {
			if now.After(v.TTL) {
				delete(s.Inactive, k)
				n++
			}
		}
		for k, v := range s.Queue {
			if now.After(v.TTL) {
				delete(s.Queue, k)
				n++
			}
		}
		return n
	})
}

// DeleteStartingWith removes every entry whose origin path starts with one of
// prefixes.
func (inv *Invalidator) DeleteStartingWith(ctx context.Context, prefixes []string) (int, error) {
	return inv.mutate(ctx, func(s *Snapshot) int {
		return deleteStartingWith(s, prefixes)
	})
}

func deleteStartingWith(s *Snapshot, prefixes []string) int {
	match := func(key string) bool {
		for _, p := range prefixes {
			if p != "" && strings.HasPrefix(key, p) {
				return true
			}
		}
		return false
	}
	var keys []string
	for k := range s.Active {
		keys = append(keys, k)
	}
	for k := range s.Inactive {
		keys = append(keys, k)
	}
	for k := range s.Queue {
		keys = append(keys, k)
	}
	n := 0
	for _, k := range keys {
		if match(k) && s.remove(k) {
			n++
		}
	}
	return n
}

// mutate applies fn to a fresh snapshot and persists it when anything was
// removed. The write is skipped while a drain holds the lock.
func (inv *Invalidator) mutate(ctx context.Context, fn func(*Snapshot) int) (int, error) {
	snap, err := inv.store.Read(ctx)
	if err != nil {
		return 0, err
	}
	n := fn(snap)
	if n == 0 {
		return 0, nil
	}
	written, err := inv.store.Write(ctx, snap)
	if err != nil {
		return 0, err
	}
	if !written {
		inv.log.Warn("invalidation not persisted, drain in progress", "removed", n)
		return 0, nil
	}
	return n, nil
}

// AfterUpgrade evicts the paths of upgraded artifacts. Extension targets are
// main files or slugs, theme targets are slugs; platform upgrades take no
// targets and set the recently-upgraded flag.
func (inv *Invalidator) AfterUpgrade(ctx context.Context, kind UpgradeKind, targets []string) (int, error) {
	switch kind {
	case UpgradePlatform:
		if err := inv.upgrades.Set(ctx); err != nil {
			return 0, fmt.Errorf("set upgrade flag: %w", err)
		}
		return inv.DeleteStartingWith(ctx, inv.site.DefaultDirPrefixes())
	case UpgradeExtension:
		return inv.DeleteStartingWith(ctx, inv.extensionPrefixes(targets))
	case UpgradeTheme:
		return inv.DeleteStartingWith(ctx, inv.themePrefixes(targets))
	default:
		return 0, fmt.Errorf("unknown upgrade kind %q", kind)
	}
}

// AfterExtensionDeactivated evicts the paths of a deactivated extension.
func (inv *Invalidator) AfterExtensionDeactivated(ctx context.Context, file string) (int, error) {
	return inv.DeleteStartingWith(ctx, inv.extensionPrefixes([]string{file}))
}

// AfterThemeSwitch evicts the paths of the theme switched away from, both its
// stylesheet and its template directory.
func (inv *Invalidator) AfterThemeSwitch(ctx context.Context, oldStylesheet, oldTemplate string) (int, error) {
	slugs := []string{oldStylesheet}
	if oldTemplate != "" && oldTemplate != oldStylesheet {
		slugs = append(slugs, oldTemplate)
	}
	return inv.DeleteStartingWith(ctx, inv.themePrefixes(slugs))
}

func (inv *Invalidator) extensionPrefixes(files []string) []string {
	prefix := inv.site.Prefix("content") + inv.site.pluginsDirRel() + "/"
	out := make([]string, 0, len(files))
	for _, f := range files {
		if d := dirOf(f); d != "" {
			out = append(out, prefix+d+"/")
		}
	}
	return out
}

func (inv *Invalidator) themePrefixes(slugs []string) []string {
	prefix := inv.site.Prefix("content") + inv.site.themesDirRel() + "/"
	out := make([]string, 0, len(slugs))
	for _, s := range slugs {
		if s != "" {
			out = append(out, prefix+s+"/")
		}
	}
	return out
}

// InactiveTTL returns how long a failed path stays inactive. Platform-core
// paths get a short ttl while the platform is recently upgraded, and a sweep
// is scheduled for when it passes.
func (inv *Invalidator) InactiveTTL(ctx context.Context, originPath string) time.Duration {
	if inv.site.InDefaultDir(SanitizePath(originPath)) && inv.upgrades.IsSet(ctx) {
		inv.scheduleSweep(inv.policy.InactiveRecentlyUpgradedTTL + time.Second)
		return inv.policy.InactiveRecentlyUpgradedTTL
	}
	return inv.policy.InactiveTTL
}

// SweepRecentlyUpgraded deletes expired paths and, while the platform is
// still flagged, schedules itself again.
func (inv *Invalidator) SweepRecentlyUpgraded(ctx context.Context) error {
	n, err := inv.DeleteExpired(ctx)
	if err != nil {
		return err
	}
	inv.log.Debug("recently-upgraded sweep", "removed", n)
	if inv.upgrades.IsSet(ctx) {
		inv.scheduleSweep(inv.policy.InactiveRecentlyUpgradedTTL + time.Second)
	}
	return nil
}

// scheduleSweep arms a single pending sweep. A pending sweep is kept as is;
// it reschedules itself while the platform stays flagged.
func (inv *Invalidator) scheduleSweep(after time.Duration) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.sweep != nil {
		return
	}
	inv.sweepAt = inv.now().Add(after)
	ctx := inv.sweepCtx
	inv.sweep = time.AfterFunc(after, func() {
		inv.mu.Lock()
		inv.sweep = nil
		inv.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := inv.SweepRecentlyUpgraded(ctx); err != nil {
			inv.log.Error("recently-upgraded sweep failed", "error", err)
		}
	})
}

// bind ties scheduled sweeps to ctx; they stop firing once it is done.
func (inv *Invalidator) bind(ctx context.Context) {
	inv.mu.Lock()
	inv.sweepCtx = ctx
	inv.mu.Unlock()
}

// NextSweep returns when the pending sweep fires, if one is armed.
func (inv *Invalidator) NextSweep() (time.Time, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.sweepAt, inv.sweep != nil
}

// Stop cancels a pending sweep.
func (inv *Invalidator) Stop() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.sweep != nil {
		inv.sweep.Stop()
		inv.sweep = nil
	}
}
