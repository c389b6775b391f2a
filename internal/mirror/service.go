package mirror

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Service struct {
	cfg Config

	kv     KV
	engine *Engine
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stopCh chan struct{}
	wg     sync.WaitGroup

	stats *statsCollector
}

// NewService opens the configured storage and starts the background loops.
func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	kv, err := OpenKV(cfg, logger)
	if err != nil {
		return nil, err
	}
	s, err := NewServiceWith(cfg, kv, nil, logger)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	return s, nil
}

// NewServiceWith builds a service on an already opened KV store. A nil
// fetcher uses HTTP with the configured limits.
func NewServiceWith(cfg Config, kv KV, fetch Fetcher, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	engine, err := NewEngine(cfg, kv, fetch, logger)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	engine.Bind(ctx)

	s := &Service{
		cfg:    cfg,
		kv:     kv,
		engine: engine,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
	}

	if cfg.Server.logStatsEveryDur > 0 {
		s.stats = engine.enableStats()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Server.logStatsEveryDur)
		}()
	}

	if cfg.Server.sweepEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sweepLoop(cfg.Server.sweepEveryDur)
		}()
	}

	if cfg.Server.drainEveryDur > 0 {
		logger.Info("drain tick interval", "every", cfg.Server.drainEveryDur)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.drainLoop(cfg.Server.drainEveryDur)
		}()
	}

	return s, nil
}

func (s *Service) Engine() *Engine { return s.engine }

// Close stops the loops, waits for in-flight drains and closes storage.
func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.cancel()
	s.engine.Close()
	if err := s.kv.Close(); err != nil {
		s.log.Error("close storage", "error", err)
	}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rewrite", s.handleRewrite)
	mux.HandleFunc("/rewrite/emoji", s.handleRewriteEmoji)
	mux.HandleFunc("/invalidate", s.handleInvalidate)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

type rewriteResponse struct {
	URL       string `json:"url"`
	Outcome   string `json:"outcome"`
	Integrity string `json:"integrity,omitempty"`
}

func (s *Service) handleRewrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	src := q.Get("src")
	handle := q.Get("handle")
	typ := DependencyType(q.Get("type"))
	if typ == "" {
		typ = DependencyScript
	}
	if typ != DependencyScript && typ != DependencyStyle {
		http.Error(w, "type must be script or style", http.StatusBadRequest)
		return
	}

	sess := s.engine.NewSession()
	url, outcome := sess.Rewrite(r.Context(), src, handle, typ)
	resp := rewriteResponse{URL: url, Outcome: outcome}
	resp.Integrity, _ = sess.Integrity(typ, handle)
	s.finish(r.Context(), sess)
	writeJSON(w, http.StatusOK, outcome, resp)
}

func (s *Service) handleRewriteEmoji(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess := s.engine.NewSession()
	url, outcome := sess.RewriteEmojiDir(r.Context(), r.URL.Query().Get("src"))
	s.finish(r.Context(), sess)
	writeJSON(w, http.StatusOK, outcome, rewriteResponse{URL: url, Outcome: outcome})
}

func (s *Service) finish(ctx context.Context, sess *Session) {
	// flushing must survive the client going away
	if err := sess.Finish(context.WithoutCancel(ctx)); err != nil {
		s.log.Error("flush queue", "error", err)
	}
}

func (s *Service) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	targets := q["target"]
	ctx := r.Context()
	inv := s.engine.Invalidator

	var (
		n   int
		err error
	)
	switch q.Get("kind") {
	case "all":
		err = inv.DeleteAll(ctx)
	case "expired":
		n, err = inv.DeleteExpired(ctx)
	case "prefix":
		if len(targets) == 0 {
			http.Error(w, "target is required", http.StatusBadRequest)
			return
		}
		n, err = inv.DeleteStartingWith(ctx, targets)
	case "upgrade-platform":
		n, err = inv.AfterUpgrade(ctx, UpgradePlatform, nil)
	case "upgrade-extension":
		n, err = inv.AfterUpgrade(ctx, UpgradeExtension, targets)
	case "upgrade-theme":
		n, err = inv.AfterUpgrade(ctx, UpgradeTheme, targets)
	case "extension-deactivated":
		if len(targets) != 1 {
			http.Error(w, "exactly one target is required", http.StatusBadRequest)
			return
		}
		n, err = inv.AfterExtensionDeactivated(ctx, targets[0])
	case "theme-switch":
		if len(targets) == 0 || len(targets) > 2 {
			http.Error(w, "target must be the old stylesheet and optionally its template", http.StatusBadRequest)
			return
		}
		tmpl := ""
		if len(targets) == 2 {
			tmpl = targets[1]
		}
		n, err = inv.AfterThemeSwitch(ctx, targets[0], tmpl)
	default:
		http.Error(w, "unknown kind", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Error("invalidate", "kind", q.Get("kind"), "error", err)
		http.Error(w, "invalidation failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, "", map[string]int{"removed": n})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.log.Error("status", "error", err)
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, "", st)
}

func writeJSON(w http.ResponseWriter, status int, outcome string, v any) {
	setAssetcdnHeaders(w.Header(), outcome)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setAssetcdnHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set("X-Assetcdn", outcome)
	}
	// If this is used from a browser in a CORS context, custom headers are not
	// readable by JS unless explicitly exposed.
	ensureExposedHeader(h, "X-Assetcdn")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			st, err := s.engine.Status(s.ctx)
			if err != nil {
				s.log.Error("stats", "error", err)
				continue
			}
			s.log.Info("stats",
				"active", st.Active,
				"inactive", st.Inactive,
				"queued", st.Queued,
				"hit_ratio", ss.HitRatio(),
				"drains", ss.Drains,
				"resolved", ss.Active,
				"failed", ss.Failed,
				"expired", ss.Expired,
				"skipped", ss.Skipped,
			)
		}
	}
}

func (s *Service) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.sweep()
		}
	}
}

// purger is implemented by stores that keep expired keys until reclaimed.
type purger interface {
	Purge() (int, error)
}

func (s *Service) sweep() {
	n, err := s.engine.Invalidator.DeleteExpired(s.ctx)
	if err != nil {
		s.log.Error("expired sweep", "error", err)
	} else {
		s.log.Debug("expired sweep", "removed", n)
	}
	if p, ok := s.kv.(purger); ok {
		n, err := p.Purge()
		if err != nil {
			s.log.Error("storage purge", "error", err)
			return
		}
		s.log.Debug("storage purge", "keys", n)
	}
}

func (s *Service) drainLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.engine.Queue.ScheduleDrain(s.ctx)
		}
	}
}
