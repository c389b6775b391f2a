package mirror

import (
	"sync/atomic"
)

// statsCollector keeps process-local counters for the periodic stats line.
// Prometheus holds the same numbers for scraping.
type statsCollector struct {
	hits     atomic.Uint64
	queued   atomic.Uint64
	inactive atomic.Uint64
	bypass   atomic.Uint64

	drains  atomic.Uint64
	active  atomic.Uint64
	failed  atomic.Uint64
	expired atomic.Uint64
	skipped atomic.Uint64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

func (s *statsCollector) ObserveRewrite(outcome string) {
	rewriteTotal.WithLabelValues(outcome).Inc()
	if s == nil {
		return
	}
	switch outcome {
	case outcomeHit:
		s.hits.Add(1)
	case outcomeQueued:
		s.queued.Add(1)
	case outcomeInactive:
		s.inactive.Add(1)
	default:
		s.bypass.Add(1)
	}
}

func (s *statsCollector) ObserveDrain(r DrainReport) {
	if r.Skipped {
		drainSkippedTotal.Inc()
	}
	drainEntriesTotal.WithLabelValues("active").Add(float64(r.Active))
	drainEntriesTotal.WithLabelValues("inactive").Add(float64(r.Inactive))
	drainEntriesTotal.WithLabelValues("expired").Add(float64(r.Expired))
	if s == nil {
		return
	}
	if r.Skipped {
		s.skipped.Add(1)
		return
	}
	s.drains.Add(1)
	s.active.Add(uint64(r.Active))
	s.failed.Add(uint64(r.Inactive))
	s.expired.Add(uint64(r.Expired))
}

type statsSnapshot struct {
	Hits, Queued, Inactive, Bypass           uint64
	Drains, Active, Failed, Expired, Skipped uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	return statsSnapshot{
		Hits:     s.hits.Load(),
		Queued:   s.queued.Load(),
		Inactive: s.inactive.Load(),
		Bypass:   s.bypass.Load(),
		Drains:   s.drains.Load(),
		Active:   s.active.Load(),
		Failed:   s.failed.Load(),
		Expired:  s.expired.Load(),
		Skipped:  s.skipped.Load(),
	}
}

// HitRatio is the share of rewrite lookups answered from the active set.
func (ss statsSnapshot) HitRatio() float64 {
	total := ss.Hits + ss.Queued + ss.Inactive
	if total == 0 {
		return 0
	}
	return float64(ss.Hits) / float64(total)
}
