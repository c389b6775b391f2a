package mirror

import (
	"log/slog"
	"sync"
	"time"
)

// rateLimitedLogger drops messages arriving within interval of the last one
// it let through.
type rateLimitedLogger struct {
	log      *slog.Logger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func newRateLimitedLogger(logger *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: logger, interval: interval}
}

func (l *rateLimitedLogger) Info(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		return
	}
	l.lastAt = now
	if l.dropped > 0 {
		args = append(args, "suppressed", l.dropped)
		l.dropped = 0
	}
	l.log.Info(msg, args...)
}
