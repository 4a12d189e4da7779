package logger

import (
	"sync"
	"time"
)

// RateLimited emits at most one warning per interval and counts what it dropped.
// It guards hot paths such as cache write failures.
type RateLimited struct {
	log      Logger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
	now      func() time.Time
}

// NewRateLimited wraps l so that Warn logs at most once per interval.
func NewRateLimited(l Logger, interval time.Duration) *RateLimited {
	return &RateLimited{log: l, interval: interval, now: time.Now}
}

// Warn logs msg unless another message was logged less than interval ago.
// It reports whether the message was written.
func (l *RateLimited) Warn(msg string, fields ...Field) bool {
	l.mu.Lock()
	now := l.now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return false
	}
	l.lastAt = now
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	if dropped > 0 {
		fields = append(fields, Int("suppressed", dropped))
	}
	l.log.Warn(msg, fields...)
	return true
}
