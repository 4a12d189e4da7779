package metrics

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"swcache/internal/logger"
)

type responseStats struct {
	count atomic.Uint64
	total atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

func newResponseStats() *responseStats {
	s := &responseStats{}
	s.min.Store(math.MaxUint64)
	return s
}

func (s *responseStats) Observe(bodyBytes int) {
	if bodyBytes < 0 {
		bodyBytes = 0
	}
	n := uint64(bodyBytes)
	s.count.Add(1)
	s.total.Add(n)
	for {
		cur := s.min.Load()
		if n >= cur || s.min.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.max.Load()
		if n <= cur || s.max.CompareAndSwap(cur, n) {
			break
		}
	}
}

// ResponseSnapshot summarizes response body sizes.
type ResponseSnapshot struct {
	Count uint64
	Min   uint64
	Avg   uint64
	Max   uint64
}

func (s *responseStats) Snapshot() ResponseSnapshot {
	count := s.count.Load()
	if count == 0 {
		return ResponseSnapshot{}
	}
	minv := s.min.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return ResponseSnapshot{
		Count: count,
		Min:   minv,
		Avg:   s.total.Load() / count,
		Max:   s.max.Load(),
	}
}

// StatsSource lists entry counts per store.
type StatsSource interface {
	Stats(ctx context.Context) (map[string]int, error)
}

// Report logs a storage summary every interval and refreshes the store
// gauges until ctx is done. format renders byte sizes.
func Report(ctx context.Context, every time.Duration, src StatsSource, m *Metrics, log logger.Logger, format func(int64) string) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ReportOnce(ctx, src, m, log, format)
		}
	}
}

// ReportOnce logs one storage summary.
func ReportOnce(ctx context.Context, src StatsSource, m *Metrics, log logger.Logger, format func(int64) string) {
	stats, err := src.Stats(ctx)
	if err != nil {
		log.Warn("Storage stats failed", logger.Error(err))
		return
	}
	m.SetStoreStats(stats)
	entries := 0
	for _, n := range stats {
		entries += n
	}
	rs := m.Responses()
	log.Info("Cache stats",
		logger.Int("stores", len(stats)),
		logger.Int("entries", entries),
		logger.Int64("responses", int64(rs.Count)),
		logger.String("resp_min", format(int64(rs.Min))),
		logger.String("resp_avg", format(int64(rs.Avg))),
		logger.String("resp_max", format(int64(rs.Max))),
	)
}
