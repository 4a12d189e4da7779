// Package metrics holds the Prometheus collectors of the interceptor and its storage.
// Every method is safe on a nil *Metrics, which is how metrics are disabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"swcache/internal/cachestore"
	"swcache/internal/host"
	"swcache/internal/strategy"
	"swcache/internal/worker"
)

const Namespace = "swcache"

type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	ResponseBytes      *prometheus.HistogramVec
	CacheWritesFailed  *prometheus.CounterVec
	CacheWritesDropped *prometheus.CounterVec
	InstallsTotal      *prometheus.CounterVec
	ActivationsTotal   *prometheus.CounterVec
	Stores             prometheus.Gauge
	StoreEntries       *prometheus.GaugeVec
	Online             prometheus.Gauge
	UpdateAvailable    prometheus.Gauge

	responses *responseStats
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{responses: newResponseStats()}

	m.RequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "interceptor",
		Name:      "requests_total",
		Help:      "Requests answered, by strategy and response source.",
	}, []string{"strategy", "source"})
	m.ResponseBytes = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "interceptor",
		Name:      "response_bytes",
		Help:      "Size of response bodies, by source.",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
	}, []string{"source"})
	m.InstallsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "interceptor",
		Name:      "installs_total",
		Help:      "Version installs, by result.",
	}, []string{"result"})
	m.ActivationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "interceptor",
		Name:      "activations_total",
		Help:      "Version activations, by result.",
	}, []string{"result"})
	m.UpdateAvailable = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "interceptor",
		Name:      "update_available",
		Help:      "1 while an installed version waits to take over.",
	})
	m.Online = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "network",
		Name:      "online",
		Help:      "1 while the origin is reachable.",
	})

	m.CacheWritesFailed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "storage",
		Name:      "writes_failed_total",
		Help:      "Asynchronous cache writes that failed, by store.",
	}, []string{"store"})
	m.CacheWritesDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "storage",
		Name:      "writes_dropped_total",
		Help:      "Asynchronous cache writes dropped on a full queue, by store.",
	}, []string{"store"})
	m.Stores = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "storage",
		Name:      "stores",
		Help:      "Number of live stores.",
	})
	m.StoreEntries = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "storage",
		Name:      "entries",
		Help:      "Entries per store.",
	}, []string{"store"})
	return m
}

// ObserveResponse records one answered request.
func (m *Metrics) ObserveResponse(name strategy.Name, src worker.Source, bodyBytes int) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(name), string(src)).Inc()
	m.ResponseBytes.WithLabelValues(string(src)).Observe(float64(bodyBytes))
	m.responses.Observe(bodyBytes)
}

// StorageHooks reports write failures and drops.
func (m *Metrics) StorageHooks() cachestore.Hooks {
	if m == nil {
		return cachestore.Hooks{}
	}
	return cachestore.Hooks{
		WriteFailed:  func(store string, _ error) { m.CacheWritesFailed.WithLabelValues(store).Inc() },
		WriteDropped: func(store string) { m.CacheWritesDropped.WithLabelValues(store).Inc() },
	}
}

// HostHooks reports install and activation outcomes.
func (m *Metrics) HostHooks() host.Hooks {
	if m == nil {
		return host.Hooks{}
	}
	return host.Hooks{
		Installed: func(_ *host.Version, err error) { m.InstallsTotal.WithLabelValues(result(err)).Inc() },
		Activated: func(_ *host.Version, err error) { m.ActivationsTotal.WithLabelValues(result(err)).Inc() },
	}
}

// SetOnline records origin reachability.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	m.Online.Set(boolFloat(online))
}

// SetUpdateAvailable records the coordinator's update signal.
func (m *Metrics) SetUpdateAvailable(v bool) {
	if m == nil {
		return
	}
	m.UpdateAvailable.Set(boolFloat(v))
}

// SetStoreStats replaces the per-store entry gauges.
func (m *Metrics) SetStoreStats(stats map[string]int) {
	if m == nil {
		return
	}
	m.Stores.Set(float64(len(stats)))
	m.StoreEntries.Reset()
	for name, n := range stats {
		m.StoreEntries.WithLabelValues(name).Set(float64(n))
	}
}

// Responses returns the response size summary since start.
func (m *Metrics) Responses() ResponseSnapshot {
	if m == nil {
		return ResponseSnapshot{}
	}
	return m.responses.Snapshot()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func boolFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
