package worker

import (
	"context"
	"net/http"
	"strings"

	"swcache/internal/cachestore"
	"swcache/internal/host"
	"swcache/internal/logger"
	"swcache/internal/strategy"
)

// Source tells where a response came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
	// SourceBypass marks requests the interceptor left to the network.
	SourceBypass Source = "bypass"
)

const (
	HeaderStrategy = "X-Cache-Strategy"
	HeaderSource   = "X-Cache-Source"
)

func (s *Script) fetch(ctx context.Context, ev *host.FetchEvent) (cachestore.Entry, bool) {
	r := ev.Request
	if r.Method != http.MethodGet || !s.net.SameOrigin(r.URL) {
		return cachestore.Entry{}, false
	}

	name := s.selector.Select(r.URL.Path)
	key := cachestore.RequestKey(r)

	var (
		ent cachestore.Entry
		src Source
		err error
	)
	switch name {
	case strategy.CacheFirst:
		ent, src, err = s.cacheFirst(ctx, key, r)
	case strategy.StaleWhileRevalidate:
		ent, src, err = s.staleWhileRevalidate(ctx, key, r)
	default:
		ent, src, err = s.networkFirst(ctx, key, r)
	}
	if err != nil {
		s.log.Debug("Strategy failed, falling back",
			logger.String("strategy", string(name)),
			logger.String("key", key),
			logger.Error(err),
		)
		ent = s.fallback(ctx, ev)
		src = SourceOffline
	}

	Annotate(&ent, name, src)
	return ent, true
}

func (s *Script) networkFirst(ctx context.Context, key string, r *http.Request) (cachestore.Entry, Source, error) {
	ent, err := s.net.Fetch(ctx, r)
	if err == nil {
		if ent.OK() {
			s.putRuntime(ctx, key, ent)
		}
		return ent, SourceNetwork, nil
	}
	if cached, ok := s.match(ctx, key, s.settings.RuntimeStore(), s.settings.StaticStore()); ok {
		return cached, SourceCache, nil
	}
	return cachestore.Entry{}, "", err
}

func (s *Script) cacheFirst(ctx context.Context, key string, r *http.Request) (cachestore.Entry, Source, error) {
	if cached, ok := s.match(ctx, key, s.settings.RuntimeStore(), s.settings.StaticStore()); ok {
		return cached, SourceCache, nil
	}
	ent, err := s.net.Fetch(ctx, r)
	if err != nil {
		return cachestore.Entry{}, "", err
	}
	if ent.OK() {
		s.putRuntime(ctx, key, ent)
	}
	return ent, SourceNetwork, nil
}

func (s *Script) staleWhileRevalidate(ctx context.Context, key string, r *http.Request) (cachestore.Entry, Source, error) {
	cached, ok := s.match(ctx, key, s.settings.RuntimeStore())
	if ok {
		s.revalidateAsync(key, r, cached)
		return cached, SourceCache, nil
	}
	ent, err := s.net.Fetch(ctx, r)
	if err != nil {
		return cachestore.Entry{}, "", err
	}
	if ent.OK() {
		s.putRuntime(ctx, key, ent)
	}
	return ent, SourceNetwork, nil
}

// revalidateAsync refreshes the runtime copy in the background. It is
// skipped when too many refreshes are already in flight.
func (s *Script) revalidateAsync(key string, r *http.Request, cur cachestore.Entry) {
	select {
	case s.bgSem <- struct{}{}:
	default:
		s.log.Debug("Revalidation skipped, too many in flight", logger.String("key", key))
		return
	}
	req := r.Clone(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()

		ent, err := s.net.Fetch(s.ctx, req)
		if err != nil || !ent.OK() {
			return
		}
		if ent.Status == cur.Status && ent.Hash32 == cur.Hash32 && cur.Hash32 != 0 {
			return
		}
		s.putRuntime(s.ctx, key, ent)
	}()
}

// match looks key up in stores, in order.
func (s *Script) match(ctx context.Context, key string, stores ...string) (cachestore.Entry, bool) {
	ent, ok, err := s.storage.Match(ctx, key, stores...)
	if err != nil {
		s.log.Warn("Cache lookup failed", logger.String("key", key), logger.Error(err))
		return cachestore.Entry{}, false
	}
	return ent, ok
}

// putRuntime queues a write-back. A runtime store purged by a newer version
// stays purged.
func (s *Script) putRuntime(ctx context.Context, key string, ent cachestore.Entry) {
	rt, ok, err := s.storage.OpenExisting(ctx, s.settings.RuntimeStore())
	if err != nil {
		s.log.Warn("Open runtime store failed", logger.Error(err))
		return
	}
	if !ok {
		s.log.Debug("Runtime store gone, skipping write", logger.String("key", key))
		return
	}
	rt.PutAsync(key, ent)
}

// fallback answers a request no strategy could serve: navigations get the
// precached offline page, everything else a synthetic 503.
func (s *Script) fallback(ctx context.Context, ev *host.FetchEvent) cachestore.Entry {
	if ev.Navigate && s.settings.OfflinePage != "" {
		key := cachestore.Key(http.MethodGet, s.settings.OfflinePage)
		ent, ok, err := s.storage.Match(ctx, key, s.settings.StaticStore())
		if err == nil && ok {
			return ent
		}
	}
	return OfflineEntry()
}

// OfflineEntry is the synthetic response served when nothing else is available.
func OfflineEntry() cachestore.Entry {
	return cachestore.Entry{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":  []string{"text/plain; charset=utf-8"},
			"Cache-Control": []string{"no-store"},
		},
		Body: []byte("Offline"),
	}
}

// Annotate tags ent with the strategy and source that produced it.
func Annotate(ent *cachestore.Entry, name strategy.Name, src Source) {
	if ent.Header == nil {
		ent.Header = http.Header{}
	}
	SetHeaders(ent.Header, name, src)
}

// SetHeaders writes the cache annotation headers into h.
func SetHeaders(h http.Header, name strategy.Name, src Source) {
	if name != "" {
		h.Set(HeaderStrategy, string(name))
	}
	if src != "" {
		h.Set(HeaderSource, string(src))
	}
	// Browsers hide custom headers from cross-origin scripts unless exposed.
	ensureExposedHeader(h, HeaderStrategy)
	ensureExposedHeader(h, HeaderSource)
}

func ensureExposedHeader(h http.Header, name string) {
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
