// Package worker is the interceptor script: it precaches on install, purges
// obsolete stores on activate, answers requests with the configured caching
// strategies and handles page commands.
package worker

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"swcache/internal/cachestore"
	"swcache/internal/host"
	"swcache/internal/logger"
	"swcache/internal/strategy"
)

// Network is the origin as seen by the interceptor.
type Network interface {
	cachestore.Fetcher
	SameOrigin(u *url.URL) bool
}

// Deps are shared by every script version.
type Deps struct {
	Storage *cachestore.Storage
	Network Network
	Logger  logger.Logger
	// Revalidations bounds concurrent background refreshes. Defaults to 32.
	Revalidations int
}

// Script is one build of the interceptor. It implements host.Script.
type Script struct {
	settings Settings
	token    string
	selector *strategy.Selector

	storage *cachestore.Storage
	net     Network
	log     logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	bgSem  chan struct{}
	wg     sync.WaitGroup
}

// New compiles settings into a script.
func New(settings Settings, deps Deps) (*Script, error) {
	if deps.Storage == nil || deps.Network == nil {
		return nil, fmt.Errorf("worker: storage and network are required")
	}
	sel, err := strategy.Compile(settings.Strategies)
	if err != nil {
		return nil, fmt.Errorf("compile strategies: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Revalidations <= 0 {
		deps.Revalidations = 32
	}
	token := settings.Token()
	ctx, cancel := context.WithCancel(context.Background())
	return &Script{
		settings: settings,
		token:    token,
		selector: sel,
		storage:  deps.Storage,
		net:      deps.Network,
		log:      deps.Logger.With(logger.String("component", "worker"), logger.String("token", token)),
		ctx:      ctx,
		cancel:   cancel,
		bgSem:    make(chan struct{}, deps.Revalidations),
	}, nil
}

// Token implements host.Script.
func (s *Script) Token() string { return s.token }

// Bind implements host.Script.
func (s *Script) Bind(d host.Dispatcher, sc host.Scope) {
	d.OnInstall(s.install)
	d.OnActivate(func(ctx context.Context) error { return s.activate(ctx, sc) })
	d.OnFetch(s.fetch)
	d.OnMessage(func(ctx context.Context, msg host.Message) error { return s.message(ctx, msg, sc) })
}

// Wait blocks until background revalidations have finished.
func (s *Script) Wait() { s.wg.Wait() }

// Close cancels background revalidations and waits for them.
func (s *Script) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Script) install(ctx context.Context) error {
	static, err := s.storage.Open(ctx, s.settings.StaticStore())
	if err != nil {
		return err
	}
	// Runtime growth must never push the offline page out.
	s.storage.Pin(static.Name())
	if err := static.AddAll(ctx, s.net, s.settings.Precache); err != nil {
		return fmt.Errorf("precache %s: %w", static.Name(), err)
	}
	s.log.Info("Precached assets",
		logger.String("store", static.Name()),
		logger.Int("count", len(s.settings.Precache)),
	)
	return nil
}

func (s *Script) activate(ctx context.Context, sc host.Scope) error {
	defer sc.Claim()

	names, err := s.storage.Names(ctx)
	if err != nil {
		return err
	}
	keep := map[string]bool{
		s.settings.StaticStore():  true,
		s.settings.RuntimeStore(): true,
	}
	var purged []string
	for _, name := range names {
		if keep[name] {
			continue
		}
		if _, err := s.storage.Delete(ctx, name); err != nil {
			return err
		}
		purged = append(purged, name)
	}
	if len(purged) > 0 {
		s.log.Info("Purged obsolete stores", logger.Strings("stores", purged))
	}
	// Runtime writes only land in a store that exists, so create it here.
	_, err = s.storage.Open(ctx, s.settings.RuntimeStore())
	return err
}
