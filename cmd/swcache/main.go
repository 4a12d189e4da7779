package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"swcache/internal/cachestore"
	"swcache/internal/config"
	"swcache/internal/connectivity"
	"swcache/internal/coordinator"
	"swcache/internal/discover"
	"swcache/internal/host"
	"swcache/internal/logger"
	"swcache/internal/metrics"
	"swcache/internal/network"
	"swcache/internal/server"
	"swcache/internal/worker"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("SWCACHE_CONFIG", config.DefaultPath), "path to swcache.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg := logger.Must(cfg.Logging)
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, configPath, lg); err != nil {
		lg.Error("swcache stopped", logger.Error(err))
		_ = lg.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, configPath string, lg logger.Logger) error {
	reg := prometheus.NewRegistry()
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
	}

	backend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	storage := cachestore.New(backend, cachestore.Options{
		QueueSize: cfg.Storage.Queue,
		Logger:    lg,
		Hooks:     m.StorageHooks(),
	})
	defer func() {
		if err := storage.Close(); err != nil {
			lg.Warn("Closing storage failed", logger.Error(err))
		}
	}()

	status := host.NewNetworkStatus(true)
	m.SetOnline(true)
	status.OnOnline(func() {
		m.SetOnline(true)
		lg.Info("Origin reachable again")
	})
	status.OnOffline(func() {
		m.SetOnline(false)
		lg.Warn("Origin unreachable, serving from cache")
	})

	client, err := network.NewClient(cfg.Server.Origin, network.Options{
		Timeout: cfg.Network.Timeout,
		Status:  status,
	})
	if err != nil {
		return fmt.Errorf("init origin client: %w", err)
	}

	// Each update check re-reads the config file, so a new cache version
	// or precache list deploys without a restart.
	source := worker.NewSource(func(context.Context) (worker.Settings, error) {
		c, err := config.Load(configPath)
		if err != nil {
			return worker.Settings{}, err
		}
		return c.Interceptor(), nil
	}, worker.Deps{Storage: storage, Network: client, Logger: lg})
	defer source.Close()

	h := host.New(host.Options{
		Source:  source,
		Network: client,
		Status:  status,
		Logger:  lg,
		Hooks:   m.HostHooks(),
	})
	defer h.Close()

	op := newOperator(ctx, h, coordinator.Options{
		CheckEvery:     cfg.Update.CheckEvery,
		AutoApplyAfter: cfg.Update.AutoApplyAfter,
	}, m, lg)
	if err := op.attach(); err != nil {
		lg.Warn("Interceptor registration failed, serving passthrough", logger.Error(err))
	}
	defer op.Close()

	online := connectivity.Observe(status)
	defer online.Close()

	disc := discover.New(discover.Options{
		Sitemaps:        cfg.Discover.Sitemaps,
		InitialDelay:    cfg.Discover.InitialDelay,
		RediscoverEvery: cfg.Discover.RediscoverEvery,
		Pages:           cfg.Cache.Precache,
		Assets:          cfg.Discover.Assets,
		Fetcher:         client,
		SameOrigin:      client.SameOrigin,
		Post:            postToActive(h),
		Logger:          lg,
	})

	deps := server.Deps{
		Host:         h,
		Updater:      op,
		Connectivity: online,
		Stats:        storage,
		Metrics:      m,
		Logger:       lg,
	}
	if cfg.Metrics.Enabled {
		deps.Gatherer = reg
		deps.MetricsPath = cfg.Metrics.Path
	}
	srv := &http.Server{
		Handler:           server.New(deps).Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("swcache listening",
			logger.String("addr", addr),
			logger.String("origin", cfg.Server.Origin),
			logger.String("storage", cfg.Storage.Backend),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		disc.Run(gctx)
		return nil
	})
	if cfg.Server.StatsEvery > 0 {
		g.Go(func() error {
			metrics.Report(gctx, cfg.Server.StatsEvery, storage, m, lg, config.FormatBytes)
			return nil
		})
	}
	g.Go(func() error {
		watchHangup(gctx, op, lg)
		return nil
	})

	return g.Wait()
}

func openBackend(ctx context.Context, sc config.StorageConfig) (cachestore.Backend, error) {
	maxBytes, err := sc.MaxBytes()
	if err != nil {
		return nil, fmt.Errorf("storage.max: %w", err)
	}
	switch sc.Backend {
	case "memory":
		return cachestore.NewMemory(maxBytes), nil
	case "leveldb":
		return cachestore.OpenLevelDB(sc.Path, maxBytes)
	case "sqlite":
		return cachestore.OpenSQLite(sc.Path)
	case "redis":
		return cachestore.OpenRedis(ctx, cachestore.RedisOptions{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}

// postToActive delivers discovered URLs to whichever version is active when the batch is ready.
func postToActive(h *host.Host) discover.PostFunc {
	return func(ctx context.Context, urls []string) error {
		reg := h.Registration()
		if reg == nil {
			return errors.New("interceptor not registered")
		}
		v := reg.Active()
		if v == nil {
			return errors.New("no active interceptor")
		}
		return v.Dispatch(ctx, worker.NewCacheURLsMessage(urls))
	}
}

// watchHangup runs an update check on every SIGHUP.
func watchHangup(ctx context.Context, op *operator, lg logger.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			lg.Info("SIGHUP received, checking for interceptor update")
			if err := op.Check(ctx); err != nil {
				lg.Warn("Update check failed", logger.Error(err))
			}
		}
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
