package main

import (
	"context"
	"sync"

	"swcache/internal/coordinator"
	"swcache/internal/host"
	"swcache/internal/logger"
	"swcache/internal/metrics"
)

// operator is the long-lived page the process keeps open on its own host.
// It drives update detection; a reload closes the page and opens a fresh one.
type operator struct {
	ctx     context.Context
	h       *host.Host
	opts    coordinator.Options
	metrics *metrics.Metrics
	log     logger.Logger

	mu      sync.Mutex
	client  *host.Client
	coord   *coordinator.Coordinator
	reloads int
	closed  bool
}

func newOperator(ctx context.Context, h *host.Host, opts coordinator.Options, m *metrics.Metrics, log logger.Logger) *operator {
	return &operator{ctx: ctx, h: h, opts: opts, metrics: m, log: log.With(logger.String("component", "operator"))}
}

func (o *operator) attach() error {
	opts := o.opts
	opts.Logger = o.log
	opts.Reload = o.reload
	opts.OnUpdateAvailable = func() {
		o.metrics.SetUpdateAvailable(true)
		o.log.Info("Update available")
	}

	client := o.h.NewClient()
	coord := coordinator.New(client, opts)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		client.Close()
		return nil
	}
	o.client, o.coord = client, coord
	o.mu.Unlock()

	o.metrics.SetUpdateAvailable(false)
	return coord.Register(o.ctx)
}

func (o *operator) reload() {
	o.mu.Lock()
	client, coord := o.client, o.coord
	o.mu.Unlock()

	o.log.Info("Controller changed, reloading operator page")
	coord.Close()
	client.Close()
	if err := o.attach(); err != nil {
		o.log.Warn("Re-registering after reload failed", logger.Error(err))
	}
	o.mu.Lock()
	o.reloads++
	o.mu.Unlock()
}

func (o *operator) current() *coordinator.Coordinator {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.coord
}

func (o *operator) UpdateAvailable() bool {
	if c := o.current(); c != nil {
		return c.UpdateAvailable()
	}
	return false
}

func (o *operator) ApplyUpdate() bool {
	if c := o.current(); c != nil {
		return c.ApplyUpdate()
	}
	return false
}

func (o *operator) Check(ctx context.Context) error {
	if c := o.current(); c != nil {
		return c.Check(ctx)
	}
	return nil
}

func (o *operator) Close() {
	o.mu.Lock()
	o.closed = true
	client, coord := o.client, o.coord
	o.client, o.coord = nil, nil
	o.mu.Unlock()
	if coord != nil {
		coord.Close()
	}
	if client != nil {
		client.Close()
	}
}
