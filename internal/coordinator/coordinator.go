// Package coordinator runs on the page side of the interceptor lifecycle: it
// registers, detects waiting updates, applies them on request and reloads the
// page once control changes hands.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"swcache/internal/host"
	"swcache/internal/logger"
)

// Container is the page's view of the interceptor host.
type Container interface {
	Register(ctx context.Context) (*host.Registration, error)
	Controller() *host.Version
	OnControllerChange(fn func()) (remove func())
}

// Options configure a Coordinator.
type Options struct {
	// CheckEvery is the update polling interval. Defaults to one hour.
	CheckEvery time.Duration
	// AutoApplyAfter applies a detected update after the delay. Zero leaves it to ApplyUpdate.
	AutoApplyAfter time.Duration
	// Reload is called at most once, on its own goroutine, after the first controller change.
	Reload func()
	// OnUpdateAvailable is called once when an update starts waiting.
	OnUpdateAvailable func()
	Logger            logger.Logger
}

// Coordinator manages one page's relationship with the registration.
type Coordinator struct {
	container Container
	opts      Options
	log       logger.Logger

	updateAvailable atomic.Bool
	reloading       atomic.Bool

	mu       sync.Mutex
	reg      *host.Registration
	removers []func()
	auto     *time.Timer
	cancel   context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
}

// New creates a coordinator. A nil container stands for an environment
// without interceptor support; every operation is then a no-op.
func New(c Container, opts Options) *Coordinator {
	if opts.CheckEvery <= 0 {
		opts.CheckEvery = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Coordinator{
		container: c,
		opts:      opts,
		log:       opts.Logger.With(logger.String("component", "coordinator")),
	}
}

// Register registers the interceptor and starts observing it. Repeated calls
// are no-ops. Unsupported environments are skipped silently; other failures
// are logged and returned, and never leave the page unusable.
func (c *Coordinator) Register(ctx context.Context) error {
	if c.container == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reg != nil {
		return nil
	}

	reg, err := c.container.Register(ctx)
	if errors.Is(err, host.ErrUnsupported) {
		c.log.Debug("Interceptor not supported, skipping registration")
		return nil
	}
	if err != nil {
		c.log.Warn("Interceptor registration failed", logger.Error(err))
		return fmt.Errorf("register: %w", err)
	}
	c.reg = reg
	c.log.Info("Interceptor registered")

	c.removers = append(c.removers,
		reg.OnUpdateFound(func() { c.track(reg.Installing()) }),
		c.container.OnControllerChange(c.controllerChanged),
	)
	if v := reg.Installing(); v != nil {
		c.removers = append(c.removers, c.watchLocked(v))
	}
	if reg.Waiting() != nil && c.container.Controller() != nil {
		c.signalLocked()
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.poll(pollCtx, reg)
	return nil
}

// UpdateAvailable reports whether a new version is waiting to take over.
func (c *Coordinator) UpdateAvailable() bool { return c.updateAvailable.Load() }

// Registration returns the observed registration, or nil.
func (c *Coordinator) Registration() *host.Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg
}

// ApplyUpdate tells the waiting version to skip waiting. It reports whether
// there was a waiting version; without one it does nothing.
func (c *Coordinator) ApplyUpdate() bool {
	reg := c.Registration()
	if reg == nil {
		return false
	}
	w := reg.Waiting()
	if w == nil {
		return false
	}
	c.log.Info("Applying update", logger.Int("version", w.ID()), logger.String("token", w.Token()))
	w.PostMessage(host.Message{Type: host.MessageSkipWaiting})
	return true
}

// Check asks the registration for an update now.
func (c *Coordinator) Check(ctx context.Context) error {
	reg := c.Registration()
	if reg == nil {
		return nil
	}
	return reg.Update(ctx)
}

// Close stops observing. The registration itself stays in place for other pages.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, rm := range c.removers {
		rm()
	}
	c.removers = nil
	if c.auto != nil {
		c.auto.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.reg = nil
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) poll(ctx context.Context, reg *host.Registration) {
	defer c.wg.Done()
	t := time.NewTicker(c.opts.CheckEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := reg.Update(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("Update check failed", logger.Error(err))
			}
		}
	}
}

func (c *Coordinator) track(v *host.Version) {
	if v == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.removers = append(c.removers, c.watchLocked(v))
}

// watchLocked raises the update signal once v is installed while the page
// already has a controller. The first install of a page never does.
func (c *Coordinator) watchLocked(v *host.Version) func() {
	return v.OnStateChange(func(s host.State) {
		if s != host.StateInstalled || c.container.Controller() == nil {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.closed {
			c.signalLocked()
		}
	})
}

func (c *Coordinator) signalLocked() {
	if !c.updateAvailable.CompareAndSwap(false, true) {
		return
	}
	c.log.Info("Update available")
	if c.opts.OnUpdateAvailable != nil {
		go c.opts.OnUpdateAvailable()
	}
	if c.opts.AutoApplyAfter > 0 {
		c.auto = time.AfterFunc(c.opts.AutoApplyAfter, func() { c.ApplyUpdate() })
	}
}

func (c *Coordinator) controllerChanged() {
	if !c.reloading.CompareAndSwap(false, true) {
		return
	}
	c.log.Info("Controller changed, reloading")
	if c.opts.Reload != nil {
		go c.opts.Reload()
	}
}
