package host

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"swcache/internal/cachestore"
	"swcache/internal/logger"
)

// ErrUnsupported is returned by Register when the host has no script source.
var ErrUnsupported = errors.New("interceptors are not supported by this host")

// Options configure a Host.
type Options struct {
	Source  ScriptSource
	Network cachestore.Fetcher
	Status  *NetworkStatus
	Logger  logger.Logger
	// Hooks observe lifecycle transitions, e.g. for metrics.
	Hooks Hooks
}

// Hooks are optional lifecycle observers. They run outside the host lock.
type Hooks struct {
	Installed func(v *Version, err error)
	Activated func(v *Version, err error)
}

// Host owns one scope: at most one registration and the pages it controls.
type Host struct {
	source  ScriptSource
	network cachestore.Fetcher
	status  *NetworkStatus
	log     logger.Logger
	hooks   Hooks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// jobMu serializes lifecycle jobs: update, activation, claim.
	jobMu sync.Mutex

	mu      sync.Mutex
	reg     *Registration
	clients map[string]*Client
	seq     int
}

// New creates a host. A nil Source makes Register fail with ErrUnsupported.
func New(opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Status == nil {
		opts.Status = NewNetworkStatus(true)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		source:  opts.Source,
		network: opts.Network,
		status:  opts.Status,
		log:     opts.Logger,
		hooks:   opts.Hooks,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]*Client),
	}
}

// Network is the host's reachability primitive.
func (h *Host) Network() *NetworkStatus { return h.status }

// Registration returns the scope's registration, or nil before Register.
func (h *Host) Registration() *Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg
}

// Settle waits for queued messages, background activations and claims.
func (h *Host) Settle() { h.wg.Wait() }

// Close cancels in-flight handlers and waits for background work.
func (h *Host) Close() {
	h.cancel()
	h.wg.Wait()
}

// Register loads the script and returns the scope's registration, creating it
// on first use. Installing the first version continues in the background.
// Later calls return the existing registration without checking for updates.
func (h *Host) Register(ctx context.Context) (*Registration, error) {
	if h.source == nil {
		return nil, ErrUnsupported
	}
	h.mu.Lock()
	if h.reg != nil {
		reg := h.reg
		h.mu.Unlock()
		return reg, nil
	}
	h.mu.Unlock()

	script, err := h.source.Load(ctx)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.reg != nil {
		reg := h.reg
		h.mu.Unlock()
		return reg, nil
	}
	reg := &Registration{h: h}
	h.reg = reg
	h.mu.Unlock()

	h.async(func() {
		if err := h.runJob(func(j *job) error { return h.install(j, script) }); err != nil {
			h.log.Warn("Initial install failed", logger.Error(err))
		}
	})
	return reg, nil
}

// Fetch routes r through the controlling version of clientID, or through the
// active version when the request comes from no known page. Requests nobody
// handles go to the network.
func (h *Host) Fetch(ctx context.Context, clientID string, r *http.Request) (ent cachestore.Entry, handled bool, err error) {
	h.mu.Lock()
	var v *Version
	if c, ok := h.clients[clientID]; ok {
		v = c.controller
	} else if h.reg != nil {
		v = h.reg.active
	}
	h.mu.Unlock()

	if v != nil {
		ev := &FetchEvent{Request: r, ClientID: clientID, Navigate: IsNavigation(r)}
		if ent, ok := v.runFetch(ctx, ev); ok {
			return ent, true, nil
		}
	}
	if h.network == nil {
		return cachestore.Entry{}, false, errors.New("no network fetcher")
	}
	ent, err = h.network.Fetch(ctx, r)
	return ent, false, err
}

func (h *Host) async(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

type job struct {
	after []func()
}

// later queues fn until the job has released jobMu.
func (j *job) later(fn func()) { j.after = append(j.after, fn) }

func (h *Host) runJob(fn func(j *job) error) error {
	h.jobMu.Lock()
	j := &job{}
	err := fn(j)
	h.jobMu.Unlock()
	for _, f := range j.after {
		f()
	}
	return err
}

// install runs a new version of script through installing and installed.
func (h *Host) install(j *job, script Script) error {
	h.mu.Lock()
	reg := h.reg
	if cur := reg.newestLocked(); cur != nil && cur.token == script.Token() {
		h.mu.Unlock()
		return nil
	}
	h.seq++
	v := &Version{h: h, id: h.seq, token: script.Token(), state: StateInstalling}
	h.mu.Unlock()

	script.Bind(binder{v}, scope{v})

	h.mu.Lock()
	reg.installing = v
	h.mu.Unlock()
	for _, fn := range reg.updateFound.snapshot() {
		fn()
	}
	h.log.Info("Installing version", logger.Int("version", v.id), logger.String("token", v.token))

	err := v.runInstall(h.ctx)
	if h.hooks.Installed != nil {
		h.hooks.Installed(v, err)
	}
	if err != nil {
		h.mu.Lock()
		if reg.installing == v {
			reg.installing = nil
		}
		fire := v.setState(StateRedundant)
		h.mu.Unlock()
		fire()
		h.log.Warn("Install failed", logger.Int("version", v.id), logger.Error(err))
		return err
	}

	h.mu.Lock()
	if reg.installing == v {
		reg.installing = nil
	}
	var fireOld func()
	if old := reg.waiting; old != nil {
		fireOld = old.setState(StateRedundant)
	}
	reg.waiting = v
	fire := v.setState(StateInstalled)
	h.mu.Unlock()
	if fireOld != nil {
		fireOld()
	}
	fire()

	return h.tryActivate(j)
}

// tryActivate promotes the waiting version when nothing holds it back: there
// is no active version, the waiting one asked to skip waiting, or no page is
// controlled by the active one.
func (h *Host) tryActivate(j *job) error {
	h.mu.Lock()
	reg := h.reg
	if reg == nil || reg.waiting == nil {
		h.mu.Unlock()
		return nil
	}
	v := reg.waiting
	if reg.active != nil && !v.skipWaiting && h.controlledLocked(reg.active) > 0 {
		h.mu.Unlock()
		return nil
	}
	reg.waiting = nil
	old := reg.active
	reg.active = v
	var fires []func()
	if old != nil {
		fires = append(fires, old.setState(StateRedundant))
		for _, c := range h.clients {
			if c.controller == old {
				c.controller = v
				j.later(c.fireControllerChange)
			}
		}
	}
	fires = append(fires, v.setState(StateActivating))
	h.mu.Unlock()
	for _, f := range fires {
		f()
	}

	h.log.Info("Activating version", logger.Int("version", v.id), logger.String("token", v.token))
	err := v.runActivate(h.ctx)
	if err != nil {
		h.log.Warn("Activate handler failed", logger.Int("version", v.id), logger.Error(err))
	}

	h.mu.Lock()
	fire := v.setState(StateActivated)
	claim := v.claim
	h.mu.Unlock()
	fire()
	if claim {
		h.claimClients(j, v)
	}
	if h.hooks.Activated != nil {
		h.hooks.Activated(v, err)
	}
	return nil
}

// claimClients makes v the controller of every open page it does not control yet.
func (h *Host) claimClients(j *job, v *Version) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reg == nil || h.reg.active != v {
		return
	}
	for _, c := range h.clients {
		if c.controller != v {
			c.controller = v
			j.later(c.fireControllerChange)
		}
	}
}

func (h *Host) controlledLocked(v *Version) int {
	n := 0
	for _, c := range h.clients {
		if c.controller == v {
			n++
		}
	}
	return n
}
