package host

import (
	"context"
	"fmt"

	"swcache/internal/cachestore"
	"swcache/internal/logger"
)

// Version is one installed copy of a script. Its state only moves forward:
// installing, installed, activating, activated, with redundant reachable from any of them.
type Version struct {
	h     *Host
	id    int
	token string

	// guarded by h.mu
	state       State
	skipWaiting bool
	claim       bool

	onInstall  InstallHandler
	onActivate ActivateHandler
	onFetch    FetchHandler
	onMessage  MessageHandler

	stateChange listeners[func(State)]
}

// ID is a per-host sequence number, useful in logs.
func (v *Version) ID() int { return v.id }

// Token is the script build this version runs.
func (v *Version) Token() string { return v.token }

// State returns the current lifecycle state.
func (v *Version) State() State {
	v.h.mu.Lock()
	defer v.h.mu.Unlock()
	return v.state
}

// OnStateChange registers fn for every later state transition.
func (v *Version) OnStateChange(fn func(State)) (remove func()) {
	return v.stateChange.add(fn)
}

// PostMessage delivers msg asynchronously. Handler errors are logged and never reach the sender.
func (v *Version) PostMessage(msg Message) {
	v.h.wg.Add(1)
	go func() {
		defer v.h.wg.Done()
		if err := v.Dispatch(v.h.ctx, msg); err != nil {
			v.h.log.Warn("Message handler failed",
				logger.Int("version", v.id),
				logger.String("type", string(msg.Type)),
				logger.Error(err),
			)
		}
	}()
}

// Dispatch delivers msg and waits for the handler.
func (v *Version) Dispatch(ctx context.Context, msg Message) (err error) {
	if v.onMessage == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("message handler panic: %v", p)
		}
	}()
	return v.onMessage(ctx, msg)
}

func (v *Version) runInstall(ctx context.Context) (err error) {
	if v.onInstall == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("install handler panic: %v", p)
		}
	}()
	return v.onInstall(ctx)
}

func (v *Version) runActivate(ctx context.Context) (err error) {
	if v.onActivate == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("activate handler panic: %v", p)
		}
	}()
	return v.onActivate(ctx)
}

func (v *Version) runFetch(ctx context.Context, ev *FetchEvent) (ent cachestore.Entry, handled bool) {
	if v.onFetch == nil {
		return cachestore.Entry{}, false
	}
	defer func() {
		if p := recover(); p != nil {
			v.h.log.Error("Fetch handler panic",
				logger.Int("version", v.id),
				logger.Any("panic", p),
			)
			ent, handled = cachestore.Entry{}, false
		}
	}()
	return v.onFetch(ctx, ev)
}

// setState must be called with h.mu held; the returned func fires listeners
// and must be called after h.mu is released.
func (v *Version) setState(s State) func() {
	if v.state == s {
		return func() {}
	}
	v.state = s
	return func() {
		for _, fn := range v.stateChange.snapshot() {
			fn(s)
		}
	}
}

// binder hands a script the registration side of a version without
// exposing it on Version itself.
type binder struct{ v *Version }

func (b binder) OnInstall(h InstallHandler)   { b.v.onInstall = h }
func (b binder) OnActivate(h ActivateHandler) { b.v.onActivate = h }
func (b binder) OnFetch(h FetchHandler)       { b.v.onFetch = h }
func (b binder) OnMessage(h MessageHandler)   { b.v.onMessage = h }

type scope struct{ v *Version }

func (s scope) SkipWaiting() {
	h := s.v.h
	h.mu.Lock()
	s.v.skipWaiting = true
	waiting := h.reg != nil && h.reg.waiting == s.v
	h.mu.Unlock()
	if waiting {
		h.async(func() { _ = h.runJob(h.tryActivate) })
	}
}

func (s scope) Claim() {
	h := s.v.h
	h.mu.Lock()
	s.v.claim = true
	active := s.v.state == StateActivated
	h.mu.Unlock()
	if active {
		h.async(func() {
			_ = h.runJob(func(j *job) error {
				h.claimClients(j, s.v)
				return nil
			})
		})
	}
}
