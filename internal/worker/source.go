package worker

import (
	"context"
	"sync"

	"swcache/internal/host"
)

// LoadFunc reads the currently deployed settings.
type LoadFunc func(ctx context.Context) (Settings, error)

// ScriptFactory builds scripts from freshly loaded settings. It implements
// host.ScriptSource and hands out the same Script while the token is unchanged.
type ScriptFactory struct {
	load LoadFunc
	deps Deps

	mu      sync.Mutex
	current *Script
	all     []*Script
}

// NewSource creates a source backed by load.
func NewSource(load LoadFunc, deps Deps) *ScriptFactory {
	return &ScriptFactory{load: load, deps: deps}
}

// Load implements host.ScriptSource.
func (s *ScriptFactory) Load(ctx context.Context) (host.Script, error) {
	settings, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.Token() == settings.Token() {
		return s.current, nil
	}
	sc, err := New(settings, s.deps)
	if err != nil {
		return nil, err
	}
	s.current = sc
	s.all = append(s.all, sc)
	return sc, nil
}

// Current returns the most recently loaded script, or nil.
func (s *ScriptFactory) Current() *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Close stops background work of every script handed out.
func (s *ScriptFactory) Close() {
	s.mu.Lock()
	all := s.all
	s.all = nil
	s.mu.Unlock()
	for _, sc := range all {
		sc.Close()
	}
}
