// Package connectivity exposes the host's online/offline state to page code.
package connectivity

import (
	"sync"
	"sync/atomic"
)

// Source is the host's network-status primitive.
type Source interface {
	Online() bool
	OnOnline(fn func()) (remove func())
	OnOffline(fn func()) (remove func())
}

// Observer mirrors Source. Its value changes only on online and offline events.
type Observer struct {
	online  atomic.Bool
	mu      sync.Mutex
	removes []func()
}

// Observe starts mirroring src, starting from its current state.
func Observe(src Source) *Observer {
	o := &Observer{}
	o.online.Store(src.Online())
	o.removes = []func(){
		src.OnOnline(func() { o.online.Store(true) }),
		src.OnOffline(func() { o.online.Store(false) }),
	}
	return o
}

// Online reports the last observed state.
func (o *Observer) Online() bool { return o.online.Load() }

// Close stops observing.
func (o *Observer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, rm := range o.removes {
		rm()
	}
	o.removes = nil
}
