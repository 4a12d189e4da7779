package host

import "sync"

// NetworkStatus is the host's view of reachability. Listeners fire only on transitions.
type NetworkStatus struct {
	// deliver orders transitions with their listener calls.
	deliver sync.Mutex

	mu     sync.Mutex
	online bool

	onOnline  listeners[func()]
	onOffline listeners[func()]
}

// NewNetworkStatus creates a status starting at online.
func NewNetworkStatus(online bool) *NetworkStatus {
	return &NetworkStatus{online: online}
}

// Online reports the current reachability.
func (n *NetworkStatus) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

// SetOnline records reachability and fires online or offline listeners on change.
// Transitions are delivered one at a time in the order they were recorded, so
// the last listener call always matches Online. Listeners must not call SetOnline.
func (n *NetworkStatus) SetOnline(online bool) {
	n.deliver.Lock()
	defer n.deliver.Unlock()

	n.mu.Lock()
	changed := n.online != online
	n.online = online
	n.mu.Unlock()
	if !changed {
		return
	}
	l := &n.onOffline
	if online {
		l = &n.onOnline
	}
	for _, fn := range l.snapshot() {
		fn()
	}
}

// OnOnline registers fn for offline-to-online transitions.
func (n *NetworkStatus) OnOnline(fn func()) (remove func()) { return n.onOnline.add(fn) }

// OnOffline registers fn for online-to-offline transitions.
func (n *NetworkStatus) OnOffline(fn func()) (remove func()) { return n.onOffline.add(fn) }
