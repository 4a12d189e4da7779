// Package host runs interceptor versions for one scope: it owns the
// registration, the pages (clients) it controls, and the network-status
// primitive. It plays the part a browser plays for a service worker.
package host

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"swcache/internal/cachestore"
)

// State is the lifecycle state of an interceptor version.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// MessageType names a page-to-interceptor command.
type MessageType string

const (
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	MessageClearCache  MessageType = "CLEAR_CACHE"
	MessageCacheURLs   MessageType = "CACHE_URLS"
)

// Message is a command posted to an interceptor version.
// Payload is left raw; the receiving script validates it.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FetchEvent is one intercepted request.
type FetchEvent struct {
	Request  *http.Request
	ClientID string
	Navigate bool
}

// IsNavigation reports whether r loads a document rather than a subresource.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

type (
	// InstallHandler runs once when a version installs. An error makes the version redundant.
	InstallHandler func(ctx context.Context) error
	// ActivateHandler runs once when a version activates. Errors are logged only.
	ActivateHandler func(ctx context.Context) error
	// FetchHandler answers a request. Returning false leaves it to the network.
	FetchHandler func(ctx context.Context, ev *FetchEvent) (cachestore.Entry, bool)
	// MessageHandler handles a posted command.
	MessageHandler func(ctx context.Context, msg Message) error
)

// Dispatcher registers a script's handlers, one per event kind.
// No ordering between distinct event kinds is guaranteed.
type Dispatcher interface {
	OnInstall(InstallHandler)
	OnActivate(ActivateHandler)
	OnFetch(FetchHandler)
	OnMessage(MessageHandler)
}

// Scope is the version-level API available to a running script.
type Scope interface {
	// SkipWaiting lets the version activate without waiting for older pages to close.
	SkipWaiting()
	// Claim makes the version the controller of every open page once it is active.
	Claim()
}

// Script is one deployable interceptor build.
type Script interface {
	// Token identifies the build. Equal tokens are never reinstalled.
	Token() string
	// Bind registers the script's handlers for a new version.
	Bind(d Dispatcher, s Scope)
}

// ScriptSource yields the currently deployed script.
type ScriptSource interface {
	Load(ctx context.Context) (Script, error)
}

// ScriptSourceFunc adapts a function to ScriptSource.
type ScriptSourceFunc func(ctx context.Context) (Script, error)

// Load calls f.
func (f ScriptSourceFunc) Load(ctx context.Context) (Script, error) { return f(ctx) }
