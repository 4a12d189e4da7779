package host

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"swcache/internal/cachestore"
)

// Client is one open page in the scope. It is the container through which the
// page registers and observes its controller.
type Client struct {
	h  *Host
	id string

	// guarded by h.mu
	controller *Version
	closed     bool

	controllerChange listeners[func()]
}

// NewClient opens a page. It starts out controlled by the active version, if any.
func (h *Host) NewClient() *Client {
	c := &Client{h: h, id: uuid.NewString()}
	h.mu.Lock()
	if h.reg != nil && h.reg.active != nil && h.reg.active.state == StateActivated {
		c.controller = h.reg.active
	}
	h.clients[c.id] = c
	h.mu.Unlock()
	return c
}

// Clients returns the number of open pages.
func (h *Host) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ID is the page's unique identifier.
func (c *Client) ID() string { return c.id }

// Register registers the scope's interceptor on behalf of this page.
func (c *Client) Register(ctx context.Context) (*Registration, error) {
	return c.h.Register(ctx)
}

// Controller returns the version controlling this page, or nil.
func (c *Client) Controller() *Version {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	return c.controller
}

// OnControllerChange registers fn for every controller handover of this page.
func (c *Client) OnControllerChange(fn func()) (remove func()) {
	return c.controllerChange.add(fn)
}

// Fetch issues a request from this page.
func (c *Client) Fetch(ctx context.Context, r *http.Request) (cachestore.Entry, bool, error) {
	return c.h.Fetch(ctx, c.id, r)
}

// Close closes the page. A version waiting on it may activate afterwards.
func (c *Client) Close() {
	h := c.h
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	c.closed = true
	delete(h.clients, c.id)
	pending := h.reg != nil && h.reg.waiting != nil
	h.mu.Unlock()
	if pending {
		h.async(func() { _ = h.runJob(h.tryActivate) })
	}
}

func (c *Client) fireControllerChange() {
	for _, fn := range c.controllerChange.snapshot() {
		fn()
	}
}
