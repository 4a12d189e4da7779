// Package network fetches from the origin site and reports reachability.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"swcache/internal/cachestore"
)

// ErrOffline wraps every transport-level failure.
var ErrOffline = errors.New("network unreachable")

// StatusReporter receives reachability changes observed on the wire.
type StatusReporter interface {
	SetOnline(online bool)
}

// Options configure a Client.
type Options struct {
	// Timeout bounds a single fetch. Zero means no deadline beyond the caller's context.
	Timeout   time.Duration
	Transport http.RoundTripper
	Status    StatusReporter
}

// Client fetches from one origin.
type Client struct {
	origin *url.URL
	http   *http.Client
	status StatusReporter
}

// NewClient creates a client for origin, e.g. "http://localhost:3000".
func NewClient(origin string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin %q must be absolute", origin)
	}
	return &Client{
		origin: u,
		http:   &http.Client{Timeout: opts.Timeout, Transport: opts.Transport},
		status: opts.Status,
	}, nil
}

// Origin returns the origin URL.
func (c *Client) Origin() *url.URL {
	return c.origin
}

// Fetch performs req against the origin. Relative request URLs are resolved
// against the origin; absolute ones are fetched as they are.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (cachestore.Entry, error) {
	target := c.origin.String() + req.URL.RequestURI()
	if req.URL.IsAbs() && !sameOrigin(req.URL, c.origin) {
		target = req.URL.String()
	}

	var body io.Reader
	if req.Method != http.MethodGet && req.Method != http.MethodHead && req.Body != nil && req.Body != http.NoBody {
		body = req.Body
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return cachestore.Entry{}, err
	}
	copyHeaders(out.Header, req.Header)
	out.Header.Set("Accept-Encoding", "identity")

	resp, err := c.http.Do(out)
	if err != nil {
		if ctx.Err() != nil {
			return cachestore.Entry{}, ctx.Err()
		}
		c.report(false)
		return cachestore.Entry{}, fmt.Errorf("%w: %w", ErrOffline, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return cachestore.Entry{}, ctx.Err()
		}
		c.report(false)
		return cachestore.Entry{}, fmt.Errorf("%w: read body: %w", ErrOffline, err)
	}
	c.report(true)

	ent := cachestore.Entry{
		URL:      req.URL.RequestURI(),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     b,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")
	ent.Checksum()
	return ent, nil
}

func (c *Client) report(online bool) {
	if c.status != nil {
		c.status.SetOnline(online)
	}
}

// SameOrigin reports whether u points at the client's origin. Relative URLs always do.
func (c *Client) SameOrigin(u *url.URL) bool {
	return !u.IsAbs() || sameOrigin(u, c.origin)
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

var hopHeaders = map[string]bool{
	"Host":              true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
