// Package discover finds same-origin URLs worth caching ahead of time, from
// sitemaps and from the assets linked by precached pages, and hands them to
// the interceptor as CACHE_URLS batches.
package discover

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"swcache/internal/cachestore"
	"swcache/internal/logger"
)

// PostFunc delivers one batch of root-relative URLs to the interceptor.
type PostFunc func(ctx context.Context, urls []string) error

// Options configure a Discoverer.
type Options struct {
	Sitemaps        []string
	InitialDelay    time.Duration
	RediscoverEvery time.Duration
	// Pages are parsed for linked assets when Assets is set.
	Pages  []string
	Assets bool

	Fetcher    cachestore.Fetcher
	SameOrigin func(u *url.URL) bool
	Post       PostFunc
	// BatchSize bounds one CACHE_URLS command. Defaults to 50.
	BatchSize int
	Logger    logger.Logger
}

// Result counts what one discovery pass did.
type Result struct {
	Found   int
	Ignored int
	Posted  int
	Failed  int
}

type Discoverer struct {
	opts Options
	log  logger.Logger
}

func New(opts Options) *Discoverer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.SameOrigin == nil {
		opts.SameOrigin = func(u *url.URL) bool { return !u.IsAbs() }
	}
	return &Discoverer{opts: opts, log: opts.Logger.With(logger.String("component", "discover"))}
}

// Enabled reports whether there is anything to discover.
func (d *Discoverer) Enabled() bool {
	return len(d.opts.Sitemaps) > 0 || (d.opts.Assets && len(d.opts.Pages) > 0)
}

// Run discovers once after the initial delay, then every RediscoverEvery
// until ctx is done. A zero RediscoverEvery runs a single pass.
func (d *Discoverer) Run(ctx context.Context) {
	if !d.Enabled() {
		return
	}
	if d.opts.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.opts.InitialDelay):
		}
	}

	runOnce := func() {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		res, err := d.Once(rctx)
		if err != nil {
			d.log.Warn("Discovery failed", logger.Error(err))
			return
		}
		d.log.Info("Discovery finished",
			logger.Int("found", res.Found),
			logger.Int("ignored", res.Ignored),
			logger.Int("posted", res.Posted),
			logger.Int("failed", res.Failed),
		)
	}

	runOnce()
	if d.opts.RediscoverEvery <= 0 {
		return
	}
	t := time.NewTicker(d.opts.RediscoverEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			runOnce()
		}
	}
}

// Once runs one discovery pass and posts what it found.
func (d *Discoverer) Once(ctx context.Context) (Result, error) {
	var res Result
	seen := map[string]struct{}{}

	if len(d.opts.Sitemaps) > 0 {
		paths, ignored, err := d.SitemapPaths(ctx)
		if err != nil {
			return res, err
		}
		res.Ignored += ignored
		for _, p := range paths {
			seen[p] = struct{}{}
		}
	}
	if d.opts.Assets {
		paths, err := d.AssetPaths(ctx)
		if err != nil {
			return res, err
		}
		for _, p := range paths {
			seen[p] = struct{}{}
		}
	}

	all := make([]string, 0, len(seen))
	for p := range seen {
		all = append(all, p)
	}
	sort.Strings(all)
	res.Found = len(all)

	for start := 0; start < len(all); start += d.opts.BatchSize {
		end := min(start+d.opts.BatchSize, len(all))
		batch := all[start:end]
		if err := d.opts.Post(ctx, batch); err != nil {
			res.Failed += len(batch)
			d.log.Warn("Posting discovered urls failed",
				logger.Int("count", len(batch)),
				logger.Error(err),
			)
			continue
		}
		res.Posted += len(batch)
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("discovery interrupted: %w", ctx.Err())
	}
	return res, nil
}

// sameOriginPath turns ref into a root-relative request URI when it points at the origin.
func (d *Discoverer) sameOriginPath(base *url.URL, ref string) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if !d.opts.SameOrigin(u) {
		return "", false
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p, true
}
