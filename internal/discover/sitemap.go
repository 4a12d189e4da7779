package discover

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"swcache/internal/logger"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// SitemapPaths walks the configured sitemaps, following nested indexes, and
// returns the same-origin paths they list. Off-origin locations are counted as ignored.
func (d *Discoverer) SitemapPaths(ctx context.Context) (paths []string, ignored int, _ error) {
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(d.opts.Sitemaps))
	for _, sm := range d.opts.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, sm)
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return paths, ignored, err
		}
		sm := queue[0]
		queue = queue[1:]
		if _, ok := seen[sm]; ok {
			continue
		}
		seen[sm] = struct{}{}

		doc, err := d.fetchSitemap(ctx, sm)
		if err != nil {
			return paths, ignored, fmt.Errorf("fetch sitemap %q: %w", sm, err)
		}
		queue = append(queue, doc.Sitemaps...)

		for _, loc := range doc.URLs {
			p, ok := d.sameOriginPath(nil, loc)
			if !ok {
				ignored++
				continue
			}
			paths = append(paths, p)
		}
		d.log.Debug("Sitemap read",
			logger.String("sitemap", sm),
			logger.Int("urls", len(doc.URLs)),
			logger.Int("nested", len(doc.Sitemaps)),
		)
	}
	return paths, ignored, nil
}

func (d *Discoverer) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	ent, err := d.opts.Fetcher.Fetch(ctx, req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !ent.OK() {
		b := ent.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", ent.Status, strings.TrimSpace(string(b)))
	}

	body := ent.Body
	// .gz sitemaps may arrive already decoded when the server also set Content-Encoding.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	sitemaps := doc.Sitemaps[:0]
	for _, s := range doc.Sitemaps {
		if s = strings.TrimSpace(s); s != "" {
			sitemaps = append(sitemaps, s)
		}
	}
	doc.Sitemaps = sitemaps
	return doc, nil
}
