package discover

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"swcache/internal/logger"
)

var assetSelectors = []struct {
	selector string
	attr     string
}{
	{`link[rel~="stylesheet"]`, "href"},
	{`link[rel~="icon"]`, "href"},
	{`link[rel~="preload"]`, "href"},
	{`link[rel="manifest"]`, "href"},
	{`script[src]`, "src"},
	{`img[src]`, "src"},
}

// AssetPaths fetches every configured page and returns the same-origin
// assets it links to. Pages that fail or are not HTML are skipped.
func (d *Discoverer) AssetPaths(ctx context.Context) ([]string, error) {
	var out []string
	for _, page := range d.opts.Pages {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		refs, err := d.pageAssets(ctx, page)
		if err != nil {
			d.log.Debug("Asset scan skipped page", logger.String("page", page), logger.Error(err))
			continue
		}
		out = append(out, refs...)
	}
	return out, nil
}

func (d *Discoverer) pageAssets(ctx context.Context, page string) ([]string, error) {
	base, err := url.Parse(page)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html")
	ent, err := d.opts.Fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !ent.OK() {
		return nil, fmt.Errorf("status %d", ent.Status)
	}
	if ct := ent.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil, fmt.Errorf("not html: %s", ct)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(ent.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var out []string
	for _, s := range assetSelectors {
		doc.Find(s.selector).Each(func(_ int, sel *goquery.Selection) {
			ref, ok := sel.Attr(s.attr)
			if !ok || strings.TrimSpace(ref) == "" {
				return
			}
			if p, ok := d.sameOriginPath(base, strings.TrimSpace(ref)); ok {
				out = append(out, p)
			}
		})
	}
	return out, nil
}
