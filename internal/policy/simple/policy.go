// Package simple holds the fetcher's page and link policy: what it reports
// back to the coordinator after a download.
package simple

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/metrics"
)

// Policy decides which pages are indexed and which links are reported.
type Policy struct {
	maxDepth int
	maxLinks int
	logger   *zap.Logger
}

// New creates a Policy. A maxDepth of zero means unlimited; maxLinks bounds
// the links reported per page.
func New(maxDepth, maxLinks int, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{maxDepth: maxDepth, maxLinks: maxLinks, logger: logger}
}

// AllowIndex reports whether a fetched page should be summarized for the
// indexer.
func (p *Policy) AllowIndex(pageURL string, status int, content crawler.PageContent) bool {
	if status < 200 || status >= 300 {
		return false
	}
	if content.NoIndex() {
		p.logger.Debug("page dropped: noindex", zap.String("url", pageURL))
		metrics.ObservePolicyDrop("noindex", 1)
		return false
	}
	return true
}

// Links returns the normalized, deduplicated links of a page at depth that
// should be reported, honoring nofollow and the crawl depth.
func (p *Policy) Links(pageURL string, depth int, content crawler.PageContent) []string {
	if len(content.Links) == 0 {
		return nil
	}
	if content.NoFollow() {
		p.logger.Debug("links dropped: nofollow", zap.String("url", pageURL), zap.Int("links", len(content.Links)))
		metrics.ObservePolicyDrop("nofollow", len(content.Links))
		return nil
	}
	if p.maxDepth > 0 && depth >= p.maxDepth {
		metrics.ObservePolicyDrop("depth", len(content.Links))
		return nil
	}
	seen := make(map[string]struct{}, len(content.Links))
	out := make([]string, 0, len(content.Links))
	dropped := 0
	for _, raw := range content.Links {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil {
			dropped++
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		if p.maxLinks > 0 && len(out) >= p.maxLinks {
			dropped++
			continue
		}
		out = append(out, normalized)
	}
	if dropped > 0 {
		p.logger.Debug("links dropped", zap.String("url", pageURL), zap.Int("dropped", dropped))
		metrics.ObservePolicyDrop("link", dropped)
	}
	return out
}
