package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/distcrawl/internal/crawler"
)

// Registry provides an in-memory crawler.CrawlRegistry for development and
// testing.
type Registry struct {
	mu       sync.RWMutex
	crawls   map[int64]crawler.CrawlJob
	checkIns map[string]crawler.FetcherCheckIn
}

// NewRegistry constructs a Registry.
func NewRegistry() *Registry {
	return &Registry{
		crawls:   make(map[int64]crawler.CrawlJob),
		checkIns: make(map[string]crawler.FetcherCheckIn),
	}
}

// RecordCrawl stores job, replacing an older version of the same crawl.
func (r *Registry) RecordCrawl(_ context.Context, job crawler.CrawlJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.crawls[job.CrawlTime]; ok && cur.ModifiedAt.After(job.ModifiedAt) {
		return nil
	}
	r.crawls[job.CrawlTime] = cloneJob(job)
	return nil
}

// RecordCheckIn keeps the latest check-in per robot instance.
func (r *Registry) RecordCheckIn(_ context.Context, c crawler.FetcherCheckIn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.checkIns[c.RobotInstance]; ok && cur.SeenAt.After(c.SeenAt) {
		return nil
	}
	r.checkIns[c.RobotInstance] = c
	return nil
}

// ListCheckIns returns fetchers seen at or after since, most recent first.
func (r *Registry) ListCheckIns(_ context.Context, since time.Time) ([]crawler.FetcherCheckIn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]crawler.FetcherCheckIn, 0, len(r.checkIns))
	for _, c := range r.checkIns {
		if !c.SeenAt.Before(since) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SeenAt.Equal(out[j].SeenAt) {
			return out[i].RobotInstance < out[j].RobotInstance
		}
		return out[i].SeenAt.After(out[j].SeenAt)
	})
	return out, nil
}

// Crawl returns the recorded job for crawlTime.
func (r *Registry) Crawl(crawlTime int64) (crawler.CrawlJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.crawls[crawlTime]
	if !ok {
		return crawler.CrawlJob{}, false
	}
	return cloneJob(job), true
}

func cloneJob(job crawler.CrawlJob) crawler.CrawlJob {
	job.Seeds = append([]string(nil), job.Seeds...)
	job.QuotaSites = append([]crawler.QuotaSite(nil), job.QuotaSites...)
	job.RestrictSites = append([]string(nil), job.RestrictSites...)
	job.DisallowedSites = append([]string(nil), job.DisallowedSites...)
	return job
}
