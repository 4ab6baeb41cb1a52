// Package ratelimit implements per-host token buckets for the fetcher.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/metrics"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration. A non-positive DefaultRPS means
// hosts are unlimited unless they declare a crawl-delay.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	return limiter
}

// SetDelay slows host down to one request per delay when that is slower
// than the default rate. A zero delay restores the default rate.
func (l *Limiter) SetDelay(host string, delay time.Duration) {
	limit, burst := l.defaultRate, l.defaultBurst
	if delay > 0 && rate.Every(delay) < l.defaultRate {
		limit, burst = rate.Every(delay), 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.limiters[host]; ok && cur.Limit() == limit && cur.Burst() == burst {
		return
	}
	l.limiters[host] = rate.NewLimiter(limit, burst)
}

// Wait blocks until a token is available for the host of rawURL.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := crawler.Host(rawURL)
	if host == "" {
		host = "unknown"
	}
	limiter := l.limiterFor(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Forget drops state for hosts not in keep, bounding memory across rounds.
func (l *Limiter) Forget(keep map[string]struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for host := range l.limiters {
		if _, ok := keep[host]; !ok {
			delete(l.limiters, host)
		}
	}
}
