// Package collyfetcher implements crawler.Downloader using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	Concurrency  int
	MaxBodyBytes int
}

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Downloader fetches a round of URLs with one cloned collector per request.
type Downloader struct {
	cfg           Config
	baseCollector *colly.Collector
	limiter       Limiter
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Downloader. limiter may be nil.
func New(cfg Config, limiter Limiter, logger *zap.Logger) *Downloader {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := newRobotsTransport(newHTTPTransport(), logger)
	return newWithTransport(cfg, transport, limiter, logger)
}

func newWithTransport(cfg Config, transport http.RoundTripper, limiter Limiter, logger *zap.Logger) *Downloader {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(transport)
	// Robots rules are enforced by the scheduler; robots.txt itself is a
	// batch slot like any other URL.
	c.IgnoreRobotsTxt = true
	// Batches may legitimately repeat a URL across rounds.
	c.AllowURLRevisit = true
	// Every status is a result worth reporting, including 304 and 404.
	c.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Downloader{
		cfg:           cfg,
		baseCollector: c,
		limiter:       limiter,
		logger:        logger,
	}
}

// Download implements crawler.Downloader. Responses are in request order.
func (d *Downloader) Download(ctx context.Context, requests []crawler.FetchRequest) []crawler.FetchResponse {
	out := make([]crawler.FetchResponse, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, req := range requests {
		g.Go(func() error {
			out[i] = d.fetch(gctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (d *Downloader) fetch(ctx context.Context, request crawler.FetchRequest) crawler.FetchResponse {
	result := crawler.FetchResponse{URL: request.URL}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, request.URL); err != nil {
			result.Err = err
			return result
		}
	}
	var fetchErr error
	start := time.Now()
	collector := d.buildCollector(ctx, request, start, &result, &fetchErr)
	if err := d.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		result.Err = err
		d.logger.Debug("fetch failed", zap.String("url", request.URL), zap.Error(err))
	}
	result.URL = request.URL
	metrics.ObserveFetch(request.URL, result.StatusCode, len(result.Body))
	return result
}

func (d *Downloader) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := d.baseCollector.Clone()
	collector.Context = ctx
	d.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (d *Downloader) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.FetchResponse{
			URL:         request.URL,
			FinalURL:    r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Headers:     headers,
			Body:        append([]byte(nil), r.Body...),
			ContentType: headers.Get("Content-Type"),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		if r != nil && r.StatusCode != 0 {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (d *Downloader) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
