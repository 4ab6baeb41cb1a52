// Package metrics exposes Prometheus collectors for the distributed crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchPagesTotal            *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	frontierSize               prometheus.Gauge
	waitingHosts               prometheus.Gauge
	batchesTotal               *prometheus.CounterVec
	batchSlots                 prometheus.Histogram
	uploadsTotal               *prometheus.CounterVec
	uploadPostMaxSize          prometheus.Gauge
	indexDocsTotal             prometheus.Counter
	indexShards                prometheus.Gauge
	dictionaryTiers            prometheus.Gauge
	dictionaryMergesTotal      *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	roleStallsTotal            *prometheus.CounterVec
	policyDropsTotal           *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distcrawl_fetch_pages_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distcrawl_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		frontierSize = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "distcrawl_frontier_size",
			Help: "Number of candidate URLs held in the in-memory frontier.",
		})

		waitingHosts = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "distcrawl_waiting_hosts",
			Help: "Number of hosts with a URL in flight that is not yet acknowledged.",
		})

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distcrawl_batches_total",
				Help: "Fetch batches by outcome (produced, claimed, empty, unjammed).",
			},
			[]string{"outcome"},
		)

		batchSlots = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "distcrawl_batch_slots",
			Help:    "Number of real (non-dummy) slots per produced batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		})

		uploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distcrawl_uploads_total",
				Help: "Upload parts received by the coordinator, labeled by status.",
			},
			[]string{"status"},
		)

		uploadPostMaxSize = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "distcrawl_upload_post_max_size_bytes",
			Help: "Current maximum upload part size advertised to fetchers.",
		})

		indexDocsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "distcrawl_index_docs_total",
			Help: "Documents added to the index.",
		})

		indexShards = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "distcrawl_index_shards",
			Help: "Number of saved index shards.",
		})

		dictionaryTiers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "distcrawl_dictionary_tiers",
			Help: "Number of dictionary tier files.",
		})

		dictionaryMergesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distcrawl_dictionary_merges_total",
				Help: "Dictionary merges by outcome (completed, resumed, failed).",
			},
			[]string{"outcome"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distcrawl_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		roleStallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distcrawl_role_stalls_total",
				Help: "Roles restarted by the supervisor after a missing heartbeat.",
			},
			[]string{"role"},
		)

		policyDropsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distcrawl_policy_drops_total",
				Help: "Pages or links a fetcher dropped by policy, labeled by reason.",
			},
			[]string{"reason"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetched page.
func ObserveFetch(site string, status int, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchPagesTotal.WithLabelValues(sanitizedSite, strconv.Itoa(status)).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetFrontierSize records the frontier population.
func SetFrontierSize(n int) {
	Init()
	frontierSize.Set(float64(n))
}

// SetWaitingHosts records the number of waiting hosts.
func SetWaitingHosts(n int) {
	Init()
	waitingHosts.Set(float64(n))
}

// ObserveBatch records a batch outcome and, for produced batches, its size.
func ObserveBatch(outcome string, slots int) {
	Init()
	batchesTotal.WithLabelValues(outcome).Inc()
	if outcome == "produced" {
		batchSlots.Observe(float64(slots))
	}
}

// ObserveUpload records an upload part status.
func ObserveUpload(status string) {
	Init()
	uploadsTotal.WithLabelValues(status).Inc()
}

// SetPostMaxSize records the advertised upload part size.
func SetPostMaxSize(n int) {
	Init()
	uploadPostMaxSize.Set(float64(n))
}

// AddIndexDocs counts documents added to the index.
func AddIndexDocs(n int) {
	Init()
	indexDocsTotal.Add(float64(n))
}

// SetIndexShards records the saved shard count.
func SetIndexShards(n int) {
	Init()
	indexShards.Set(float64(n))
}

// SetDictionaryTiers records the tier file count.
func SetDictionaryTiers(n int) {
	Init()
	dictionaryTiers.Set(float64(n))
}

// ObserveMerge records a dictionary merge outcome.
func ObserveMerge(outcome string) {
	Init()
	dictionaryMergesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveStall counts a supervisor restart of role.
func ObserveStall(role string) {
	Init()
	roleStallsTotal.WithLabelValues(role).Inc()
}

// ObservePolicyDrop counts n items dropped for reason.
func ObservePolicyDrop(reason string, n int) {
	Init()
	if n > 0 {
		policyDropsTotal.WithLabelValues(reason).Add(float64(n))
	}
}
