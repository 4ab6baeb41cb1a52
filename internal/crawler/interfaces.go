package crawler

import (
	"context"
	"io"
	"time"
)

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Publisher pushes crawl events to Pub/Sub, Kafka or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Downloader fetches a round of URLs. Responses are returned in request order;
// per-URL failures are reported in FetchResponse.Err.
type Downloader interface {
	Download(ctx context.Context, requests []FetchRequest) []FetchResponse
}

// Extractor turns raw page bytes into indexable content and links.
type Extractor interface {
	Extract(pageURL string, contentType string, body []byte) (PageContent, bool)
}

// CrawlRegistry records crawl jobs and fetcher check-ins.
type CrawlRegistry interface {
	RecordCrawl(ctx context.Context, job CrawlJob) error
	RecordCheckIn(ctx context.Context, checkIn FetcherCheckIn) error
	// ListCheckIns returns the latest check-in of every fetcher seen at or
	// after since, most recent first.
	ListCheckIns(ctx context.Context, since time.Time) ([]FetcherCheckIn, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch and instance IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
