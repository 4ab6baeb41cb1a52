package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind names a crawl milestone.
type Kind string

// Supported event kinds.
const (
	KindBatchProduced    Kind = "batch_produced"
	KindUploadIngested   Kind = "upload_ingested"
	KindUploadCorrupt    Kind = "upload_corrupt"
	KindShardSealed      Kind = "shard_sealed"
	KindTiersMerged      Kind = "tiers_merged"
	KindFrontierUnjammed Kind = "frontier_unjammed"
	KindRoleRestarted    Kind = "role_restarted"
)

// Event captures a single crawl milestone.
type Event struct {
	// CrawlTime identifies the crawl the event belongs to; zero when no crawl
	// is active.
	CrawlTime int64 `json:"crawl_time"`
	// TS is the UTC timestamp recorded by the emitter.
	TS   time.Time `json:"ts"`
	Kind Kind      `json:"kind"`
	// Role is the process role that emitted the event.
	Role string `json:"role,omitempty"`
	// Ref points at the subject: a batch id, upload file or shard path.
	Ref string `json:"ref,omitempty"`
	// Count carries the size of the subject (slots, documents, records).
	Count int64 `json:"count,omitempty"`
	Bytes int64 `json:"bytes,omitempty"`
	// Dur captures how long the operation took.
	Dur time.Duration `json:"dur,omitempty"`
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindBatchProduced, KindUploadIngested, KindUploadCorrupt,
		KindShardSealed, KindTiersMerged, KindFrontierUnjammed, KindRoleRestarted:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Count < 0 || e.Bytes < 0 {
		return errors.New("count and bytes must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// New returns an event of kind stamped with now.
func New(kind Kind, crawlTime int64, now time.Time) Event {
	return Event{Kind: kind, CrawlTime: crawlTime, TS: now.UTC()}
}
