package ingest

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/protocol"
)

// IndexSections are the upload sections the indexer consumes.
var IndexSections = []protocol.SectionKind{protocol.SectionIndex}

// SummaryIndexer accepts document summaries. It returns the generation the
// summaries went into, or -1 when it cannot accept them right now.
type SummaryIndexer interface {
	AddSummaries(ctx context.Context, summaries []protocol.Summary) (int, error)
}

// ArchivePrefix is the blob prefix holding archived uploads of a crawl.
func ArchivePrefix(crawlTime int64) string {
	return fmt.Sprintf("archive/%d/", crawlTime)
}

// IndexHandler adds summaries to the index and archives the raw upload so
// a later crawl can re-index it.
type IndexHandler struct {
	index  SummaryIndexer
	blobs  crawler.BlobStore
	logger *zap.Logger
}

// NewIndexHandler builds an IndexHandler. blobs may be nil to skip
// archiving.
func NewIndexHandler(index SummaryIndexer, blobs crawler.BlobStore, logger *zap.Logger) *IndexHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IndexHandler{index: index, blobs: blobs, logger: logger}
}

// Handle implements Handler.
func (h *IndexHandler) Handle(ctx context.Context, upload Upload) error {
	summaries := upload.Data.Index
	if len(summaries) > 0 {
		gen, err := h.index.AddSummaries(ctx, summaries)
		if err != nil {
			return err
		}
		if gen < 0 {
			return ErrBusy
		}
		h.logger.Debug("summaries indexed", zap.Int("generation", gen), zap.Int("docs", len(summaries)))
	}
	crawlTime := upload.Data.Meta.CrawlTime
	if h.blobs == nil || crawlTime == 0 || len(summaries) == 0 {
		return nil
	}
	uri, err := h.blobs.PutObject(ctx, ArchivePrefix(crawlTime)+upload.Name, "application/octet-stream", bytes.NewReader(upload.Raw))
	if err != nil {
		return fmt.Errorf("archive upload: %w", err)
	}
	h.logger.Debug("upload archived", zap.String("uri", uri))
	return nil
}
