package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/frontier"
	"github.com/JakeFAU/distcrawl/internal/protocol"
	"github.com/JakeFAU/distcrawl/internal/scheduler"
)

// LinkOptions governs how found links enter the frontier.
type LinkOptions struct {
	CrossDomainBoost float64
	LinkFarmRatio    float64
	LinkFarmMinLinks int
	LinkFarmDelay    time.Duration
	MaxLinksPerPage  int
	FragmentDir      string
	FragmentSize     int
}

// ScheduleSections are the upload sections the scheduler consumes.
var ScheduleSections = []protocol.SectionKind{
	protocol.SectionRobots, protocol.SectionCache, protocol.SectionSchedule,
}

// ScheduleHandler feeds uploads into the scheduler's robots table,
// validators, waiting hosts and frontier.
type ScheduleHandler struct {
	sched  *scheduler.Scheduler
	opts   LinkOptions
	logger *zap.Logger
}

// NewScheduleHandler builds a ScheduleHandler.
func NewScheduleHandler(sched *scheduler.Scheduler, opts LinkOptions, logger *zap.Logger) *ScheduleHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScheduleHandler{sched: sched, opts: opts, logger: logger}
}

// Handle implements Handler.
func (h *ScheduleHandler) Handle(_ context.Context, upload Upload) error {
	data := upload.Data
	job := h.sched.Job().Snapshot()
	if data.Meta.CrawlTime != 0 && data.Meta.CrawlTime != job.CrawlTime {
		h.logger.Info("ignoring upload for another crawl",
			zap.String("file", upload.Name), zap.Int64("crawl_time", data.Meta.CrawlTime))
		return nil
	}

	robots := h.sched.Robots()
	for _, rec := range data.Robots {
		host := crawler.Host(rec.Site)
		if host == "" {
			continue
		}
		if err := robots.SetRobots(host, rec.StatusCode, rec.Body, rec.FetchedAt); err != nil {
			h.logger.Debug("robots.txt not usable, will refetch", zap.String("host", host), zap.Error(err))
		}
	}
	for _, rec := range data.Cache {
		h.sched.SetValidator(rec.URL, protocol.Validator{ETag: rec.ETag, LastModified: rec.LastModified})
	}

	released := make(map[string]struct{})
	for _, f := range data.Schedule.Fetched {
		host := crawler.Host(f.URL)
		if _, done := released[host]; done || host == "" {
			continue
		}
		released[host] = struct{}{}
		h.sched.ReleaseHost(host)
	}

	fr := h.sched.Frontier()
	for _, hash := range data.Schedule.SeenHashes {
		fr.Seen().Add(hash)
		fr.RemoveHash(hash)
	}

	var spill []frontier.Entry
	spilled := make(map[uint64]struct{})
	added := 0
	for _, found := range data.Schedule.Found {
		n, overflow := h.addLinks(fr, found)
		added += n
		for _, e := range overflow {
			if _, dup := spilled[e.Hash]; !dup {
				spilled[e.Hash] = struct{}{}
				spill = append(spill, e)
			}
		}
	}
	if len(spill) > 0 {
		if h.opts.FragmentDir == "" {
			h.logger.Warn("frontier full, dropping links", zap.Int("links", len(spill)))
		} else {
			// Spilled links are seen only once a fragment holds them, so a
			// failed write leaves the rest admissible on the retry.
			paths, err := frontier.WriteFragments(h.opts.FragmentDir, spill, h.opts.FragmentSize)
			written := len(spill)
			if err != nil {
				written = 0
				if h.opts.FragmentSize > 0 {
					written = min(len(paths)*h.opts.FragmentSize, len(spill))
				}
			}
			for _, e := range spill[:written] {
				fr.Seen().Add(e.Hash)
			}
			if err != nil {
				return err
			}
		}
	}
	h.logger.Debug("schedule upload applied",
		zap.String("file", upload.Name),
		zap.Int("robots", len(data.Robots)),
		zap.Int("added", added),
		zap.Int("spilled", len(spill)))
	return nil
}

func (h *ScheduleHandler) addLinks(fr *frontier.Frontier, found protocol.FoundLinks) (int, []frontier.Entry) {
	if found.Depth >= protocol.MaxDepth || len(found.Links) == 0 {
		return 0, nil
	}
	if frontier.IsLinkFarm(found.Source, found.Links, h.opts.LinkFarmRatio, h.opts.LinkFarmMinLinks) {
		host := crawler.Host(found.Source)
		h.sched.Robots().Penalize(host, h.opts.LinkFarmDelay)
		h.logger.Info("link farm detected, links dropped",
			zap.String("source", found.Source), zap.Int("links", len(found.Links)))
		return 0, nil
	}
	links := found.Links
	if h.opts.MaxLinksPerPage > 0 && len(links) > h.opts.MaxLinksPerPage {
		links = links[:h.opts.MaxLinksPerPage]
	}
	sourceHash := crawler.URLHash(found.Source)
	added := 0
	var spill []frontier.Entry
	for _, link := range frontier.SplitWeights(found.Source, found.SourceWeight, links, h.opts.CrossDomainBoost) {
		entry, err := fr.AddCandidate(link.URL, link.Weight, found.Depth+1, sourceHash)
		switch {
		case err == nil:
			added++
		case errors.Is(err, frontier.ErrFull):
			spill = append(spill, entry)
		case errors.Is(err, frontier.ErrSeen):
			// Still queued: another page linking to it raises its weight.
			if fr.NoteSource(link.URL, sourceHash) {
				fr.AdjustWeight(link.URL, link.Weight, true)
			}
		}
	}
	return added, spill
}
