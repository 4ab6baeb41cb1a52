package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/logging"
	"github.com/JakeFAU/distcrawl/internal/metrics"
	"github.com/JakeFAU/distcrawl/internal/policy/simple"
	"github.com/JakeFAU/distcrawl/internal/protocol"
)

// Role is the fetcher's role name for logs and heartbeats.
const Role = "fetcher"

// DelaySetter paces a host to its crawl-delay.
type DelaySetter interface {
	SetDelay(host string, delay time.Duration)
}

// Config tunes the agent loop.
type Config struct {
	RobotInstance string
	MachineURI    string
	// LoopTime is the round spacing used until a batch supplies its own.
	LoopTime      time.Duration
	CrawlTimePoll time.Duration
	// MemoryThresholdBytes forces an upload once buffered results exceed it.
	MemoryThresholdBytes int
	MaxLinksPerPage      int
	// UploadTimeout bounds the final upload made while shutting down.
	UploadTimeout time.Duration
}

// Deps are the agent's collaborators. Coordinator, Uploader, Downloader and
// Extractor are required.
type Deps struct {
	Coordinator Coordinator
	Uploader    *Uploader
	Downloader  crawler.Downloader
	Extractor   crawler.Extractor
	Hasher      crawler.Hasher
	Delays      DelaySetter
	Clock       crawler.Clock
	Heartbeat   *logging.Heartbeat
	Logger      *zap.Logger
}

// Agent runs the fetch loop: handshake, claim, download in rounds, upload.
type Agent struct {
	cfg  Config
	deps Deps

	crawlTime      int64
	archiveCrawl   int64
	paramsModified time.Time
	lastPoll       time.Time

	meta   protocol.BatchMeta
	slots  []protocol.Slot
	cursor int
	policy *simple.Policy

	pending      protocol.UploadData
	pendingBytes int
}

// NewAgent validates deps and returns an Agent.
func NewAgent(cfg Config, deps Deps) (*Agent, error) {
	if deps.Coordinator == nil || deps.Uploader == nil || deps.Downloader == nil || deps.Extractor == nil {
		return nil, errors.New("fetcher agent requires a coordinator, uploader, downloader and extractor")
	}
	if cfg.LoopTime <= 0 {
		cfg.LoopTime = 5 * time.Second
	}
	if cfg.CrawlTimePoll <= 0 {
		cfg.CrawlTimePoll = 30 * time.Second
	}
	if cfg.MemoryThresholdBytes <= 0 {
		cfg.MemoryThresholdBytes = 64 << 20
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Agent{cfg: cfg, deps: deps}, nil
}

// CrawlTime returns the crawl the agent is working on, or 0.
func (a *Agent) CrawlTime() int64 { return a.crawlTime }

// PendingBytes returns the estimated size of buffered results.
func (a *Agent) PendingBytes() int { return a.pendingBytes }

func (a *Agent) loopTime() time.Duration {
	if a.meta.LoopTime > 0 && a.cursor < len(a.slots) {
		return a.meta.LoopTime
	}
	return a.cfg.LoopTime
}

// Run loops until ctx is done, then uploads whatever is still buffered.
func (a *Agent) Run(ctx context.Context) error {
	a.deps.Logger.Info("fetcher started")
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			a.shutdown(ctx)
			return nil
		case <-timer.C:
		}
		start := time.Now()
		if err := a.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				a.shutdown(ctx)
				return nil
			}
			if errors.Is(err, crawler.ErrPermanent) {
				return err
			}
			a.deps.Logger.Warn("fetcher tick failed", zap.Error(err))
		}
		a.deps.Heartbeat.Beat()
		timer.Reset(max(a.loopTime()-time.Since(start), 0))
	}
}

func (a *Agent) shutdown(ctx context.Context) {
	if a.pending.Empty() {
		return
	}
	upCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.UploadTimeout)
	defer cancel()
	if err := a.flush(upCtx); err != nil {
		a.deps.Logger.Warn("final upload failed", zap.Error(err))
	}
}

// Tick runs one iteration: poll the crawl time when due, claim a batch when
// idle, download one round and upload when the batch is done or the buffer
// is full.
func (a *Agent) Tick(ctx context.Context) error {
	now := a.deps.Clock.Now()
	if a.crawlTime == 0 || now.Sub(a.lastPoll) >= a.cfg.CrawlTimePoll {
		if err := a.poll(ctx); err != nil {
			return err
		}
		a.lastPoll = now
	}
	if a.crawlTime == 0 {
		return nil
	}

	if a.cursor >= len(a.slots) {
		if err := a.flush(ctx); err != nil {
			return err
		}
		claimed, err := a.claim(ctx)
		if err != nil {
			return err
		}
		if !claimed {
			return a.replayArchive(ctx)
		}
	}

	a.round(ctx)
	if a.cursor >= len(a.slots) || a.pendingBytes >= a.cfg.MemoryThresholdBytes {
		return a.flush(ctx)
	}
	return nil
}

func (a *Agent) poll(ctx context.Context) error {
	resp, err := a.deps.Coordinator.CrawlTime(ctx, a.crawlTime)
	if err != nil {
		return fmt.Errorf("crawlTime handshake: %w", err)
	}
	a.deps.Uploader.Advertise(resp.PostMaxSize)
	a.archiveCrawl = resp.ArchiveCrawlTime
	if !resp.Active {
		resp.CrawlTime = 0
	}
	if resp.CrawlTime == a.crawlTime && !resp.ParamsModified.After(a.paramsModified) {
		return nil
	}
	if err := a.flush(ctx); err != nil {
		return err
	}
	a.deps.Logger.Info("crawl changed",
		zap.Int64("from", a.crawlTime), zap.Int64("to", resp.CrawlTime),
		zap.Time("params_modified", resp.ParamsModified))
	a.crawlTime = resp.CrawlTime
	a.paramsModified = resp.ParamsModified
	a.slots, a.cursor = nil, 0
	return nil
}

func (a *Agent) claim(ctx context.Context) (bool, error) {
	data, ok, err := a.deps.Coordinator.Schedule(ctx, a.crawlTime)
	if err != nil || !ok {
		return false, err
	}
	meta, slots, err := protocol.DecodeBatch(data)
	if err != nil {
		a.deps.Logger.Warn("discarding undecodable batch", zap.Error(err))
		return false, nil
	}
	a.meta, a.slots, a.cursor = meta, slots, 0
	if a.meta.RequestBatchSize <= 0 {
		a.meta.RequestBatchSize = len(slots)
	}
	a.policy = simple.New(meta.MaxDepth, a.cfg.MaxLinksPerPage, a.deps.Logger)
	a.pending.Schedule.BatchID = meta.BatchID
	a.deps.Logger.Info("batch claimed", zap.String("batch_id", meta.BatchID), zap.Int("slots", len(slots)))
	return true, nil
}

// replayArchive re-uploads the index section of one archived upload of an
// earlier crawl under the current crawl.
func (a *Agent) replayArchive(ctx context.Context) error {
	if a.archiveCrawl == 0 {
		return nil
	}
	archive, ok, err := a.deps.Coordinator.ArchiveSchedule(ctx, a.crawlTime)
	if err != nil || !ok {
		return err
	}
	data, err := protocol.DecodeSections(archive, protocol.SectionIndex)
	if err != nil {
		a.deps.Logger.Warn("skipping corrupt archive", zap.Error(err))
		return nil
	}
	if len(data.Index) == 0 {
		return nil
	}
	a.pending.Index = append(a.pending.Index, data.Index...)
	a.deps.Logger.Info("archive replayed", zap.Int("summaries", len(data.Index)))
	return a.flush(ctx)
}

// round downloads the next RequestBatchSize slots. DUMMY slots take a
// position without a download so per-host spacing holds.
func (a *Agent) round(ctx context.Context) {
	end := min(a.cursor+a.meta.RequestBatchSize, len(a.slots))
	group := a.slots[a.cursor:end]
	a.cursor = end

	var (
		requests []crawler.FetchRequest
		sources  []protocol.Slot
	)
	for _, slot := range group {
		if slot.IsDummy() || slot.URL == "" {
			continue
		}
		if a.deps.Delays != nil && slot.Delay > 0 {
			a.deps.Delays.SetDelay(crawler.Host(slot.URL), time.Duration(slot.Delay)*time.Second)
		}
		req := crawler.FetchRequest{
			URL:    slot.URL,
			Depth:  int(slot.Depth),
			Weight: slot.Weight,
			Robots: slot.Flag == protocol.FlagRobot,
		}
		if v, ok := a.meta.Validators[slot.URL]; ok {
			req.Headers = http.Header{}
			if v.ETag != "" {
				req.Headers.Set("If-None-Match", v.ETag)
			}
			if v.LastModified != "" {
				req.Headers.Set("If-Modified-Since", v.LastModified)
			}
		}
		requests = append(requests, req)
		sources = append(sources, slot)
	}
	if len(requests) == 0 {
		return
	}
	responses := a.deps.Downloader.Download(ctx, requests)
	for i, resp := range responses {
		a.record(sources[i], resp)
	}
	a.deps.Logger.Debug("round fetched",
		zap.Int("urls", len(requests)), zap.Int("cursor", a.cursor), zap.Int("slots", len(a.slots)))
}

func (a *Agent) record(slot protocol.Slot, resp crawler.FetchResponse) {
	now := a.deps.Clock.Now()
	robots := slot.Flag == protocol.FlagRobot || crawler.IsRobotsURL(slot.URL)
	a.pending.Schedule.Fetched = append(a.pending.Schedule.Fetched, protocol.FetchedURL{
		URL:        slot.URL,
		StatusCode: resp.StatusCode,
		Robots:     robots,
	})
	a.pendingBytes += len(slot.URL) + 16

	if robots {
		rec := protocol.RobotsRecord{Site: crawler.SchemeHost(slot.URL), StatusCode: resp.StatusCode, FetchedAt: now}
		if resp.Err == nil {
			rec.Body = resp.Body
		}
		a.pending.Robots = append(a.pending.Robots, rec)
		a.pendingBytes += len(rec.Body)
		return
	}

	normalized, err := crawler.NormalizeURL(slot.URL)
	if err != nil {
		normalized = slot.URL
	}
	hash := crawler.URLHash(normalized)
	a.pending.Schedule.SeenHashes = append(a.pending.Schedule.SeenHashes, hash)
	if resp.Err != nil {
		return
	}

	cache := protocol.CacheRecord{
		URL:          slot.URL,
		ETag:         resp.Headers.Get("ETag"),
		LastModified: resp.Headers.Get("Last-Modified"),
	}
	if resp.StatusCode == http.StatusNotModified {
		if cache.ETag != "" || cache.LastModified != "" {
			a.pending.Cache = append(a.pending.Cache, cache)
		}
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}

	pageURL := resp.FinalURL
	if pageURL == "" {
		pageURL = slot.URL
	}
	content, ok := a.deps.Extractor.Extract(pageURL, resp.ContentType, resp.Body)
	if !ok {
		metrics.ObservePolicyDrop("content_type", 1)
		return
	}
	if a.deps.Hasher != nil {
		if sum, err := a.deps.Hasher.Hash(resp.Body); err == nil {
			cache.ContentHash = sum
		}
	}
	if cache.ETag != "" || cache.LastModified != "" || cache.ContentHash != "" {
		a.pending.Cache = append(a.pending.Cache, cache)
	}

	pol := a.policy
	if pol == nil {
		pol = simple.New(0, a.cfg.MaxLinksPerPage, a.deps.Logger)
	}
	if pol.AllowIndex(pageURL, resp.StatusCode, content) {
		a.pending.Index = append(a.pending.Index, protocol.Summary{
			URL:         normalized,
			URLHash:     hash,
			Title:       content.Title,
			Description: content.Description,
			Text:        content.Text,
			ContentHash: cache.ContentHash,
			StatusCode:  resp.StatusCode,
			FetchedAt:   now,
		})
		a.pendingBytes += len(content.Title) + len(content.Description) + len(content.Text)
	}

	links := pol.Links(pageURL, int(slot.Depth), content)
	if final, err := crawler.NormalizeURL(pageURL); err == nil && final != normalized {
		links = append(links, final)
	}
	if len(links) > 0 {
		a.pending.Schedule.Found = append(a.pending.Schedule.Found, protocol.FoundLinks{
			Source:       normalized,
			SourceWeight: slot.Weight,
			Depth:        slot.Depth,
			Links:        links,
		})
		for _, l := range links {
			a.pendingBytes += len(l)
		}
	}
}

// flush uploads buffered results. On failure the buffer is kept so the
// next tick retries it.
func (a *Agent) flush(ctx context.Context) error {
	if a.pending.Empty() {
		return nil
	}
	a.pending.Meta = protocol.UploadMeta{
		CrawlTime:     a.crawlTime,
		RobotInstance: a.cfg.RobotInstance,
		MachineURI:    a.cfg.MachineURI,
		CreatedAt:     a.deps.Clock.Now(),
	}
	archive, err := protocol.EncodeArchive(a.pending)
	if err != nil {
		return fmt.Errorf("encode upload: %w", err)
	}
	if err := a.deps.Uploader.Upload(ctx, a.crawlTime, archive); err != nil {
		return err
	}
	a.deps.Logger.Info("upload complete",
		zap.Int("bytes", len(archive)),
		zap.Int("fetched", len(a.pending.Schedule.Fetched)),
		zap.Int("summaries", len(a.pending.Index)),
		zap.Int("robots", len(a.pending.Robots)))
	a.pending = protocol.UploadData{}
	if a.cursor < len(a.slots) {
		a.pending.Schedule.BatchID = a.meta.BatchID
	}
	a.pendingBytes = 0
	return nil
}
