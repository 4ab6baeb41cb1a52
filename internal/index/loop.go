package index

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/clock/system"
	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/dictionary"
	"github.com/JakeFAU/distcrawl/internal/events"
	"github.com/JakeFAU/distcrawl/internal/ingest"
	"github.com/JakeFAU/distcrawl/internal/logging"
	"github.com/JakeFAU/distcrawl/internal/messages"
	"github.com/JakeFAU/distcrawl/internal/protocol"
)

// Role is the indexer's name in mailboxes, status files and heartbeats.
const Role = "indexer"

// LoopConfig tunes the indexer loop.
type LoopConfig struct {
	// Dir holds one index directory per crawl.
	Dir string
	// DictionaryDir, when set, holds one dictionary directory per crawl.
	DictionaryDir     string
	InboxDir          string
	LoopTime          time.Duration
	ForceSaveInterval time.Duration
	StopWait          time.Duration
	MaxDocsPerShard   int
	Dictionary        dictionary.Options
	// PeerRole is the role whose flushed status a stop waits for.
	PeerRole string
}

// RunnerDeps are the collaborators of a Runner. Job is required.
type RunnerDeps struct {
	Job       *crawler.JobState
	Mailbox   *messages.Mailbox
	Status    *messages.StatusBoard
	Heartbeat *logging.Heartbeat
	Blobs     crawler.BlobStore
	Events    events.Emitter
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Runner drives the index builder: it ingests the index inbox, keeps one
// Builder per crawl and persists on an interval.
type Runner struct {
	cfg       LoopConfig
	job       *crawler.JobState
	mailbox   *messages.Mailbox
	status    *messages.StatusBoard
	heartbeat *logging.Heartbeat
	blobs     crawler.BlobStore
	events    events.Emitter
	clock     crawler.Clock
	logger    *zap.Logger

	processor *ingest.Processor
	builder   *Builder
	crawlTime int64
	lastSave  time.Time
}

var errStopped = errors.New("indexer stopped")

// NewRunner builds an indexer loop.
func NewRunner(cfg LoopConfig, deps RunnerDeps) (*Runner, error) {
	if deps.Job == nil {
		return nil, errors.New("indexer requires a crawl job")
	}
	if cfg.Dir == "" || cfg.InboxDir == "" {
		return nil, errors.New("indexer requires index and inbox directories")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if cfg.LoopTime <= 0 {
		cfg.LoopTime = time.Second
	}
	if cfg.PeerRole == "" {
		cfg.PeerRole = "scheduler"
	}
	r := &Runner{
		cfg:       cfg,
		job:       deps.Job,
		mailbox:   deps.Mailbox,
		status:    deps.Status,
		heartbeat: deps.Heartbeat,
		blobs:     deps.Blobs,
		events:    deps.Events,
		clock:     deps.Clock,
		logger:    deps.Logger,
	}
	handler := ingest.NewIndexHandler(r, deps.Blobs, deps.Logger)
	r.processor = ingest.NewProcessor(ingest.Config{
		Dir:      cfg.InboxDir,
		Role:     Role,
		Sections: ingest.IndexSections,
	}, handler, deps.Events, deps.Logger)
	return r, nil
}

// Builder returns the builder of the current crawl, if one is open.
func (r *Runner) Builder() *Builder {
	return r.builder
}

// AddSummaries routes summaries to the current crawl's builder. Summaries
// that arrive while no crawl is active are dropped.
func (r *Runner) AddSummaries(ctx context.Context, summaries []protocol.Summary) (int, error) {
	if r.builder == nil {
		r.logger.Debug("dropping summaries without an active crawl", zap.Int("docs", len(summaries)))
		return 0, nil
	}
	return r.builder.AddSummaries(ctx, summaries)
}

// Run ticks until ctx is cancelled or a stop message arrives.
func (r *Runner) Run(ctx context.Context) error {
	if r.status != nil {
		if err := r.status.Set(Role, messages.StatusRunning); err != nil {
			r.logger.Warn("status update failed", zap.Error(err))
		}
	}
	r.lastSave = r.clock.Now()

	var inbox <-chan messages.Message
	if r.mailbox != nil {
		inbox = r.mailbox.Watch(ctx, r.cfg.LoopTime/2+time.Millisecond)
	}
	ticker := time.NewTicker(r.cfg.LoopTime)
	defer ticker.Stop()

	for {
		if err := r.Tick(ctx, messages.Drain(inbox)); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			r.closeBuilder(true)
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one loop iteration with the messages received since the last.
func (r *Runner) Tick(ctx context.Context, msgs []messages.Message) error {
	for _, msg := range msgs {
		if err := r.apply(ctx, msg); err != nil {
			return err
		}
	}
	if crawl := r.job.Snapshot().CrawlTime; crawl != r.crawlTime || (crawl != 0 && r.builder == nil) {
		if err := r.switchCrawl(crawl); err != nil {
			return err
		}
	}

	if _, err := r.processor.ProcessOldest(ctx); err != nil {
		r.logger.Warn("index ingest failed", zap.Error(err))
	}

	now := r.clock.Now()
	if r.builder != nil {
		if err := r.builder.PromoteSealed(ctx); err != nil {
			r.logger.Error("promote sealed generations", zap.Error(err))
		}
		if r.cfg.ForceSaveInterval > 0 && now.Sub(r.lastSave) >= r.cfg.ForceSaveInterval {
			r.lastSave = now
			if err := r.builder.ForceSave(); err != nil {
				r.logger.Error("force save index", zap.Error(err))
			}
		}
	}
	r.heartbeat.Beat()
	return nil
}

func (r *Runner) apply(ctx context.Context, msg messages.Message) error {
	switch msg.Kind {
	case messages.KindParams:
		if msg.Job != nil && r.job.Update(*msg.Job) {
			r.logger.Info("crawl parameters updated", zap.Int64("crawl_time", msg.Job.CrawlTime))
		}
	case messages.KindResume:
		r.closeBuilder(false)
		if err := r.switchCrawl(r.job.Snapshot().CrawlTime); err != nil {
			r.logger.Error("resume index", zap.Error(err))
		}
	case messages.KindStop:
		r.flush(ctx)
		return errStopped
	default:
		r.logger.Warn("ignoring unknown message", zap.String("kind", string(msg.Kind)))
	}
	return nil
}

// switchCrawl saves the current builder and opens the one for crawl.
func (r *Runner) switchCrawl(crawl int64) error {
	r.closeBuilder(true)
	r.crawlTime = crawl
	if crawl == 0 {
		return nil
	}
	key := strconv.FormatInt(crawl, 10)
	opts := Options{
		Dir:             filepath.Join(r.cfg.Dir, key),
		MaxDocsPerShard: r.cfg.MaxDocsPerShard,
		CrawlTime:       crawl,
		Dictionary:      r.cfg.Dictionary,
	}
	if r.cfg.DictionaryDir != "" {
		opts.DictionaryDir = filepath.Join(r.cfg.DictionaryDir, key)
	}
	b, err := Open(opts, Deps{Blobs: r.blobs, Events: r.events, Clock: r.clock, Logger: r.logger})
	if err != nil {
		return err
	}
	r.builder = b
	m := b.Manifest()
	r.logger.Info("index opened",
		zap.Int64("crawl_time", crawl),
		zap.Uint32("open_gen", m.Open),
		zap.Int("open_docs", b.OpenDocs()),
		zap.Int("tiers", b.Dictionary().TierCount()))
	return nil
}

func (r *Runner) closeBuilder(save bool) {
	if r.builder == nil {
		return
	}
	r.builder.WaitMerge()
	if save {
		if err := r.builder.ForceSave(); err != nil {
			r.logger.Error("save index", zap.Error(err))
		}
	}
	if err := r.builder.Close(); err != nil {
		r.logger.Warn("close index", zap.Error(err))
	}
	r.builder = nil
}

// flush seals and compacts the index, reports it and waits for the peer.
func (r *Runner) flush(ctx context.Context) {
	if r.builder != nil {
		if err := r.builder.Flush(ctx); err != nil {
			r.logger.Error("flush index on stop", zap.Error(err))
		}
	}
	r.closeBuilder(false)
	if r.status == nil {
		return
	}
	if err := r.status.Set(Role, messages.StatusFlushed); err != nil {
		r.logger.Warn("status update failed", zap.Error(err))
	}
	if r.cfg.StopWait > 0 && !r.status.WaitFor(ctx, r.cfg.PeerRole, messages.StatusFlushed, r.cfg.StopWait, time.Second) {
		r.logger.Warn("peer did not flush before stop wait elapsed", zap.String("peer", r.cfg.PeerRole))
	}
	r.logger.Info("indexer flushed")
}
