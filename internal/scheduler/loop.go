package scheduler

import (
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/clock/system"
	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/frontier"
	"github.com/JakeFAU/distcrawl/internal/logging"
	"github.com/JakeFAU/distcrawl/internal/messages"
	"github.com/JakeFAU/distcrawl/internal/metrics"
)

// Role is the scheduler's name in mailboxes, status files and heartbeats.
const Role = "scheduler"

// Ingester consumes one upload from the schedule inbox. It reports whether
// a file was processed.
type Ingester interface {
	ProcessOldest(ctx context.Context) (bool, error)
}

// LoopConfig tunes the scheduler loop.
type LoopConfig struct {
	StateDir          string
	SaveInterval      time.Duration
	NormalizeInterval time.Duration
	StopWait          time.Duration
	SeedWeight        int32
	// PeerRole is the role whose flushed status Stop waits for.
	PeerRole string
	// Resume loads persisted state before the first tick.
	Resume bool
}

// Runner drives a Scheduler on a ticker.
type Runner struct {
	sched     *Scheduler
	ingester  Ingester
	mailbox   *messages.Mailbox
	status    *messages.StatusBoard
	heartbeat *logging.Heartbeat
	jobFile   *crawler.JobFile
	clock     crawler.Clock
	cfg       LoopConfig
	logger    *zap.Logger

	crawlTime     int64
	lastSave      time.Time
	lastNormalize time.Time
	lastSeed      time.Time
}

// RunnerDeps are the optional collaborators of a Runner.
type RunnerDeps struct {
	Ingester  Ingester
	Mailbox   *messages.Mailbox
	Status    *messages.StatusBoard
	Heartbeat *logging.Heartbeat
	JobFile   *crawler.JobFile
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// NewRunner builds a loop around sched.
func NewRunner(sched *Scheduler, cfg LoopConfig, deps RunnerDeps) *Runner {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if cfg.PeerRole == "" {
		cfg.PeerRole = "indexer"
	}
	return &Runner{
		sched:     sched,
		ingester:  deps.Ingester,
		mailbox:   deps.Mailbox,
		status:    deps.Status,
		heartbeat: deps.Heartbeat,
		jobFile:   deps.JobFile,
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    deps.Logger,
	}
}

// errStopped ends Run after a stop message was handled.
var errStopped = errors.New("scheduler stopped")

// Run ticks until ctx is cancelled or a stop message arrives.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.Resume {
		n, err := r.sched.LoadState(r.cfg.StateDir)
		if err != nil {
			return err
		}
		r.logger.Info("scheduler state restored", zap.Int("frontier", n))
	}
	if r.status != nil {
		if err := r.status.Set(Role, messages.StatusRunning); err != nil {
			r.logger.Warn("status update failed", zap.Error(err))
		}
	}
	r.crawlTime = r.sched.Job().Snapshot().CrawlTime
	now := r.clock.Now()
	r.lastSave, r.lastNormalize = now, now

	var inbox <-chan messages.Message
	if r.mailbox != nil {
		inbox = r.mailbox.Watch(ctx, r.sched.opts.LoopTime/2+time.Millisecond)
	}
	ticker := time.NewTicker(r.sched.opts.LoopTime)
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
			if err := r.sched.SaveState(r.cfg.StateDir); err != nil {
				r.logger.Error("save scheduler state on shutdown", zap.Error(err))
			}
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
	now := r.clock.Now()
	job := r.sched.Job().Snapshot()
	if job.CrawlTime != r.crawlTime {
		r.startCrawl(job, now)
	}

	if r.ingester != nil {
		if _, err := r.ingester.ProcessOldest(ctx); err != nil {
			r.logger.Warn("schedule ingest failed", zap.Error(err))
		}
	}
	if n := r.sched.ReleaseExpired(now); n > 0 {
		r.logger.Info("released expired waiting hosts", zap.Int("hosts", n))
	}
	r.sched.RollQuotas(now)
	if dropped := r.sched.Robots().Refresh(now); len(dropped) > 0 {
		r.logger.Debug("robots data expired", zap.Int("hosts", len(dropped)))
	}
	if r.cfg.NormalizeInterval > 0 && now.Sub(r.lastNormalize) >= r.cfg.NormalizeInterval {
		r.lastNormalize = now
		if r.sched.Frontier().Normalize() {
			r.logger.Info("frontier weights normalized")
		}
	}
	r.reloadFragment()
	r.seed(job, now)

	if _, err := r.sched.ProduceFetchBatch(now); err != nil {
		r.logger.Error("produce fetch batch", zap.Error(err))
	}

	if r.cfg.SaveInterval > 0 && now.Sub(r.lastSave) >= r.cfg.SaveInterval {
		r.lastSave = now
		if err := r.sched.SaveState(r.cfg.StateDir); err != nil {
			r.logger.Error("save scheduler state", zap.Error(err))
		}
	}
	metrics.SetFrontierSize(r.sched.Frontier().Len())
	metrics.SetWaitingHosts(r.sched.WaitingHosts())
	r.heartbeat.Beat()
	return nil
}

func (r *Runner) apply(ctx context.Context, msg messages.Message) error {
	switch msg.Kind {
	case messages.KindParams:
		if msg.Job == nil {
			return nil
		}
		if r.sched.Job().Update(*msg.Job) {
			r.logger.Info("crawl parameters updated",
				zap.Int64("crawl_time", msg.Job.CrawlTime),
				zap.Time("modified_at", msg.Job.ModifiedAt))
			n, err := r.sched.RecallPendingBatch()
			if err != nil {
				r.logger.Warn("recall stale batch", zap.Error(err))
			} else if n > 0 {
				r.logger.Info("stale batch requeued", zap.Int("urls", n))
			}
			if r.jobFile != nil {
				if err := r.jobFile.Write(r.sched.Job().Snapshot()); err != nil {
					r.logger.Warn("persist crawl job", zap.Error(err))
				}
			}
		}
	case messages.KindResume:
		n, err := r.sched.LoadState(r.cfg.StateDir)
		if err != nil {
			r.logger.Error("resume scheduler state", zap.Error(err))
			return nil
		}
		r.logger.Info("scheduler state reloaded", zap.Int("frontier", n))
	case messages.KindStop:
		r.flush(ctx)
		return errStopped
	default:
		r.logger.Warn("ignoring unknown message", zap.String("kind", string(msg.Kind)))
	}
	return nil
}

// flush saves state, reports it and waits for the peer role to do the same.
func (r *Runner) flush(ctx context.Context) {
	if err := r.sched.SaveState(r.cfg.StateDir); err != nil {
		r.logger.Error("save scheduler state on stop", zap.Error(err))
	}
	if r.status == nil {
		return
	}
	if err := r.status.Set(Role, messages.StatusFlushed); err != nil {
		r.logger.Warn("status update failed", zap.Error(err))
	}
	if r.cfg.StopWait > 0 && !r.status.WaitFor(ctx, r.cfg.PeerRole, messages.StatusFlushed, r.cfg.StopWait, time.Second) {
		r.logger.Warn("peer did not flush before stop wait elapsed", zap.String("peer", r.cfg.PeerRole))
	}
	r.logger.Info("scheduler flushed")
}

// startCrawl resets per-crawl state and seeds the new crawl.
func (r *Runner) startCrawl(job crawler.CrawlJob, now time.Time) {
	r.logger.Info("starting crawl", zap.Int64("crawl_time", job.CrawlTime), zap.Int("seeds", len(job.Seeds)))
	r.crawlTime = job.CrawlTime
	r.sched.Frontier().Reset()
	r.sched.ResetPlacements()
	r.sched.Robots().ClearPending()
	if err := r.sched.Store().Discard(); err != nil {
		r.logger.Warn("discard previous crawl batch", zap.Error(err))
	}
	r.lastSeed = time.Time{}
	r.seed(job, now)
}

// seed adds the job's seeds on a new crawl and every repeat_schedule
// thereafter. Repeats bypass the seen filter so seeds are fetched again.
func (r *Runner) seed(job crawler.CrawlJob, now time.Time) {
	if job.CrawlTime == 0 {
		return
	}
	f := r.sched.Frontier()
	if r.lastSeed.IsZero() {
		r.lastSeed = now
		added := 0
		for _, s := range job.Seeds {
			if _, err := f.AddCandidate(s, r.cfg.SeedWeight, 0, 0); err == nil {
				added++
			}
		}
		r.logger.Info("crawl seeded", zap.Int("added", added))
	} else if job.RepeatSchedule > 0 && now.Sub(r.lastSeed) >= job.RepeatSchedule {
		r.lastSeed = now
		var entries []frontier.Entry
		for _, s := range job.Seeds {
			normalized, err := crawler.NormalizeURL(s)
			if err != nil {
				continue
			}
			entries = append(entries, frontier.Entry{URL: normalized, Weight: r.cfg.SeedWeight})
		}
		r.logger.Info("crawl reseeded", zap.Int("added", f.Restore(entries)))
	}

	for _, sitemap := range r.sched.Robots().TakeSitemaps() {
		_, _ = f.AddCandidate(sitemap, r.cfg.SeedWeight/2, 0, 0)
	}
}

// reloadFragment moves the oldest dumped fragment back into the frontier
// once it has drained below half its capacity.
func (r *Runner) reloadFragment() {
	f := r.sched.Frontier()
	dir := r.sched.opts.FragmentDir
	if dir == "" || f.Capacity() <= 0 || f.Len() >= f.Capacity()/2 {
		return
	}
	path, ok, err := frontier.OldestFragment(dir)
	if err != nil {
		r.logger.Warn("list fragments", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	entries, corrupt, err := frontier.LoadFragment(path)
	if err != nil {
		r.logger.Warn("load fragment", zap.String("path", path), zap.Error(err))
		return
	}
	restored := f.Restore(entries)
	if err := os.Remove(path); err != nil {
		r.logger.Warn("remove loaded fragment", zap.String("path", path), zap.Error(err))
	}
	r.logger.Info("fragment reloaded",
		zap.String("path", path), zap.Int("restored", restored), zap.Int("corrupt", corrupt))
}
