package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/app"
	"github.com/JakeFAU/distcrawl/internal/coordinator"
	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/dictionary"
	"github.com/JakeFAU/distcrawl/internal/fetcher"
	collyfetcher "github.com/JakeFAU/distcrawl/internal/fetcher/colly"
	"github.com/JakeFAU/distcrawl/internal/fetcher/process"
	"github.com/JakeFAU/distcrawl/internal/frontier"
	"github.com/JakeFAU/distcrawl/internal/hash/sha256"
	"github.com/JakeFAU/distcrawl/internal/id/uuid"
	"github.com/JakeFAU/distcrawl/internal/index"
	"github.com/JakeFAU/distcrawl/internal/ingest"
	"github.com/JakeFAU/distcrawl/internal/logging"
	"github.com/JakeFAU/distcrawl/internal/messages"
	"github.com/JakeFAU/distcrawl/internal/policy/ratelimit"
	"github.com/JakeFAU/distcrawl/internal/robots"
	"github.com/JakeFAU/distcrawl/internal/scheduler"
	"github.com/JakeFAU/distcrawl/internal/supervisor"
)

// serverRole names the HTTP endpoint in logs.
const serverRole = "server"

// schedulerRole builds a fresh scheduler on every launch so a relaunch
// after a stall starts from persisted state rather than a wedged one.
func schedulerRole(a *app.App) supervisor.RunFunc {
	return func(ctx context.Context, resume bool) error {
		cfg := a.Config()
		logger, hb := a.RoleLogger(scheduler.Role)

		jobFile := crawler.NewJobFile(cfg.Paths.JobFile())
		job, _, err := jobFile.Read()
		if err != nil {
			return err
		}
		filter, err := scheduler.LoadSeenFilter(cfg.Paths.SchedulerStateDir(), cfg.Frontier.SeenExpected, cfg.Frontier.SeenFPRate)
		if err != nil {
			return err
		}
		front := frontier.New(frontier.Options{
			Capacity:        cfg.Frontier.Capacity,
			NormalizeFloor:  cfg.Frontier.NormalizeFloor,
			NormalizeTarget: cfg.Frontier.NormalizeTarget,
		}, filter)
		engine := robots.New(robots.Options{
			UserAgent:  cfg.Robots.UserAgent,
			TTL:        cfg.Robots.TTL,
			PendingTTL: cfg.Scheduler.WaitingTimeout,
		}, logger.Named("robots"))

		sched, err := scheduler.New(scheduler.Options{
			LoopTime:           cfg.Scheduler.LoopTime,
			RequestBatchSize:   cfg.Scheduler.RequestBatchSize,
			MaxFetchSize:       cfg.Scheduler.MaxFetchSize,
			MaxWaitingFraction: cfg.Scheduler.MaxWaitingFraction,
			WaitingTimeout:     cfg.Scheduler.WaitingTimeout,
			JamFraction:        cfg.Scheduler.JamFraction,
			FragmentDir:        cfg.Paths.FragmentDir(),
			FragmentSize:       cfg.Frontier.FragmentSize,
		}, scheduler.Deps{
			Frontier: front,
			Robots:   engine,
			Store:    scheduler.NewBatchStore(cfg.Paths.BatchDir()),
			Job:      crawler.NewJobState(job),
			IDs:      uuid.New(),
			Events:   a.Events(),
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", err, crawler.ErrPermanent)
		}

		handler := ingest.NewScheduleHandler(sched, ingest.LinkOptions{
			CrossDomainBoost: cfg.Frontier.CrossDomainBoost,
			LinkFarmRatio:    cfg.Frontier.LinkFarmRatio,
			LinkFarmMinLinks: cfg.Frontier.LinkFarmMinLinks,
			LinkFarmDelay:    cfg.Frontier.LinkFarmDelay,
			MaxLinksPerPage:  cfg.Frontier.MaxLinksPerPage,
			FragmentDir:      cfg.Paths.FragmentDir(),
			FragmentSize:     cfg.Frontier.FragmentSize,
		}, logger.Named("ingest"))
		proc := ingest.NewProcessor(ingest.Config{
			Dir:      cfg.Paths.ScheduleInbox(),
			Role:     scheduler.Role,
			Sections: ingest.ScheduleSections,
		}, handler, a.Events(), logger.Named("ingest"))

		runner := scheduler.NewRunner(sched, scheduler.LoopConfig{
			StateDir:          cfg.Paths.SchedulerStateDir(),
			SaveInterval:      cfg.Scheduler.SaveInterval,
			NormalizeInterval: cfg.Scheduler.NormalizeInterval,
			StopWait:          cfg.Scheduler.StopWait,
			SeedWeight:        cfg.Frontier.SeedWeight,
			PeerRole:          index.Role,
			Resume:            resume,
		}, scheduler.RunnerDeps{
			Ingester:  proc,
			Mailbox:   messages.NewMailbox(cfg.Paths.MailboxDir(scheduler.Role), logger),
			Status:    messages.NewStatusBoard(cfg.Paths.StatusDir()),
			Heartbeat: hb,
			JobFile:   jobFile,
			Logger:    logger,
		})
		return runner.Run(ctx)
	}
}

// indexerRole builds the index runner. The runner reopens the crawl's
// builder from disk on its first tick, so a relaunch resumes on its own.
func indexerRole(a *app.App) supervisor.RunFunc {
	return func(ctx context.Context, resume bool) error {
		cfg := a.Config()
		logger, hb := a.RoleLogger(index.Role)

		job, _, err := crawler.NewJobFile(cfg.Paths.JobFile()).Read()
		if err != nil {
			return err
		}
		if resume {
			logger.Info("indexer relaunched, reopening persisted index", zap.Int64("crawl_time", job.CrawlTime))
		}
		runner, err := index.NewRunner(index.LoopConfig{
			Dir:               cfg.Paths.IndexDir(),
			DictionaryDir:     cfg.Paths.DictionaryDir(),
			InboxDir:          cfg.Paths.IndexInbox(),
			LoopTime:          cfg.Indexer.LoopTime,
			ForceSaveInterval: cfg.Indexer.ForceSaveInterval,
			StopWait:          cfg.Scheduler.StopWait,
			MaxDocsPerShard:   cfg.Indexer.MaxDocsPerShard,
			Dictionary: dictionary.Options{
				MergeThreshold:  cfg.Dictionary.MergeThreshold,
				MaxTiers:        cfg.Dictionary.MaxTiers,
				CheckpointEvery: cfg.Dictionary.CheckpointEvery,
			},
			PeerRole: scheduler.Role,
		}, index.RunnerDeps{
			Job:       crawler.NewJobState(job),
			Mailbox:   messages.NewMailbox(cfg.Paths.MailboxDir(index.Role), logger),
			Status:    messages.NewStatusBoard(cfg.Paths.StatusDir()),
			Heartbeat: hb,
			Blobs:     a.Blobs(),
			Events:    a.Events(),
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", err, crawler.ErrPermanent)
		}
		return runner.Run(ctx)
	}
}

// serverRoleFunc serves the fetcher endpoint until ctx is cancelled.
func serverRoleFunc(a *app.App) supervisor.RunFunc {
	return func(ctx context.Context, _ bool) error {
		cfg := a.Config()
		logger := logging.ForRole(a.Logger(), serverRole, nil)

		srv, err := coordinator.NewServer(coordinator.Options{
			Secret:           cfg.Auth.Secret,
			SessionWindow:    cfg.Auth.SessionWindow,
			RequestTimeout:   cfg.Server.RequestTimeout,
			PostMaxSize:      cfg.Upload.PostMaxSize,
			MinPostMaxSize:   cfg.Upload.MinPostMaxSize,
			MemoryLimitBytes: uint64(max(cfg.Upload.MemoryLimitBytes, 0)),
			PartialDir:       cfg.Paths.PartialDir(),
			ScheduleInbox:    cfg.Paths.ScheduleInbox(),
			IndexInbox:       cfg.Paths.IndexInbox(),
			StateDir:         cfg.Paths.CoordinatorDir(),
		}, coordinator.Deps{
			Batches:  scheduler.NewBatchStore(cfg.Paths.BatchDir()),
			JobFile:  crawler.NewJobFile(cfg.Paths.JobFile()),
			Hasher:   sha256.New(),
			Registry: a.Registry(),
			Blobs:    a.Blobs(),
			Status:   messages.NewStatusBoard(cfg.Paths.StatusDir()),
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", err, crawler.ErrPermanent)
		}

		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Info("http server started", zap.Int("port", cfg.Server.Port))
			errCh <- httpSrv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("http server: %w", err)
		case <-ctx.Done():
		}

		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	}
}

// fetcherRole runs one fetcher agent. A session the coordinator rejects is
// permanent; everything else is retried by the agent or the supervisor.
func fetcherRole(a *app.App) supervisor.RunFunc {
	return func(ctx context.Context, _ bool) error {
		cfg := a.Config()
		logger, hb := a.RoleLogger(fetcher.Role)

		instance, err := uuid.New().InstanceID()
		if err != nil {
			return err
		}
		machine := cfg.Fetcher.MachineURI
		if machine == "" {
			if host, err := os.Hostname(); err == nil {
				machine = host
			}
		}
		logger = logger.With(zap.String("robot_instance", instance))

		client := fetcher.NewClient(fetcher.ClientConfig{
			BaseURL:       cfg.Fetcher.CoordinatorURL,
			Secret:        cfg.Auth.Secret,
			RobotInstance: instance,
			MachineURI:    machine,
			Timeout:       cfg.Server.RequestTimeout,
		}, nil, nil)
		retry := crawler.NewRetryPolicy(cfg.Fetcher.MaxRetries, cfg.Fetcher.BackoffInitial, cfg.Fetcher.BackoffMax)
		uploader := fetcher.NewUploader(client, sha256.New(), retry, fetcher.UploaderConfig{
			PostMaxSize: cfg.Upload.PostMaxSize,
			MaxFailures: cfg.Fetcher.UploadMaxFailures,
		}, logger.Named("upload"))

		limiter := ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Fetcher.PerHostRPS,
			DefaultBurst: cfg.Fetcher.PerHostBurst,
		})
		downloader := collyfetcher.New(collyfetcher.Config{
			UserAgent:    cfg.Robots.UserAgent,
			Timeout:      cfg.Fetcher.Timeout,
			Concurrency:  cfg.Fetcher.Concurrency,
			MaxBodyBytes: cfg.Fetcher.MaxBodyBytes,
		}, limiter, logger.Named("download"))

		agent, err := fetcher.NewAgent(fetcher.Config{
			RobotInstance:        instance,
			MachineURI:           machine,
			LoopTime:             cfg.Fetcher.LoopTime,
			CrawlTimePoll:        cfg.Fetcher.CrawlTimePoll,
			MemoryThresholdBytes: cfg.Fetcher.MemoryThresholdBytes,
			MaxLinksPerPage:      cfg.Frontier.MaxLinksPerPage,
		}, fetcher.Deps{
			Coordinator: client,
			Uploader:    uploader,
			Downloader:  downloader,
			Extractor:   process.Default(),
			Hasher:      sha256.New(),
			Delays:      limiter,
			Heartbeat:   hb,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", err, crawler.ErrPermanent)
		}
		return agent.Run(ctx)
	}
}

// newSupervisor builds a supervisor from config. With supervision disabled
// roles still run side by side but heartbeats are not checked.
func newSupervisor(a *app.App) *supervisor.Supervisor {
	cfg := a.Config().Supervisor
	return supervisor.New(supervisor.Config{
		StallTimeout:  cfg.StallTimeout,
		CheckInterval: cfg.CheckInterval,
	}, a.Logger().Named("supervisor"))
}

// roleHeartbeat is the heartbeat the supervisor watches for role, or empty
// when supervision is disabled.
func roleHeartbeat(a *app.App, role string) string {
	if !a.Config().Supervisor.Enabled {
		return ""
	}
	return a.HeartbeatPath(role)
}

// roleSet tracks the control roles of one process so the endpoint stops
// once every control role has handled a stop message.
type roleSet struct {
	remaining atomic.Int32
	stop      context.CancelFunc
}

func newRoleSet(stop context.CancelFunc, roles int) *roleSet {
	s := &roleSet{stop: stop}
	s.remaining.Store(int32(roles))
	return s
}

// track wraps run so a clean exit that was not caused by cancellation
// counts the role as finished.
func (c *roleSet) track(run supervisor.RunFunc) supervisor.RunFunc {
	return func(ctx context.Context, resume bool) error {
		err := run(ctx, resume)
		if err == nil && ctx.Err() == nil && c.remaining.Add(-1) == 0 {
			c.stop()
		}
		return err
	}
}
