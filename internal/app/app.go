// Package app builds and holds the long-lived services shared by distcrawl
// roles: logger, blob store, crawl registry, event hub and tracer provider.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/config"
	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/events"
	"github.com/JakeFAU/distcrawl/internal/events/sinks"
	"github.com/JakeFAU/distcrawl/internal/logging"
	"github.com/JakeFAU/distcrawl/internal/metrics"
	kafkapublisher "github.com/JakeFAU/distcrawl/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/distcrawl/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/distcrawl/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/distcrawl/internal/storage/gcs"
	localstorage "github.com/JakeFAU/distcrawl/internal/storage/local"
	memorystorage "github.com/JakeFAU/distcrawl/internal/storage/memory"
	pgstore "github.com/JakeFAU/distcrawl/internal/storage/postgres"
	"github.com/JakeFAU/distcrawl/internal/telemetry"
)

// Options adjust how Build wires services.
type Options struct {
	// Role is stamped on events that do not name one.
	Role string
	// Logger replaces the logger built from the logging config.
	Logger *zap.Logger
	// Registerer receives the event collectors; defaults to the global
	// Prometheus registry.
	Registerer prometheus.Registerer
	// SkipTracing leaves the global tracer provider untouched.
	SkipTracing bool
}

// App holds the shared services of one process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	blobs     crawler.BlobStore
	registry  crawler.CrawlRegistry
	publisher crawler.Publisher
	hub       *events.Hub

	gcs        *gcsstorage.BlobStore
	pgRegistry *pgstore.Registry
	tracer     *sdktrace.TracerProvider
}

// Build creates the application's dependencies. On error everything built
// so far is released.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	if !opts.SkipTracing {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.SampleRatio)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracer = tp
	}

	a.logger.Info("building application services", zap.String("role", opts.Role))
	if err := a.setupStorage(ctx); err != nil {
		a.release(ctx)
		return nil, err
	}
	if err := a.setupRegistry(ctx); err != nil {
		a.release(ctx)
		return nil, err
	}
	if err := a.setupPublisher(ctx); err != nil {
		a.release(ctx)
		return nil, err
	}
	if err := a.setupEvents(opts); err != nil {
		a.release(ctx)
		return nil, err
	}
	return a, nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Blobs returns the blob store for archives and sealed shards.
func (a *App) Blobs() crawler.BlobStore { return a.blobs }

// Registry returns the crawl registry.
func (a *App) Registry() crawler.CrawlRegistry { return a.registry }

// Publisher returns the event publisher, or nil when events are not
// published.
func (a *App) Publisher() crawler.Publisher { return a.publisher }

// Events returns the emitter roles report milestones to.
func (a *App) Events() events.Emitter {
	if a.hub == nil {
		return events.Nop{}
	}
	return a.hub
}

// RoleLogger returns a logger named after role whose every entry touches
// the role's heartbeat file.
func (a *App) RoleLogger(role string) (*zap.Logger, *logging.Heartbeat) {
	hb := logging.NewHeartbeat(a.HeartbeatPath(role), a.cfg.Supervisor.HeartbeatInterval)
	return logging.ForRole(a.logger, role, hb), hb
}

// HeartbeatPath is the heartbeat file of role.
func (a *App) HeartbeatPath(role string) string {
	return filepath.Join(a.cfg.Paths.HeartbeatDir(), role)
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = store
		a.blobs = store
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
	default:
		a.logger.Info("using in-memory storage backend")
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupRegistry(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, crawl registry is kept in memory")
		a.registry = memorystorage.NewRegistry()
		return nil
	}
	reg, err := pgstore.NewRegistry(ctx, pgstore.RegistryConfig{
		DSN:             a.cfg.DB.DSN,
		CrawlTable:      a.cfg.DB.CrawlTable,
		CheckInTable:    a.cfg.DB.CheckInTable,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("crawl registry init failed: %w", err)
	}
	a.pgRegistry = reg
	if err := reg.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("crawl registry schema: %w", err)
	}
	a.registry = reg
	a.logger.Info("crawl registry initialized",
		zap.String("crawl_table", a.cfg.DB.CrawlTable),
		zap.String("checkin_table", a.cfg.DB.CheckInTable))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Events.Publisher {
	case "memory":
		a.publisher = memorypublisher.New()
		a.logger.Info("using in-memory event publisher")
	case "pubsub":
		pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName))
	case "kafka":
		pub, err := kafkapublisher.New(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic)
		if err != nil {
			return fmt.Errorf("kafka publisher init failed: %w", err)
		}
		a.publisher = pub
		a.logger.Info("Kafka publisher initialized",
			zap.Strings("brokers", a.cfg.Kafka.Brokers),
			zap.String("topic", a.cfg.Kafka.Topic))
	default:
		a.logger.Debug("event publishing disabled", zap.String("publisher", a.cfg.Events.Publisher))
	}
	return nil
}

func (a *App) setupEvents(opts Options) error {
	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return fmt.Errorf("event metrics init failed: %w", err)
	}
	sinkList := []events.Sink{promSink}
	if a.cfg.Events.Publisher == "log" {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("events")))
	}
	if a.publisher != nil {
		prefix := a.cfg.Events.Topic
		if a.cfg.Events.Publisher == "kafka" {
			// Kafka topics are selected per event; the prefix would name a
			// topic per kind.
			prefix = ""
		}
		sinkList = append(sinkList, sinks.NewPublisherSink(a.publisher, prefix))
	}
	a.hub = events.NewHub(events.Config{
		Role:   opts.Role,
		Logger: a.logger.Named("events"),
	}, sinkList...)
	a.logger.Info("event hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

// Close flushes events and releases every service. It is safe to call on a
// partially built App.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	a.release(ctx)
	if err := a.logger.Sync(); err != nil {
		// Syncing stderr/stdout fails on some terminals; nothing to do.
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

func (a *App) release(ctx context.Context) {
	if a.hub != nil {
		// The hub closes its sinks, including the publisher sink.
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
		a.hub = nil
		a.publisher = nil
	}
	if closer, ok := a.publisher.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
		a.publisher = nil
	}
	if a.pgRegistry != nil {
		a.pgRegistry.Close()
		a.pgRegistry = nil
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcs = nil
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracer = nil
	}
}
