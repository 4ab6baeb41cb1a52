// Package config loads and validates distcrawl configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Paths      PathsConfig      `mapstructure:"paths"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Frontier   FrontierConfig   `mapstructure:"frontier"`
	Robots     RobotsConfig     `mapstructure:"robots"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Upload     UploadConfig     `mapstructure:"upload"`
	Indexer    IndexerConfig    `mapstructure:"indexer"`
	Dictionary DictionaryConfig `mapstructure:"dictionary"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	Events     EventsConfig     `mapstructure:"events"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls the coordinator HTTP server.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig holds the secret shared by fetchers and the coordinator.
type AuthConfig struct {
	Secret        string        `mapstructure:"secret"`
	SessionWindow time.Duration `mapstructure:"session_window"`
}

// PathsConfig roots every on-disk structure under one work directory.
type PathsConfig struct {
	WorkDir string `mapstructure:"work_dir"`
}

// BatchDir holds the current fetch batch.
func (p PathsConfig) BatchDir() string { return filepath.Join(p.WorkDir, "batches") }

// ScheduleInbox receives uploads for the scheduler.
func (p PathsConfig) ScheduleInbox() string { return filepath.Join(p.WorkDir, "inbox", "schedule") }

// IndexInbox receives uploads for the indexer.
func (p PathsConfig) IndexInbox() string { return filepath.Join(p.WorkDir, "inbox", "index") }

// PartialDir holds parts of uploads still in transfer.
func (p PathsConfig) PartialDir() string { return filepath.Join(p.WorkDir, "partial") }

// MailboxDir is the message directory of a role.
func (p PathsConfig) MailboxDir(role string) string {
	return filepath.Join(p.WorkDir, "messages", role)
}

// StatusDir holds per-role status files.
func (p PathsConfig) StatusDir() string { return filepath.Join(p.WorkDir, "status") }

// HeartbeatDir holds per-role heartbeat files.
func (p PathsConfig) HeartbeatDir() string { return filepath.Join(p.WorkDir, "heartbeat") }

// FragmentDir holds dumped frontier fragments.
func (p PathsConfig) FragmentDir() string { return filepath.Join(p.WorkDir, "fragments") }

// SchedulerStateDir holds the scheduler's persisted state.
func (p PathsConfig) SchedulerStateDir() string { return filepath.Join(p.WorkDir, "scheduler") }

// IndexDir holds shards and generation state.
func (p PathsConfig) IndexDir() string { return filepath.Join(p.WorkDir, "index") }

// DictionaryDir holds dictionary tiers and merge checkpoints.
func (p PathsConfig) DictionaryDir() string { return filepath.Join(p.WorkDir, "dictionary") }

// CoordinatorDir holds the coordinator's archive replay cursors.
func (p PathsConfig) CoordinatorDir() string { return filepath.Join(p.WorkDir, "coordinator") }

// JobFile is the shared crawl job file.
func (p PathsConfig) JobFile() string { return filepath.Join(p.WorkDir, "crawl.json") }

// SchedulerConfig governs batch production.
type SchedulerConfig struct {
	LoopTime           time.Duration `mapstructure:"loop_time"`
	RequestBatchSize   int           `mapstructure:"request_batch_size"`
	MaxFetchSize       int           `mapstructure:"max_fetch_size"`
	MaxWaitingFraction float64       `mapstructure:"max_waiting_fraction"`
	WaitingTimeout     time.Duration `mapstructure:"waiting_timeout"`
	JamFraction        float64       `mapstructure:"jam_fraction"`
	SaveInterval       time.Duration `mapstructure:"save_interval"`
	NormalizeInterval  time.Duration `mapstructure:"normalize_interval"`
	StopWait           time.Duration `mapstructure:"stop_wait"`
}

// FrontierConfig governs the priority queue and link weighting.
type FrontierConfig struct {
	Capacity         int           `mapstructure:"capacity"`
	SeenExpected     int           `mapstructure:"seen_expected"`
	SeenFPRate       float64       `mapstructure:"seen_fp_rate"`
	CrossDomainBoost float64       `mapstructure:"cross_domain_boost"`
	LinkFarmRatio    float64       `mapstructure:"link_farm_ratio"`
	LinkFarmMinLinks int           `mapstructure:"link_farm_min_links"`
	LinkFarmDelay    time.Duration `mapstructure:"link_farm_delay"`
	NormalizeFloor   int32         `mapstructure:"normalize_floor"`
	NormalizeTarget  int32         `mapstructure:"normalize_target"`
	FragmentSize     int           `mapstructure:"fragment_size"`
	MaxLinksPerPage  int           `mapstructure:"max_links_per_page"`
	SeedWeight       int32         `mapstructure:"seed_weight"`
}

// RobotsConfig governs the robots engine.
type RobotsConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// FetcherConfig governs the fetcher process.
type FetcherConfig struct {
	CoordinatorURL       string        `mapstructure:"coordinator_url"`
	MachineURI           string        `mapstructure:"machine_uri"`
	Concurrency          int           `mapstructure:"concurrency"`
	Timeout              time.Duration `mapstructure:"timeout"`
	PerHostRPS           float64       `mapstructure:"per_host_rps"`
	PerHostBurst         int           `mapstructure:"per_host_burst"`
	LoopTime             time.Duration `mapstructure:"loop_time"`
	CrawlTimePoll        time.Duration `mapstructure:"crawl_time_poll"`
	MemoryThresholdBytes int           `mapstructure:"memory_threshold_bytes"`
	MaxBodyBytes         int           `mapstructure:"max_body_bytes"`
	UploadMaxFailures    int           `mapstructure:"upload_max_failures"`
	MaxRetries           int           `mapstructure:"max_retries"`
	BackoffInitial       time.Duration `mapstructure:"backoff_initial"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
}

// UploadConfig governs the coordinator side of uploads.
type UploadConfig struct {
	PostMaxSize      int `mapstructure:"post_max_size"`
	MinPostMaxSize   int `mapstructure:"min_post_max_size"`
	MemoryLimitBytes int `mapstructure:"memory_limit_bytes"`
}

// IndexerConfig governs shard building.
type IndexerConfig struct {
	LoopTime          time.Duration `mapstructure:"loop_time"`
	MaxDocsPerShard   int           `mapstructure:"max_docs_per_shard"`
	ForceSaveInterval time.Duration `mapstructure:"force_save_interval"`
}

// DictionaryConfig governs tier compaction.
type DictionaryConfig struct {
	MergeThreshold  int `mapstructure:"merge_threshold"`
	MaxTiers        int `mapstructure:"max_tiers"`
	CheckpointEvery int `mapstructure:"checkpoint_every"`
}

// SupervisorConfig governs role liveness checks.
type SupervisorConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StallTimeout      time.Duration `mapstructure:"stall_timeout"`
	CheckInterval     time.Duration `mapstructure:"check_interval"`
}

// StorageConfig selects the blob store used for archives and sealed shards.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the crawl registry database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	CrawlTable      string        `mapstructure:"crawl_table"`
	CheckInTable    string        `mapstructure:"checkin_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// EventsConfig selects where crawl events are published.
type EventsConfig struct {
	Publisher string `mapstructure:"publisher"`
	Topic     string `mapstructure:"topic"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// KafkaConfig holds broker addresses for the Kafka publisher.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig controls trace sampling.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DISTCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("auth.session_window", "10m")
	v.SetDefault("paths.work_dir", "./work")

	v.SetDefault("scheduler.loop_time", "5s")
	v.SetDefault("scheduler.request_batch_size", 100)
	v.SetDefault("scheduler.max_fetch_size", 5000)
	v.SetDefault("scheduler.max_waiting_fraction", 0.5)
	v.SetDefault("scheduler.waiting_timeout", "1h")
	v.SetDefault("scheduler.jam_fraction", 0.9)
	v.SetDefault("scheduler.save_interval", "5m")
	v.SetDefault("scheduler.normalize_interval", "10m")
	v.SetDefault("scheduler.stop_wait", "2m")

	v.SetDefault("frontier.capacity", 200000)
	v.SetDefault("frontier.seen_expected", 10000000)
	v.SetDefault("frontier.seen_fp_rate", 0.001)
	v.SetDefault("frontier.cross_domain_boost", 2.0)
	v.SetDefault("frontier.link_farm_ratio", 0.1)
	v.SetDefault("frontier.link_farm_min_links", 20)
	v.SetDefault("frontier.link_farm_delay", "60s")
	v.SetDefault("frontier.normalize_floor", 64)
	v.SetDefault("frontier.normalize_target", 1<<20)
	v.SetDefault("frontier.fragment_size", 10000)
	v.SetDefault("frontier.max_links_per_page", 500)
	v.SetDefault("frontier.seed_weight", 1<<20)

	v.SetDefault("robots.user_agent", "distcrawl-bot/0.1")
	v.SetDefault("robots.ttl", "24h")

	v.SetDefault("fetcher.coordinator_url", "http://localhost:8080/")
	v.SetDefault("fetcher.concurrency", 16)
	v.SetDefault("fetcher.timeout", "15s")
	v.SetDefault("fetcher.per_host_rps", 0)
	v.SetDefault("fetcher.per_host_burst", 1)
	v.SetDefault("fetcher.loop_time", "5s")
	v.SetDefault("fetcher.crawl_time_poll", "30s")
	v.SetDefault("fetcher.memory_threshold_bytes", 64<<20)
	v.SetDefault("fetcher.max_body_bytes", 2<<20)
	v.SetDefault("fetcher.upload_max_failures", 3)
	v.SetDefault("fetcher.max_retries", 5)
	v.SetDefault("fetcher.backoff_initial", "500ms")
	v.SetDefault("fetcher.backoff_max", "30s")

	v.SetDefault("upload.post_max_size", 2<<20)
	v.SetDefault("upload.min_post_max_size", 64<<10)
	v.SetDefault("upload.memory_limit_bytes", 1<<30)

	v.SetDefault("indexer.loop_time", "2s")
	v.SetDefault("indexer.max_docs_per_shard", 40000)
	v.SetDefault("indexer.force_save_interval", "5m")

	v.SetDefault("dictionary.merge_threshold", 8)
	v.SetDefault("dictionary.max_tiers", 32)
	v.SetDefault("dictionary.checkpoint_every", 100000)

	v.SetDefault("supervisor.enabled", true)
	v.SetDefault("supervisor.heartbeat_interval", "10s")
	v.SetDefault("supervisor.stall_timeout", "10m")
	v.SetDefault("supervisor.check_interval", "1m")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "./work/blobs")
	v.SetDefault("storage.prefix", "distcrawl")

	v.SetDefault("db.crawl_table", "crawls")
	v.SetDefault("db.checkin_table", "fetcher_checkins")
	v.SetDefault("events.publisher", "none")
	v.SetDefault("events.topic", "distcrawl-events")

	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "distcrawl")
	v.SetDefault("telemetry.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		return fmt.Errorf("paths.work_dir must be set")
	}
	if c.Scheduler.LoopTime <= 0 {
		return fmt.Errorf("scheduler.loop_time must be > 0")
	}
	if c.Scheduler.RequestBatchSize <= 0 {
		return fmt.Errorf("scheduler.request_batch_size must be > 0")
	}
	if c.Scheduler.MaxFetchSize < c.Scheduler.RequestBatchSize {
		return fmt.Errorf("scheduler.max_fetch_size must be >= scheduler.request_batch_size")
	}
	if c.Scheduler.MaxWaitingFraction <= 0 || c.Scheduler.MaxWaitingFraction > 1 {
		return fmt.Errorf("scheduler.max_waiting_fraction must be in (0, 1]")
	}
	if c.Scheduler.WaitingTimeout <= 0 || c.Scheduler.WaitingTimeout > time.Hour {
		return fmt.Errorf("scheduler.waiting_timeout must be in (0, 1h]")
	}
	if c.Frontier.Capacity <= 0 {
		return fmt.Errorf("frontier.capacity must be > 0")
	}
	if c.Frontier.CrossDomainBoost < 1 {
		return fmt.Errorf("frontier.cross_domain_boost must be >= 1")
	}
	if c.Frontier.LinkFarmRatio < 0 || c.Frontier.LinkFarmRatio > 1 {
		return fmt.Errorf("frontier.link_farm_ratio must be in [0, 1]")
	}
	if c.Upload.MinPostMaxSize <= 0 || c.Upload.PostMaxSize < c.Upload.MinPostMaxSize {
		return fmt.Errorf("upload.post_max_size must be >= upload.min_post_max_size > 0")
	}
	if c.Indexer.MaxDocsPerShard <= 0 {
		return fmt.Errorf("indexer.max_docs_per_shard must be > 0")
	}
	if c.Dictionary.MergeThreshold < 2 {
		return fmt.Errorf("dictionary.merge_threshold must be >= 2")
	}
	if c.Dictionary.MaxTiers <= c.Dictionary.MergeThreshold {
		return fmt.Errorf("dictionary.max_tiers must be > dictionary.merge_threshold")
	}
	if c.Fetcher.Concurrency <= 0 {
		return fmt.Errorf("fetcher.concurrency must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be in [0, 1]")
	}
	switch c.Storage.Backend {
	case "local", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be one of local, gcs, memory")
	}
	switch c.Events.Publisher {
	case "none", "memory", "log":
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set for the pubsub publisher")
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.brokers and kafka.topic must be set for the kafka publisher")
		}
	default:
		return fmt.Errorf("events.publisher must be one of none, log, memory, pubsub, kafka")
	}
	return nil
}

// RequireSecret checks the shared session secret needed by the coordinator
// endpoint and fetchers.
func (c Config) RequireSecret() error {
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("auth.secret must be set")
	}
	return nil
}
