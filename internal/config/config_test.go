package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.LoopTime != 5*time.Second {
		t.Fatalf("expected default loop time 5s, got %v", cfg.Scheduler.LoopTime)
	}
	if cfg.Scheduler.WaitingTimeout != time.Hour {
		t.Fatalf("expected default waiting timeout 1h, got %v", cfg.Scheduler.WaitingTimeout)
	}
	if cfg.Robots.TTL != 24*time.Hour {
		t.Fatalf("expected robots ttl 24h, got %v", cfg.Robots.TTL)
	}
	if cfg.Frontier.LinkFarmRatio != 0.1 {
		t.Fatalf("expected link farm ratio 0.1, got %v", cfg.Frontier.LinkFarmRatio)
	}
	if err := cfg.RequireSecret(); err == nil {
		t.Fatal("expected missing secret to be reported")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  secret: s3cret
paths:
  work_dir: /var/lib/distcrawl
scheduler:
  loop_time: 10s
  request_batch_size: 20
  max_fetch_size: 400
frontier:
  link_farm_ratio: 0.25
  link_farm_min_links: 8
fetcher:
  coordinator_url: http://coord:8080/
  concurrency: 4
upload:
  post_max_size: 1048576
dictionary:
  merge_threshold: 4
  max_tiers: 10
storage:
  backend: gcs
  gcs_bucket: crawl-archive
events:
  publisher: kafka
kafka:
  brokers: ["k1:9092", "k2:9092"]
  topic: crawl-events
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if err := cfg.RequireSecret(); err != nil {
		t.Fatalf("expected secret to be set: %v", err)
	}
	if cfg.Scheduler.LoopTime != 10*time.Second || cfg.Scheduler.RequestBatchSize != 20 {
		t.Fatalf("expected scheduler overrides to apply: %+v", cfg.Scheduler)
	}
	if cfg.Frontier.LinkFarmMinLinks != 8 {
		t.Fatalf("expected link farm overrides to apply")
	}
	if got := cfg.Paths.BatchDir(); got != "/var/lib/distcrawl/batches" {
		t.Fatalf("unexpected batch dir %q", got)
	}
	if got := cfg.Paths.MailboxDir("indexer"); got != "/var/lib/distcrawl/messages/indexer" {
		t.Fatalf("unexpected mailbox dir %q", got)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Logging.Development {
		t.Fatalf("expected kafka and logging overrides to apply")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"batch larger than fetch size", func(c *Config) { c.Scheduler.MaxFetchSize = 1 }, "scheduler.max_fetch_size"},
		{"waiting timeout over an hour", func(c *Config) { c.Scheduler.WaitingTimeout = 2 * time.Hour }, "scheduler.waiting_timeout"},
		{"boost below one", func(c *Config) { c.Frontier.CrossDomainBoost = 0.5 }, "frontier.cross_domain_boost"},
		{"post size below minimum", func(c *Config) { c.Upload.PostMaxSize = 1 }, "upload.post_max_size"},
		{"tiers not above threshold", func(c *Config) { c.Dictionary.MaxTiers = c.Dictionary.MergeThreshold }, "dictionary.max_tiers"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.gcs_bucket"},
		{"sample ratio above one", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, "telemetry.sample_ratio"},
		{"unknown publisher", func(c *Config) { c.Events.Publisher = "carrier-pigeon" }, "events.publisher"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
