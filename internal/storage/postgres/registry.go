// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/distcrawl/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RegistryConfig controls the Postgres connection pool used by the crawl
// registry.
type RegistryConfig struct {
	DSN             string
	CrawlTable      string
	CheckInTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Registry records crawl jobs and fetcher check-ins in Postgres.
type Registry struct {
	pool     pool
	crawls   string
	checkIns string
}

// NewRegistry connects to Postgres using cfg.
func NewRegistry(ctx context.Context, cfg RegistryConfig) (*Registry, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	reg, err := NewRegistryWithPool(p, cfg.CrawlTable, cfg.CheckInTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return reg, nil
}

// NewRegistryWithPool constructs a registry from an existing pool (primarily for testing).
func NewRegistryWithPool(p pool, crawlTable, checkInTable string) (*Registry, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if crawlTable == "" {
		crawlTable = "crawls"
	}
	if checkInTable == "" {
		checkInTable = "fetcher_checkins"
	}
	for _, table := range []string{crawlTable, checkInTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Registry{pool: p, crawls: crawlTable, checkIns: checkInTable}, nil
}

// Close releases the underlying pool resources.
func (r *Registry) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// EnsureSchema creates the registry tables if they do not exist.
func (r *Registry) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	crawl_time    BIGINT PRIMARY KEY,
	crawl_order   TEXT NOT NULL,
	max_depth     INTEGER NOT NULL,
	robots_policy TEXT NOT NULL,
	params        JSONB NOT NULL,
	modified_at   TIMESTAMPTZ NOT NULL
)`, r.crawls),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	robot_instance TEXT PRIMARY KEY,
	machine_uri    TEXT NOT NULL DEFAULT '',
	crawl_time     BIGINT NOT NULL,
	seen_at        TIMESTAMPTZ NOT NULL
)`, r.checkIns),
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create registry schema: %w", err)
		}
	}
	return nil
}

// RecordCrawl upserts job. An older version never overwrites a newer one.
func (r *Registry) RecordCrawl(ctx context.Context, job crawler.CrawlJob) error {
	params, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal crawl job: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (crawl_time, crawl_order, max_depth, robots_policy, params, modified_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (crawl_time) DO UPDATE
SET crawl_order = EXCLUDED.crawl_order,
	max_depth = EXCLUDED.max_depth,
	robots_policy = EXCLUDED.robots_policy,
	params = EXCLUDED.params,
	modified_at = EXCLUDED.modified_at
WHERE %[1]s.modified_at < EXCLUDED.modified_at`, r.crawls)
	_, err = r.pool.Exec(ctx, query,
		job.CrawlTime,
		string(job.Order),
		job.MaxDepth,
		string(job.RobotsPolicy),
		params,
		job.ModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert crawl: %w", err)
	}
	return nil
}

// RecordCheckIn keeps the latest check-in per robot instance.
func (r *Registry) RecordCheckIn(ctx context.Context, c crawler.FetcherCheckIn) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (robot_instance, machine_uri, crawl_time, seen_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (robot_instance) DO UPDATE
SET machine_uri = EXCLUDED.machine_uri,
	crawl_time = EXCLUDED.crawl_time,
	seen_at = EXCLUDED.seen_at
WHERE %[1]s.seen_at < EXCLUDED.seen_at`, r.checkIns)
	if _, err := r.pool.Exec(ctx, query, c.RobotInstance, c.MachineURI, c.CrawlTime, c.SeenAt); err != nil {
		return fmt.Errorf("upsert fetcher check-in: %w", err)
	}
	return nil
}

// ListCheckIns returns fetchers seen at or after since, most recent first.
func (r *Registry) ListCheckIns(ctx context.Context, since time.Time) ([]crawler.FetcherCheckIn, error) {
	query := fmt.Sprintf(`
SELECT robot_instance, machine_uri, crawl_time, seen_at
FROM %s
WHERE seen_at >= $1
ORDER BY seen_at DESC, robot_instance`, r.checkIns)
	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("list fetcher check-ins: %w", err)
	}
	defer rows.Close()

	var out []crawler.FetcherCheckIn
	for rows.Next() {
		var c crawler.FetcherCheckIn
		if err := rows.Scan(&c.RobotInstance, &c.MachineURI, &c.CrawlTime, &c.SeenAt); err != nil {
			return nil, fmt.Errorf("scan fetcher check-in: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fetcher check-ins: %w", err)
	}
	return out, nil
}
