// Package main hosts the distcrawl entrypoint.
//
// Architecture overview:
//   - Coordinator: `distcrawl coordinator` runs the scheduler loop, the indexer loop and the HTTP endpoint in one
//     process under the supervisor. `scheduler`, `indexer` and `server` run one role each; `supervise` runs them as
//     child processes instead.
//   - Scheduler: keeps the frontier, the seen filter and the robots table, ingests the schedule inbox and writes one
//     fetch batch at a time to the batch directory.
//   - Fetch protocol: fetchers authenticate with an HMAC session token derived from the shared secret, poll
//     crawlTime, claim the batch with schedule, and upload the zstd archive in hashed parts. The endpoint answers
//     CONTINUE or REDO and lowers post_max_size when the heap is under pressure.
//   - Indexer: ingests the index inbox into per-generation shards, seals them, adds one dictionary tier per sealed
//     generation and merges tiers in the background with checkpoints.
//   - Control: roles exchange messages through per-role mailbox directories. `distcrawl crawl start|update|stop`
//     writes to them; a role flushes its state and exits on stop.
//   - Plumbing: Viper config (DISTCRAWL_* env overrides), zap logging with per-role heartbeats, Prometheus metrics on
//     /metrics, crawl events fanned out to log, Pub/Sub or Kafka, archives and shards mirrored to a local or GCS
//     blob store, and crawl/check-in records in Postgres when a DSN is set.
//
// Quick checklist:
//   - Set auth.secret (DISTCRAWL_AUTH_SECRET) on the coordinator and every fetcher.
//   - Run locally: distcrawl coordinator --config config.yaml, then distcrawl fetcher --config config.yaml and
//     distcrawl crawl start --seed https://example.org/.
//   - Inspect output: distcrawl inspect shard work/index/<crawl>/gen-000001.shard --word example.
package main
