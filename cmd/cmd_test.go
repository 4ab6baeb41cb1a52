package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/app"
	"github.com/JakeFAU/distcrawl/internal/config"
	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/dictionary"
	"github.com/JakeFAU/distcrawl/internal/index"
	"github.com/JakeFAU/distcrawl/internal/messages"
	"github.com/JakeFAU/distcrawl/internal/protocol"
	"github.com/JakeFAU/distcrawl/internal/scheduler"
)

var t0 = time.Unix(1700000000, 0).UTC()

func TestMain(m *testing.M) {
	now = func() time.Time { return t0 }
	newApp = func(ctx context.Context, cfg config.Config, role string) (*app.App, error) {
		return app.Build(ctx, cfg, app.Options{
			Role:        role,
			Logger:      zap.NewNop(),
			Registerer:  prometheus.NewRegistry(),
			SkipTracing: true,
		})
	}
	os.Exit(m.Run())
}

// workspace writes a config rooted in a fresh work directory.
func workspace(t *testing.T) (string, config.PathsConfig) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "paths:\n  work_dir: " + filepath.Join(dir, "work") + "\n" +
		"storage:\n  backend: memory\n" +
		"events:\n  publisher: none\n" +
		"logging:\n  development: false\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, config.PathsConfig{WorkDir: filepath.Join(dir, "work")}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func receive(t *testing.T, paths config.PathsConfig, role string) []messages.Message {
	t.Helper()
	msgs, err := messages.NewMailbox(paths.MailboxDir(role), nil).Receive()
	require.NoError(t, err)
	return msgs
}

func TestCrawlStartWritesJobAndNotifiesRoles(t *testing.T) {
	t.Parallel()
	cfgPath, paths := workspace(t)

	out, err := runCLI(t, "--config", cfgPath, "crawl", "start",
		"--seed", "https://a.org/", "--seed", "https://b.org/news",
		"--quota", "a.org=10", "--robots", "ignore", "--max-depth", "4")
	require.NoError(t, err)
	require.Contains(t, out, "1700000000")

	job, ok, err := crawler.NewJobFile(paths.JobFile()).Read()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1700000000), job.CrawlTime)
	require.Equal(t, []string{"https://a.org/", "https://b.org/news"}, job.Seeds)
	require.Equal(t, crawler.OrderPageImportance, job.Order)
	require.Equal(t, crawler.RobotsIgnore, job.RobotsPolicy)
	require.Equal(t, 4, job.MaxDepth)
	require.Equal(t, []crawler.QuotaSite{{Pattern: "a.org", QuotaPerHour: 10}}, job.QuotaSites)

	for _, role := range controlRoles {
		msgs := receive(t, paths, role)
		require.Len(t, msgs, 1, role)
		require.Equal(t, messages.KindParams, msgs[0].Kind)
		require.NotNil(t, msgs[0].Job)
		require.Equal(t, job.CrawlTime, msgs[0].Job.CrawlTime)
	}
}

func TestCrawlStartRejectsBadInput(t *testing.T) {
	t.Parallel()
	cfgPath, paths := workspace(t)

	_, err := runCLI(t, "--config", cfgPath, "crawl", "start")
	require.ErrorContains(t, err, "at least one seed")

	_, err = runCLI(t, "--config", cfgPath, "crawl", "start", "--seed", "https://a.org/", "--order", "random")
	require.ErrorContains(t, err, "unknown crawl order")

	_, err = runCLI(t, "--config", cfgPath, "crawl", "start", "--seed", "https://a.org/", "--quota", "a.org")
	require.ErrorContains(t, err, "pattern=count")

	_, err = runCLI(t, "--config", cfgPath, "crawl", "start", "--seed", "ftp://a.org/")
	require.ErrorContains(t, err, "unsupported scheme")

	_, ok, err := crawler.NewJobFile(paths.JobFile()).Read()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCrawlUpdateKeepsUnsetFields(t *testing.T) {
	t.Parallel()
	cfgPath, paths := workspace(t)

	_, err := runCLI(t, "--config", cfgPath, "crawl", "start", "--seed", "https://a.org/", "--restrict", "a.org")
	require.NoError(t, err)
	_, err = runCLI(t, "--config", cfgPath, "crawl", "update", "--max-depth", "2", "--order", "breadth_first")
	require.NoError(t, err)

	job, _, err := crawler.NewJobFile(paths.JobFile()).Read()
	require.NoError(t, err)
	require.Equal(t, int64(1700000000), job.CrawlTime)
	require.Equal(t, 2, job.MaxDepth)
	require.Equal(t, crawler.OrderBreadthFirst, job.Order)
	require.Equal(t, []string{"https://a.org/"}, job.Seeds)
	require.Equal(t, []string{"a.org"}, job.RestrictSites)
	require.True(t, job.ModifiedAt.After(t0))

	msgs := receive(t, paths, scheduler.Role)
	require.Len(t, msgs, 2)
	require.True(t, msgs[1].Job.ModifiedAt.After(msgs[0].Job.ModifiedAt))
}

func TestCrawlUpdateWithoutCrawl(t *testing.T) {
	t.Parallel()
	cfgPath, _ := workspace(t)

	_, err := runCLI(t, "--config", cfgPath, "crawl", "update", "--max-depth", "2")
	require.ErrorContains(t, err, "no crawl is running")
}

func TestCrawlStopWaitsForFlush(t *testing.T) {
	t.Parallel()
	cfgPath, paths := workspace(t)
	board := messages.NewStatusBoard(paths.StatusDir())
	for _, role := range controlRoles {
		require.NoError(t, board.Set(role, messages.StatusFlushed))
	}

	out, err := runCLI(t, "--config", cfgPath, "crawl", "stop", "--wait", "1s")
	require.NoError(t, err)
	require.Contains(t, out, "flushed")
	for _, role := range controlRoles {
		msgs := receive(t, paths, role)
		require.Len(t, msgs, 1)
		require.Equal(t, messages.KindStop, msgs[0].Kind)
	}
}

func TestCrawlStopTimesOut(t *testing.T) {
	t.Parallel()
	cfgPath, _ := workspace(t)

	_, err := runCLI(t, "--config", cfgPath, "crawl", "stop", "--wait", "50ms")
	require.ErrorContains(t, err, "did not flush")
}

func TestCrawlStatus(t *testing.T) {
	t.Parallel()
	cfgPath, paths := workspace(t)
	_, err := runCLI(t, "--config", cfgPath, "crawl", "start", "--seed", "https://a.org/")
	require.NoError(t, err)
	require.NoError(t, messages.NewStatusBoard(paths.StatusDir()).Set(scheduler.Role, messages.StatusRunning))

	out, err := runCLI(t, "--config", cfgPath, "crawl", "status")
	require.NoError(t, err)
	var status crawlStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	require.NotNil(t, status.Job)
	require.Equal(t, int64(1700000000), status.Job.CrawlTime)
	require.Equal(t, messages.StatusRunning, status.Roles[scheduler.Role])
	require.Empty(t, status.Roles[index.Role])
}

func TestInspectTier(t *testing.T) {
	t.Parallel()
	cfgPath, _ := workspace(t)
	apple, ok := index.QueryHash("apple")
	require.True(t, ok)
	pear, ok := index.QueryHash("pear")
	require.True(t, ok)

	records := []dictionary.Record{
		{WordHash: apple, Gen: 1, PostingCount: 2, FirstOffset: 0, LastOffset: 64},
		{WordHash: pear, Gen: 1, PostingCount: 1, FirstOffset: 64, LastOffset: 96},
	}
	dictionary.SortRecords(records)
	path := filepath.Join(t.TempDir(), dictionary.TierName(0, 1, 1))
	require.NoError(t, dictionary.WriteTier(path, 0, 1, 1, records))

	out, err := runCLI(t, "--config", cfgPath, "inspect", "tier", path)
	require.NoError(t, err)
	var all tierSummary
	require.NoError(t, json.Unmarshal([]byte(out), &all))
	require.Equal(t, int64(2), all.Count)
	require.Equal(t, records, all.Records)

	out, err = runCLI(t, "--config", cfgPath, "inspect", "tier", path, "--word", "Apple")
	require.NoError(t, err)
	var one tierSummary
	require.NoError(t, json.Unmarshal([]byte(out), &one))
	require.Len(t, one.Records, 1)
	require.Equal(t, apple, one.Records[0].WordHash)
	require.Equal(t, uint32(2), one.Records[0].PostingCount)
}

func TestInspectShard(t *testing.T) {
	t.Parallel()
	cfgPath, _ := workspace(t)
	dir := t.TempDir()

	b, err := index.Open(index.Options{Dir: dir, MaxDocsPerShard: 10, CrawlTime: 42}, index.Deps{Logger: zap.NewNop()})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = b.AddSummaries(ctx, []protocol.Summary{
		{URL: "https://a.org/", URLHash: crawler.URLHash("https://a.org/"), Title: "Apple harvest",
			Text: "apple pie and apple juice", ContentHash: "h1", StatusCode: 200, FetchedAt: t0},
		{URL: "https://b.org/", URLHash: crawler.URLHash("https://b.org/"), Title: "Pears",
			Text: "pear season", ContentHash: "h2", StatusCode: 200, FetchedAt: t0},
	})
	require.NoError(t, err)
	require.NoError(t, b.Seal(ctx))
	b.WaitMerge()
	require.NoError(t, b.Close())

	path := filepath.Join(dir, index.ShardName(1))
	out, err := runCLI(t, "--config", cfgPath, "inspect", "shard", path)
	require.NoError(t, err)
	var docs shardSummary
	require.NoError(t, json.Unmarshal([]byte(out), &docs))
	require.Equal(t, uint32(1), docs.Gen)
	require.Equal(t, 2, docs.DocCount)
	require.Len(t, docs.Docs, 2)

	out, err = runCLI(t, "--config", cfgPath, "inspect", "shard", path, "--word", "apple")
	require.NoError(t, err)
	var hits shardSummary
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	require.Len(t, hits.Hits, 1)
	require.Equal(t, "https://a.org/", hits.Hits[0].URL)
	// Title and body occurrences both count.
	require.Equal(t, uint32(3), hits.Hits[0].Posting.Freq)
	require.Equal(t, uint32(1), hits.Hits[0].Posting.TitleHits)
}

func TestInspectMissingFile(t *testing.T) {
	t.Parallel()
	cfgPath, _ := workspace(t)

	_, err := runCLI(t, "--config", cfgPath, "inspect", "shard", filepath.Join(t.TempDir(), "gen-000009.shard"))
	require.Error(t, err)
	_, err = runCLI(t, "--config", cfgPath, "inspect", "tier")
	require.Error(t, err)
}

func TestSuperviseRejectsUnknownRole(t *testing.T) {
	t.Parallel()
	cfgPath, _ := workspace(t)

	_, err := runCLI(t, "--config", cfgPath, "supervise", "--roles", "scheduler,janitor")
	require.ErrorContains(t, err, "unknown role")
}

func TestRoleCommandsNeedSecret(t *testing.T) {
	t.Parallel()
	cfgPath, _ := workspace(t)

	for _, role := range []string{"coordinator", "server", "fetcher"} {
		_, err := runCLI(t, "--config", cfgPath, role)
		require.ErrorContains(t, err, "auth.secret", role)
	}
}
