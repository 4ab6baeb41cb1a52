package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/ingest"
	"github.com/JakeFAU/distcrawl/internal/logging"
	"github.com/JakeFAU/distcrawl/internal/messages"
	"github.com/JakeFAU/distcrawl/internal/protocol"
	"github.com/JakeFAU/distcrawl/internal/storage/memory"
)

type runnerFixture struct {
	runner *Runner
	job    *crawler.JobState
	blobs  *memory.BlobStore
	status *messages.StatusBoard
	inbox  string
	root   string
}

func newRunnerFixture(t *testing.T, crawlTime int64) *runnerFixture {
	t.Helper()
	root := t.TempDir()
	fx := &runnerFixture{
		job:    crawler.NewJobState(crawler.CrawlJob{CrawlTime: crawlTime, ModifiedAt: t0}),
		blobs:  memory.NewBlobStore(),
		status: messages.NewStatusBoard(filepath.Join(root, "status")),
		inbox:  filepath.Join(root, "inbox", "index"),
		root:   root,
	}
	r, err := NewRunner(LoopConfig{
		Dir:               filepath.Join(root, "index"),
		DictionaryDir:     filepath.Join(root, "dictionary"),
		InboxDir:          fx.inbox,
		LoopTime:          10 * time.Millisecond,
		ForceSaveInterval: time.Minute,
		MaxDocsPerShard:   2,
	}, RunnerDeps{
		Job:       fx.job,
		Status:    fx.status,
		Heartbeat: logging.NewHeartbeat(filepath.Join(root, "heartbeat", Role), time.Millisecond),
		Blobs:     fx.blobs,
		Clock:     fixedClock{},
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	fx.runner = r
	t.Cleanup(func() { fx.runner.closeBuilder(false) })
	return fx
}

func (fx *runnerFixture) deliver(t *testing.T, crawlTime int64, sums ...protocol.Summary) {
	t.Helper()
	archive, err := protocol.EncodeArchive(protocol.UploadData{
		Meta:  protocol.UploadMeta{CrawlTime: crawlTime, RobotInstance: "fetcher-1", CreatedAt: t0},
		Index: sums,
	})
	require.NoError(t, err)
	_, err = ingest.Deliver(archive, "fetcher-1", time.Now(), fx.inbox)
	require.NoError(t, err)
}

func TestRunnerIngestsAndArchives(t *testing.T) {
	t.Parallel()
	fx := newRunnerFixture(t, 42)
	fx.deliver(t, 42, summary("https://a.example/", "Index me", "searchable words"))

	require.NoError(t, fx.runner.Tick(context.Background(), nil))
	b := fx.runner.Builder()
	require.NotNil(t, b)
	require.Equal(t, 1, b.OpenDocs())
	hits, err := b.Lookup("searchable")
	require.NoError(t, err)
	require.Len(t, hits, 1)

	keys, err := fx.blobs.List(context.Background(), ingest.ArchivePrefix(42))
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, filepath.Join(fx.root, "index", "42"), b.opts.Dir)
	require.Equal(t, filepath.Join(fx.root, "dictionary", "42"), b.opts.DictionaryDir)
}

func TestRunnerSwitchesCrawlOnParams(t *testing.T) {
	t.Parallel()
	fx := newRunnerFixture(t, 42)
	require.NoError(t, fx.runner.Tick(context.Background(), nil))
	require.Equal(t, int64(42), fx.runner.Builder().opts.CrawlTime)

	next := crawler.CrawlJob{CrawlTime: 43, ModifiedAt: t0.Add(time.Minute)}
	require.NoError(t, fx.runner.Tick(context.Background(), []messages.Message{{Kind: messages.KindParams, Job: &next}}))
	require.Equal(t, int64(43), fx.runner.Builder().opts.CrawlTime)
}

func TestRunnerStopFlushes(t *testing.T) {
	t.Parallel()
	fx := newRunnerFixture(t, 42)
	fx.deliver(t, 42,
		summary("https://a.example/", "One", "alpha"),
		summary("https://b.example/", "Two", "beta"),
		summary("https://c.example/", "Three", "gamma"),
	)
	require.NoError(t, fx.runner.Tick(context.Background(), nil))
	dir := fx.runner.Builder().opts.Dir

	err := fx.runner.Tick(context.Background(), []messages.Message{{Kind: messages.KindStop}})
	require.ErrorIs(t, err, errStopped)
	require.Nil(t, fx.runner.Builder())

	status, err := fx.status.Get(Role)
	require.NoError(t, err)
	require.Equal(t, messages.StatusFlushed, status)

	reopened := openBuilder(t, dir, Options{DictionaryDir: filepath.Join(fx.root, "dictionary", "42")}, Deps{})
	require.Zero(t, reopened.OpenDocs())
	require.Equal(t, 1, reopened.Dictionary().TierCount())
	hits, err := reopened.Lookup("gamma")
	require.NoError(t, err)
	require.Len(t, hits, 1)
}
