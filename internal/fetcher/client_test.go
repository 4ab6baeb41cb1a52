package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/coordinator"
	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/fetcher/process"
	"github.com/JakeFAU/distcrawl/internal/hash/sha256"
	"github.com/JakeFAU/distcrawl/internal/protocol"
	"github.com/JakeFAU/distcrawl/internal/scheduler"
)

const e2eSecret = "e2e-secret"

type endpoint struct {
	url     string
	batches *scheduler.BatchStore
	opts    coordinator.Options
}

func startCoordinator(t *testing.T) *endpoint {
	t.Helper()
	root := t.TempDir()
	jobFile := crawler.NewJobFile(filepath.Join(root, "job.json"))
	require.NoError(t, jobFile.Write(crawler.CrawlJob{
		CrawlTime:  42,
		Seeds:      []string{"https://a.org/"},
		ModifiedAt: time.Unix(100, 0).UTC(),
	}))
	ep := &endpoint{batches: scheduler.NewBatchStore(filepath.Join(root, "batch"))}
	ep.opts = coordinator.Options{
		Secret:        e2eSecret,
		SessionWindow: time.Minute,
		PostMaxSize:   2048,
		PartialDir:    filepath.Join(root, "partial"),
		ScheduleInbox: filepath.Join(root, "schedule-inbox"),
		IndexInbox:    filepath.Join(root, "index-inbox"),
		StateDir:      filepath.Join(root, "state"),
	}
	srv, err := coordinator.NewServer(ep.opts, coordinator.Deps{
		Batches: ep.batches,
		JobFile: jobFile,
		Hasher:  sha256.New(),
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	ep.url = ts.URL
	return ep
}

func TestClientHandshake(t *testing.T) {
	t.Parallel()
	ep := startCoordinator(t)
	client := NewClient(ClientConfig{BaseURL: ep.url, Secret: e2eSecret, RobotInstance: "robot-1"}, nil, nil)

	resp, err := client.CrawlTime(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, int64(42), resp.CrawlTime)
	require.True(t, resp.Active)
	require.Equal(t, 2048, resp.PostMaxSize)

	_, ok, err := client.Schedule(context.Background(), 42)
	require.NoError(t, err)
	require.False(t, ok, "no batch written yet")
}

func TestClientRejectedSessionIsPermanent(t *testing.T) {
	t.Parallel()
	ep := startCoordinator(t)
	client := NewClient(ClientConfig{BaseURL: ep.url, Secret: "wrong", RobotInstance: "robot-1"}, nil, nil)

	_, err := client.CrawlTime(context.Background(), 0)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.ErrorIs(t, err, crawler.ErrPermanent)
	require.False(t, crawler.NewExponentialRetryPolicy().ShouldRetry(err, 0))
}

func TestClientRejectsSkewedClock(t *testing.T) {
	t.Parallel()
	ep := startCoordinator(t)
	skewed := fixedClock{now: time.Now().Add(-time.Hour)}
	client := NewClient(ClientConfig{BaseURL: ep.url, Secret: e2eSecret, RobotInstance: "robot-1"}, nil, skewed)

	_, _, err := client.Schedule(context.Background(), 42)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAgentEndToEnd(t *testing.T) {
	t.Parallel()
	ep := startCoordinator(t)
	require.NoError(t, ep.batches.Write(
		protocol.BatchMeta{BatchID: "b1", CrawlTime: 42, MaxDepth: 3},
		[]protocol.Slot{
			{URL: "https://a.org/robots.txt", Flag: protocol.FlagRobot},
			{URL: "https://a.org/", Weight: 50},
		},
	))

	hasher := sha256.New()
	client := NewClient(ClientConfig{
		BaseURL:       ep.url,
		Secret:        e2eSecret,
		RobotInstance: "robot-1",
		MachineURI:    "http://fetcher-1",
		Timeout:       5 * time.Second,
	}, nil, nil)
	down := &fakeDownloader{pages: map[string]crawler.FetchResponse{
		"https://a.org/robots.txt": {StatusCode: http.StatusOK, Body: []byte("User-agent: *\nDisallow: /private\n")},
		"https://a.org/":           htmlPage(`<title>Start</title><a href="/about">about</a><a href="https://b.org/">b</a>`),
	}}
	agent, err := NewAgent(Config{RobotInstance: "robot-1", MachineURI: "http://fetcher-1"}, Deps{
		Coordinator: client,
		Uploader:    NewUploader(client, hasher, crawler.NewRetryPolicy(2, time.Millisecond, time.Millisecond), UploaderConfig{}, zap.NewNop()),
		Downloader:  down,
		Extractor:   process.Default(),
		Hasher:      hasher,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)

	require.NoError(t, agent.Tick(context.Background()))
	require.False(t, ep.batches.Pending())

	for _, dir := range []string{ep.opts.ScheduleInbox, ep.opts.IndexInbox} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
		require.NoError(t, err)
		data, err := protocol.DecodeArchive(raw)
		require.NoError(t, err)

		require.Equal(t, int64(42), data.Meta.CrawlTime)
		require.Equal(t, "robot-1", data.Meta.RobotInstance)
		require.Equal(t, "b1", data.Schedule.BatchID)
		require.Len(t, data.Robots, 1)
		require.Len(t, data.Index, 1)
		require.Equal(t, "Start", data.Index[0].Title)
		require.Len(t, data.Schedule.Found, 1)
		require.ElementsMatch(t, []string{"https://a.org/about", "https://b.org/"}, data.Schedule.Found[0].Links)
	}
}
