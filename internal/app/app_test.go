package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/distcrawl/internal/config"
	"github.com/JakeFAU/distcrawl/internal/events"
	"github.com/JakeFAU/distcrawl/internal/logging"
	memorypublisher "github.com/JakeFAU/distcrawl/internal/publisher/memory"
	localstorage "github.com/JakeFAU/distcrawl/internal/storage/local"
	memorystorage "github.com/JakeFAU/distcrawl/internal/storage/memory"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Paths.WorkDir = t.TempDir()
	cfg.Storage.Backend = "memory"
	cfg.Events.Publisher = "none"
	return cfg
}

func testOptions() Options {
	return Options{
		Role:        "test",
		Logger:      zap.NewNop(),
		Registerer:  prometheus.NewRegistry(),
		SkipTracing: true,
	}
}

func TestBuildMemoryBackends(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	a, err := Build(context.Background(), cfg, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	require.IsType(t, &memorystorage.BlobStore{}, a.Blobs())
	require.IsType(t, &memorystorage.Registry{}, a.Registry())
	require.Nil(t, a.Publisher())
	require.NotNil(t, a.Events())
	require.Equal(t, cfg.Paths.WorkDir, a.Config().Paths.WorkDir)
}

func TestBuildLocalStorage(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Storage.Backend = "local"
	cfg.Storage.LocalDir = filepath.Join(t.TempDir(), "blobs")

	a, err := Build(context.Background(), cfg, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	require.IsType(t, &localstorage.BlobStore{}, a.Blobs())
	require.DirExists(t, cfg.Storage.LocalDir)
}

func TestBuildPublishesEvents(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Events.Publisher = "memory"

	a, err := Build(context.Background(), cfg, testOptions())
	require.NoError(t, err)
	pub, ok := a.Publisher().(*memorypublisher.Publisher)
	require.True(t, ok)

	a.Events().Emit(events.New(events.KindBatchProduced, 42, time.Now()))
	require.NoError(t, a.Close(context.Background()))

	msgs := pub.Messages(cfg.Events.Topic + "." + string(events.KindBatchProduced))
	require.Len(t, msgs, 1)
	var evt events.Event
	require.NoError(t, msgs[0].Decode(&evt))
	require.Equal(t, int64(42), evt.CrawlTime)
	require.Equal(t, "test", evt.Role)
}

func TestBuildRejectsBadPostgresDSN(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.DB.DSN = "postgres://%zz"

	_, err := Build(context.Background(), cfg, testOptions())
	require.Error(t, err)
	require.Contains(t, err.Error(), "crawl registry init failed")
}

func TestRoleLoggerTouchesHeartbeat(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Supervisor.HeartbeatInterval = time.Millisecond

	opts := testOptions()
	opts.Logger = zaptest.NewLogger(t)
	a, err := Build(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	logger, hb := a.RoleLogger("indexer")
	require.Equal(t, a.HeartbeatPath("indexer"), hb.Path())
	logger.Info("tick")

	_, ok := logging.LastBeat(a.HeartbeatPath("indexer"))
	require.True(t, ok)
}
