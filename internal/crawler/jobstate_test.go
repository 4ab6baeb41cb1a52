package crawler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobStateUpdateOnlyNewer(t *testing.T) {
	t.Parallel()

	base := time.Unix(1000, 0)
	state := NewJobState(CrawlJob{CrawlTime: 1, ModifiedAt: base})

	require.False(t, state.Update(CrawlJob{CrawlTime: 2, ModifiedAt: base}))
	require.Equal(t, int64(1), state.Snapshot().CrawlTime)

	require.True(t, state.Update(CrawlJob{CrawlTime: 2, ModifiedAt: base.Add(time.Second)}))
	require.Equal(t, int64(2), state.Snapshot().CrawlTime)
	require.True(t, state.StaleSince(base))
	require.False(t, state.StaleSince(base.Add(time.Second)))
}

func TestJobFileRoundTrip(t *testing.T) {
	t.Parallel()

	f := NewJobFile(filepath.Join(t.TempDir(), "state", "crawl.json"))
	_, ok, err := f.Read()
	require.NoError(t, err)
	require.False(t, ok)

	job := CrawlJob{
		CrawlTime:  42,
		Order:      OrderBreadthFirst,
		MaxDepth:   3,
		Seeds:      []string{"https://example.com/"},
		ModifiedAt: time.Unix(50, 0).UTC(),
	}
	require.NoError(t, f.Write(job))

	got, ok, err := f.Read()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.CrawlTime, got.CrawlTime)
	require.Equal(t, job.Order, got.Order)
	require.Equal(t, job.Seeds, got.Seeds)
}
