package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/frontier"
	"github.com/JakeFAU/distcrawl/internal/protocol"
	"github.com/JakeFAU/distcrawl/internal/robots"
	"github.com/JakeFAU/distcrawl/internal/scheduler"
	"github.com/JakeFAU/distcrawl/internal/seen"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type staticIDs struct{}

func (staticIDs) NewID() (string, error) { return "batch", nil }

func newScheduler(t *testing.T, capacity int) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(scheduler.Options{LoopTime: 5 * time.Second, RequestBatchSize: 2, MaxFetchSize: 10}, scheduler.Deps{
		Frontier: frontier.New(frontier.Options{Capacity: capacity}, seen.NewExact()),
		Robots:   robots.New(robots.Options{UserAgent: "distcrawl-bot"}, zap.NewNop()),
		Store:    scheduler.NewBatchStore(t.TempDir()),
		Job:      crawler.NewJobState(crawler.CrawlJob{CrawlTime: 7, ModifiedAt: t0}),
		IDs:      staticIDs{},
	})
	require.NoError(t, err)
	return s
}

func linkOptions(t *testing.T) LinkOptions {
	return LinkOptions{
		CrossDomainBoost: 2,
		LinkFarmRatio:    0.1,
		LinkFarmMinLinks: 20,
		LinkFarmDelay:    time.Minute,
		MaxLinksPerPage:  100,
		FragmentDir:      filepath.Join(t.TempDir(), "fragments"),
		FragmentSize:     100,
	}
}

func weights(f *frontier.Frontier) map[string]int32 {
	out := make(map[string]int32)
	for _, e := range f.Entries() {
		out[e.URL] = e.Weight
	}
	return out
}

func TestScheduleIngestIsIdempotent(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t, 100)
	dir := t.TempDir()
	proc := NewProcessor(Config{Dir: dir, Role: scheduler.Role, Sections: ScheduleSections},
		NewScheduleHandler(sched, linkOptions(t), zap.NewNop()), nil, zap.NewNop())

	upload := protocol.UploadData{
		Meta: protocol.UploadMeta{CrawlTime: 7, RobotInstance: "f1"},
		Robots: []protocol.RobotsRecord{{
			Site: "https://a.com", StatusCode: 200, Body: []byte("User-agent: *\nAllow: /\n"), FetchedAt: t0,
		}},
		Cache: []protocol.CacheRecord{{URL: "https://a.com/", ETag: `"e1"`}},
		Schedule: protocol.ScheduleUpdate{
			Found: []protocol.FoundLinks{{
				Source:       "https://a.com/",
				SourceWeight: 300,
				Links:        []string{"https://a.com/x", "https://www.a.com/y", "https://b.com/z"},
			}},
		},
	}
	raw := archive(t, upload)

	// The same upload delivered twice, as after a retried final part.
	_, err := Deliver(raw, "f1", t0, dir)
	require.NoError(t, err)
	_, err = Deliver(raw, "f1", t0.Add(time.Second), dir)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ok, err := proc.ProcessOldest(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, map[string]int32{
			"https://a.com/x":     75,
			"https://www.a.com/y": 75,
			"https://b.com/z":     150,
		}, weights(sched.Frontier()), "after delivery %d", i+1)
		require.True(t, sched.Robots().HasRobots("a.com"))
	}
}

func TestScheduleIngestReleasesAndMarksSeen(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t, 100)
	require.NoError(t, sched.Robots().SetRobots("a.com", 200, []byte("User-agent: *\nCrawl-delay: 10\n"), t0))
	_, err := sched.Frontier().AddCandidate("https://a.com/1", 10, 0, 0)
	require.NoError(t, err)
	_, err = sched.Frontier().AddCandidate("https://c.com/", 5, 0, 0)
	require.NoError(t, err)
	batch, err := sched.ProduceFetchBatch(t0)
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.True(t, sched.IsWaiting("a.com"))

	h := NewScheduleHandler(sched, linkOptions(t), nil)
	hash := crawler.URLHash("https://d.com/")
	_, err = sched.Frontier().AddCandidate("https://d.com/", 5, 0, 0)
	require.NoError(t, err)

	err = h.Handle(context.Background(), Upload{Data: protocol.UploadData{
		Meta: protocol.UploadMeta{CrawlTime: 7},
		Schedule: protocol.ScheduleUpdate{
			Fetched:    []protocol.FetchedURL{{URL: "https://a.com/1", StatusCode: 200}},
			SeenHashes: []uint64{hash},
		},
	}})
	require.NoError(t, err)
	require.False(t, sched.IsWaiting("a.com"))
	// Only c.com, waiting on its robots.txt, remains.
	require.Equal(t, 1, sched.Frontier().Len())
	require.True(t, sched.Frontier().Seen().Contains(hash))
}

func TestScheduleIngestIgnoresOtherCrawl(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t, 100)
	h := NewScheduleHandler(sched, linkOptions(t), nil)
	err := h.Handle(context.Background(), Upload{Data: protocol.UploadData{
		Meta: protocol.UploadMeta{CrawlTime: 6},
		Schedule: protocol.ScheduleUpdate{Found: []protocol.FoundLinks{{
			Source: "https://a.com/", SourceWeight: 10, Links: []string{"https://b.com/"},
		}}},
	}})
	require.NoError(t, err)
	require.Zero(t, sched.Frontier().Len())
}

func TestScheduleIngestLinkFarm(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t, 100)
	opts := linkOptions(t)
	h := NewScheduleHandler(sched, opts, nil)
	var links []string
	for i := 0; i < 25; i++ {
		links = append(links, fmt.Sprintf("https://p%d.spam.com/", i))
	}
	err := h.Handle(context.Background(), Upload{Data: protocol.UploadData{
		Meta: protocol.UploadMeta{CrawlTime: 7},
		Schedule: protocol.ScheduleUpdate{Found: []protocol.FoundLinks{{
			Source: "https://farm.com/", SourceWeight: 1000, Links: links,
		}}},
	}})
	require.NoError(t, err)
	require.Zero(t, sched.Frontier().Len())
	require.Equal(t, opts.LinkFarmDelay, sched.Robots().GetCrawlDelay("farm.com"))
}

func TestScheduleIngestSpillsWhenFull(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t, 1)
	opts := linkOptions(t)
	h := NewScheduleHandler(sched, opts, nil)
	err := h.Handle(context.Background(), Upload{Data: protocol.UploadData{
		Meta: protocol.UploadMeta{CrawlTime: 7},
		Schedule: protocol.ScheduleUpdate{Found: []protocol.FoundLinks{{
			Source: "https://a.com/", SourceWeight: 100,
			Links: []string{"https://a.com/1", "https://a.com/2", "https://a.com/3"},
		}}},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, sched.Frontier().Len())

	path, ok, err := frontier.OldestFragment(opts.FragmentDir)
	require.NoError(t, err)
	require.True(t, ok)
	entries, _, err := frontier.LoadFragment(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, sched.Frontier().Seen().Contains(entries[0].Hash))
}

func TestScheduleIngestFailedSpillLeavesLinksUnseen(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t, 1)
	root := t.TempDir()
	blocker := filepath.Join(root, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	opts := linkOptions(t)
	opts.FragmentDir = filepath.Join(blocker, "fragments")
	upload := Upload{Data: protocol.UploadData{
		Meta: protocol.UploadMeta{CrawlTime: 7},
		Schedule: protocol.ScheduleUpdate{Found: []protocol.FoundLinks{{
			Source: "https://a.com/", SourceWeight: 100,
			Links: []string{"https://a.com/1", "https://a.com/2", "https://a.com/3"},
		}}},
	}}

	require.Error(t, NewScheduleHandler(sched, opts, nil).Handle(context.Background(), upload))
	seenSet := sched.Frontier().Seen()
	require.False(t, seenSet.Contains(crawler.URLHash("https://a.com/2")))
	require.False(t, seenSet.Contains(crawler.URLHash("https://a.com/3")))

	// The retry spills the same links.
	opts.FragmentDir = filepath.Join(root, "fragments")
	require.NoError(t, NewScheduleHandler(sched, opts, nil).Handle(context.Background(), upload))
	require.Equal(t, 1, sched.Frontier().Len())
	require.True(t, seenSet.Contains(crawler.URLHash("https://a.com/2")))

	path, ok, err := frontier.OldestFragment(opts.FragmentDir)
	require.NoError(t, err)
	require.True(t, ok)
	entries, _, err := frontier.LoadFragment(path)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"https://a.com/2", "https://a.com/3"},
		[]string{entries[0].URL, entries[1].URL})
}

func TestScheduleIngestReinforcesQueuedLinksOncePerSource(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t, 100)
	h := NewScheduleHandler(sched, linkOptions(t), nil)
	found := func(source string) Upload {
		return Upload{Data: protocol.UploadData{
			Meta: protocol.UploadMeta{CrawlTime: 7},
			Schedule: protocol.ScheduleUpdate{Found: []protocol.FoundLinks{{
				Source: source, SourceWeight: 300, Links: []string{"https://b.com/z"},
			}}},
		}}
	}

	require.NoError(t, h.Handle(context.Background(), found("https://a.com/")))
	first := weights(sched.Frontier())["https://b.com/z"]
	require.Positive(t, first)

	// The page that first linked it adds nothing on a re-read.
	require.NoError(t, h.Handle(context.Background(), found("https://a.com/")))
	require.Equal(t, first, weights(sched.Frontier())["https://b.com/z"])

	// A second page linking to it raises its weight, once.
	require.NoError(t, h.Handle(context.Background(), found("https://c.com/")))
	second := weights(sched.Frontier())["https://b.com/z"]
	require.Greater(t, second, first)
	require.NoError(t, h.Handle(context.Background(), found("https://c.com/")))
	require.Equal(t, second, weights(sched.Frontier())["https://b.com/z"])
	require.Equal(t, 1, sched.Frontier().Len())
}
