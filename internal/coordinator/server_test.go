package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/hash/sha256"
	"github.com/JakeFAU/distcrawl/internal/ingest"
	"github.com/JakeFAU/distcrawl/internal/protocol"
	"github.com/JakeFAU/distcrawl/internal/scheduler"
	"github.com/JakeFAU/distcrawl/internal/storage/memory"
)

const testSecret = "s3cret"

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeRegistry struct {
	mu       sync.Mutex
	checkIns []crawler.FetcherCheckIn
}

func (r *fakeRegistry) RecordCrawl(context.Context, crawler.CrawlJob) error { return nil }

func (r *fakeRegistry) RecordCheckIn(_ context.Context, c crawler.FetcherCheckIn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkIns = append(r.checkIns, c)
	return nil
}

func (r *fakeRegistry) ListCheckIns(_ context.Context, since time.Time) ([]crawler.FetcherCheckIn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []crawler.FetcherCheckIn
	for _, c := range r.checkIns {
		if !c.SeenAt.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

type harness struct {
	server   *Server
	batches  *scheduler.BatchStore
	blobs    *memory.BlobStore
	registry *fakeRegistry
	opts     Options
	now      time.Time
	heap     *uint64
}

func newHarness(t *testing.T, job crawler.CrawlJob, postMax int) *harness {
	t.Helper()
	root := t.TempDir()
	jobFile := crawler.NewJobFile(filepath.Join(root, "job.json"))
	require.NoError(t, jobFile.Write(job))

	h := &harness{
		batches:  scheduler.NewBatchStore(filepath.Join(root, "batch")),
		blobs:    memory.NewBlobStore(),
		registry: &fakeRegistry{},
		now:      time.Unix(1_700_000_000, 0).UTC(),
		heap:     new(uint64),
	}
	h.opts = Options{
		Secret:           testSecret,
		SessionWindow:    time.Minute,
		PostMaxSize:      postMax,
		MinPostMaxSize:   8,
		MemoryLimitBytes: 1000,
		PartialDir:       filepath.Join(root, "partial"),
		ScheduleInbox:    filepath.Join(root, "schedule-inbox"),
		IndexInbox:       filepath.Join(root, "index-inbox"),
		StateDir:         filepath.Join(root, "state"),
	}
	srv, err := NewServer(h.opts, Deps{
		Batches:   h.batches,
		JobFile:   jobFile,
		Hasher:    sha256.New(),
		Registry:  h.registry,
		Blobs:     h.blobs,
		Clock:     fixedClock{now: h.now},
		Logger:    zap.NewNop(),
		HeapInUse: func() uint64 { return *h.heap },
	})
	require.NoError(t, err)
	h.server = srv
	return h
}

func (h *harness) do(t *testing.T, action string, crawlTime int64, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := protocol.NewRequest(testSecret, action, "robot-1", "http://fetcher-1", crawlTime, h.now)
	target := "/?" + req.Values().Encode()
	httpReq := httptest.NewRequest(http.MethodGet, target, nil)
	if form != nil {
		httpReq = httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, httpReq)
	return rec
}

func decodeUpdate(t *testing.T, rec *httptest.ResponseRecorder) protocol.UpdateResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp protocol.UpdateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func activeJob() crawler.CrawlJob {
	return crawler.CrawlJob{CrawlTime: 42, Seeds: []string{"https://example.org/"}, ModifiedAt: time.Unix(100, 0).UTC()}
}

func TestServer_CrawlTimeRecordsCheckIn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, activeJob(), 64)

	rec := h.do(t, protocol.ActionCrawlTime, 0, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp protocol.CrawlTimeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(42), resp.CrawlTime)
	require.True(t, resp.Active)
	require.Equal(t, 64, resp.PostMaxSize)

	require.Len(t, h.registry.checkIns, 1)
	require.Equal(t, "robot-1", h.registry.checkIns[0].RobotInstance)
	require.Equal(t, "http://fetcher-1", h.registry.checkIns[0].MachineURI)
}

func TestServer_RejectsForgedSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, activeJob(), 64)

	req := protocol.NewRequest("wrong", protocol.ActionSchedule, "robot-1", "", 42, h.now)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?"+req.Values().Encode(), nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	stale := protocol.NewRequest(testSecret, protocol.ActionSchedule, "robot-1", "", 42, h.now.Add(-time.Hour))
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?"+stale.Values().Encode(), nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_RejectsUnknownAction(t *testing.T) {
	t.Parallel()
	h := newHarness(t, activeJob(), 64)

	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?c=fetch&a=bogus&time=1&session=x&robot_instance=r", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ScheduleHandsBatchOutOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, activeJob(), 64)
	slot := protocol.Slot{URL: "https://example.org/a"}
	require.NoError(t, h.batches.Write(protocol.BatchMeta{BatchID: "b1", CrawlTime: 42}, []protocol.Slot{slot}))

	stale := h.do(t, protocol.ActionSchedule, 41, nil)
	require.Equal(t, protocol.NoData, stale.Body.String())
	require.True(t, h.batches.Pending())

	first := h.do(t, protocol.ActionSchedule, 42, nil)
	require.Equal(t, http.StatusOK, first.Code)
	meta, slots, err := protocol.DecodeBatch(first.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, "b1", meta.BatchID)
	require.Len(t, slots, 1)
	require.Equal(t, slot.URL, slots[0].URL)

	second := h.do(t, protocol.ActionSchedule, 42, nil)
	require.Equal(t, protocol.NoData, second.Body.String())
}

func TestServer_UpdateReassemblesAndDelivers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, activeJob(), 16)
	archive := bytes.Repeat([]byte("archive-bytes;"), 5)
	payload := protocol.EncodePayload(archive)

	parts, err := protocol.SplitPayload(payload, 16, sha256.New())
	require.NoError(t, err)
	require.Greater(t, len(parts), 2)

	for i, part := range parts {
		resp := decodeUpdate(t, h.do(t, protocol.ActionUpdate, 42, part.Form()))
		require.Equal(t, protocol.StatusContinue, resp.Status)
		require.Equal(t, i == len(parts)-1, resp.Complete)
	}

	for _, dir := range []string{h.opts.ScheduleInbox, h.opts.IndexInbox} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.True(t, strings.HasSuffix(entries[0].Name(), ingest.UploadExt))
		data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
		require.NoError(t, err)
		require.Equal(t, archive, data)
	}
	leftovers, err := os.ReadDir(h.opts.PartialDir)
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestServer_UpdateRedoOnOversizedOrCorruptPart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, activeJob(), 16)

	parts, err := protocol.SplitPayload([]byte(strings.Repeat("x", 40)), 32, sha256.New())
	require.NoError(t, err)
	resp := decodeUpdate(t, h.do(t, protocol.ActionUpdate, 42, parts[0].Form()))
	require.Equal(t, protocol.StatusRedo, resp.Status)
	require.Equal(t, 16, resp.PostMaxSize)

	parts, err = protocol.SplitPayload([]byte("0123456789"), 16, sha256.New())
	require.NoError(t, err)
	form := parts[0].Form()
	form.Set(protocol.FieldPart, "tampered!!")
	resp = decodeUpdate(t, h.do(t, protocol.ActionUpdate, 42, form))
	require.Equal(t, protocol.StatusRedo, resp.Status)
}

func TestServer_UpdateOutOfOrderPartRestarts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, activeJob(), 8)

	parts, err := protocol.SplitPayload([]byte(strings.Repeat("y", 30)), 8, sha256.New())
	require.NoError(t, err)
	resp := decodeUpdate(t, h.do(t, protocol.ActionUpdate, 42, parts[1].Form()))
	require.Equal(t, protocol.StatusRedo, resp.Status)
}

func TestServer_PostMaxSizeFollowsMemoryPressure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, activeJob(), 64)

	*h.heap = 2000
	require.Equal(t, 32, h.server.adjustPostMaxSize())
	require.Equal(t, 16, h.server.adjustPostMaxSize())
	require.Equal(t, 8, h.server.adjustPostMaxSize())
	require.Equal(t, 8, h.server.adjustPostMaxSize(), "never below the minimum")

	*h.heap = 100
	require.Equal(t, 16, h.server.adjustPostMaxSize())
	require.Equal(t, 32, h.server.adjustPostMaxSize())
	require.Equal(t, 64, h.server.adjustPostMaxSize())
	require.Equal(t, 64, h.server.adjustPostMaxSize(), "never above the configured size")
}

func TestServer_ArchiveScheduleReplaysInOrder(t *testing.T) {
	t.Parallel()
	job := activeJob()
	job.ArchiveCrawlTime = 7
	h := newHarness(t, job, 64)
	ctx := context.Background()
	_, err := h.blobs.PutObject(ctx, ingest.ArchivePrefix(7)+"002.dcu", "application/octet-stream", strings.NewReader("second"))
	require.NoError(t, err)
	_, err = h.blobs.PutObject(ctx, ingest.ArchivePrefix(7)+"001.dcu", "application/octet-stream", strings.NewReader("first"))
	require.NoError(t, err)

	for _, want := range []string{"first", "second"} {
		rec := h.do(t, protocol.ActionArchiveSchedule, 42, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		got, err := protocol.DecodePayload(rec.Body.Bytes())
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
	require.Equal(t, protocol.NoData, h.do(t, protocol.ActionArchiveSchedule, 42, nil).Body.String())
}

func TestServer_CrawlStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, activeJob(), 64)
	require.NoError(t, h.batches.Write(protocol.BatchMeta{BatchID: "b1", CrawlTime: 42}, nil))
	h.do(t, protocol.ActionCrawlTime, 42, nil)

	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crawl", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status CrawlStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, int64(42), status.Job.CrawlTime)
	require.True(t, status.BatchPending)
	require.Equal(t, 64, status.PostMaxSize)
	require.Len(t, status.Fetchers, 1)
	require.Equal(t, "robot-1", status.Fetchers[0].RobotInstance)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
