// Package coordinator serves the fetcher exchange endpoint: crawl-time
// handshakes, batch hand-out, chunked result uploads and archive replay.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/clock/system"
	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/index"
	"github.com/JakeFAU/distcrawl/internal/ingest"
	"github.com/JakeFAU/distcrawl/internal/messages"
	"github.com/JakeFAU/distcrawl/internal/metrics"
	"github.com/JakeFAU/distcrawl/internal/protocol"
	"github.com/JakeFAU/distcrawl/internal/scheduler"
	"github.com/JakeFAU/distcrawl/internal/telemetry"
)

// Options configures the endpoint.
type Options struct {
	Secret         string
	SessionWindow  time.Duration
	RequestTimeout time.Duration
	// PostMaxSize is the largest part accepted when memory is plentiful.
	PostMaxSize      int
	MinPostMaxSize   int
	MemoryLimitBytes uint64
	PartialDir       string
	ScheduleInbox    string
	IndexInbox       string
	// StateDir holds archive replay cursors.
	StateDir string
}

// Deps are the collaborators of a Server. Batches, JobFile and Hasher are
// required.
type Deps struct {
	Batches  *scheduler.BatchStore
	JobFile  *crawler.JobFile
	Hasher   Hasher
	Registry crawler.CrawlRegistry
	Blobs    crawler.BlobStore
	Status   *messages.StatusBoard
	Clock    crawler.Clock
	Logger   *zap.Logger
	// HeapInUse reports current heap usage; defaults to runtime.MemStats.
	HeapInUse func() uint64
}

// Server wires the fetcher endpoint and the read-only status routes.
type Server struct {
	router    chi.Router
	opts      Options
	batches   *scheduler.BatchStore
	jobFile   *crawler.JobFile
	hasher    Hasher
	registry  crawler.CrawlRegistry
	blobs     crawler.BlobStore
	status    *messages.StatusBoard
	clock     crawler.Clock
	logger    *zap.Logger
	heapInUse func() uint64

	uploads *assembler
	replay  *archiveReplay

	sizeMu      sync.Mutex
	postMaxSize int
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options, deps Deps) (*Server, error) {
	if deps.Batches == nil || deps.JobFile == nil || deps.Hasher == nil {
		return nil, errors.New("coordinator requires a batch store, job file and hasher")
	}
	if opts.MinPostMaxSize <= 0 {
		opts.MinPostMaxSize = 64 << 10
	}
	if opts.PostMaxSize < opts.MinPostMaxSize {
		opts.PostMaxSize = opts.MinPostMaxSize
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.HeapInUse == nil {
		deps.HeapInUse = heapInUse
	}
	s := &Server{
		opts:        opts,
		batches:     deps.Batches,
		jobFile:     deps.JobFile,
		hasher:      deps.Hasher,
		registry:    deps.Registry,
		blobs:       deps.Blobs,
		status:      deps.Status,
		clock:       deps.Clock,
		logger:      deps.Logger,
		heapInUse:   deps.HeapInUse,
		uploads:     &assembler{dir: opts.PartialDir, hasher: deps.Hasher},
		postMaxSize: opts.PostMaxSize,
	}
	if deps.Blobs != nil {
		s.replay = &archiveReplay{blobs: deps.Blobs, dir: opts.StateDir}
	}
	metrics.SetPostMaxSize(s.postMaxSize)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(telemetry.Middleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/v1/crawl", s.crawlStatus)

	r.Get("/", s.fetch)
	r.Post("/", s.fetch)

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// PostMaxSize returns the part size currently advertised.
func (s *Server) PostMaxSize() int {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	return s.postMaxSize
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if _, _, err := s.jobFile.Read(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "crawl job unreadable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.ParseRequest(r.URL.Query())
	if err != nil {
		if errors.Is(err, protocol.ErrBadSession) {
			writeError(w, http.StatusUnauthorized, "invalid session")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Verify(s.opts.Secret, s.clock.Now(), s.opts.SessionWindow); err != nil {
		s.logger.Warn("rejected session",
			zap.String("robot_instance", req.RobotInstance), zap.Error(err))
		writeError(w, http.StatusUnauthorized, "invalid session")
		return
	}
	job, _, err := s.jobFile.Read()
	if err != nil {
		s.logger.Error("read crawl job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "crawl job unavailable")
		return
	}

	switch req.Action {
	case protocol.ActionCrawlTime:
		s.crawlTime(w, r, req, job)
	case protocol.ActionSchedule:
		s.schedule(w, req, job)
	case protocol.ActionUpdate:
		s.update(w, r, req)
	case protocol.ActionArchiveSchedule:
		s.archiveSchedule(w, r, req, job)
	}
}

func (s *Server) crawlTime(w http.ResponseWriter, r *http.Request, req protocol.Request, job crawler.CrawlJob) {
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		err := s.registry.RecordCheckIn(ctx, crawler.FetcherCheckIn{
			RobotInstance: req.RobotInstance,
			MachineURI:    req.MachineURI,
			CrawlTime:     req.CrawlTime,
			SeenAt:        s.clock.Now(),
		})
		if err != nil {
			s.logger.Warn("record fetcher check-in", zap.String("robot_instance", req.RobotInstance), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, protocol.CrawlTimeResponse{
		CrawlTime:        job.CrawlTime,
		Active:           job.CrawlTime != 0,
		PostMaxSize:      s.PostMaxSize(),
		ParamsModified:   job.ModifiedAt,
		ArchiveCrawlTime: job.ArchiveCrawlTime,
	})
}

// schedule hands the pending batch to exactly one fetcher.
func (s *Server) schedule(w http.ResponseWriter, req protocol.Request, job crawler.CrawlJob) {
	if job.CrawlTime == 0 || req.CrawlTime != job.CrawlTime {
		writeText(w, "text/plain", []byte(protocol.NoData))
		return
	}
	data, ok, err := s.batches.Claim(req.RobotInstance)
	if err != nil {
		s.logger.Error("claim batch", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "claim failed")
		return
	}
	if !ok {
		writeText(w, "text/plain", []byte(protocol.NoData))
		return
	}
	metrics.ObserveBatch("claimed", 0)
	s.logger.Info("batch claimed",
		zap.String("robot_instance", req.RobotInstance), zap.Int("bytes", len(data)))
	writeText(w, "text/plain", data)
}

// adjustPostMaxSize halves the advertised part size under memory pressure
// and doubles it back towards the configured size once pressure is gone.
func (s *Server) adjustPostMaxSize() int {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	limit := s.opts.MemoryLimitBytes
	if limit == 0 {
		return s.postMaxSize
	}
	heap := s.heapInUse()
	next := s.postMaxSize
	switch {
	case heap >= limit:
		next = max(s.postMaxSize/2, s.opts.MinPostMaxSize)
	case heap < limit/2 && s.postMaxSize < s.opts.PostMaxSize:
		next = min(s.postMaxSize*2, s.opts.PostMaxSize)
	}
	if next != s.postMaxSize {
		s.logger.Info("post_max_size adjusted",
			zap.Int("from", s.postMaxSize), zap.Int("to", next), zap.Uint64("heap", heap))
		s.postMaxSize = next
		metrics.SetPostMaxSize(next)
	}
	return s.postMaxSize
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, req protocol.Request) {
	size := s.adjustPostMaxSize()
	r.Body = http.MaxBytesReader(w, r.Body, int64(2*s.opts.PostMaxSize+64<<10))
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	part, err := protocol.PartFromForm(r.PostForm)
	if err != nil {
		metrics.ObserveUpload("invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	redo := func(msg string) {
		metrics.ObserveUpload(string(protocol.StatusRedo))
		s.logger.Info("upload part rejected",
			zap.String("robot_instance", req.RobotInstance),
			zap.Int("part", part.Index), zap.String("reason", msg))
		writeJSON(w, http.StatusOK, protocol.UpdateResponse{Status: protocol.StatusRedo, PostMaxSize: size, Message: msg})
	}

	if len(part.Data) > size {
		redo(fmt.Sprintf("part of %d bytes exceeds post_max_size %d", len(part.Data), size))
		return
	}
	sum, err := s.hasher.Hash(part.Data)
	if err != nil || sum != part.Hash {
		redo("part hash mismatch")
		return
	}
	payload, complete, err := s.uploads.add(req.RobotInstance, part)
	switch {
	case errors.Is(err, errUploadRestart), errors.Is(err, errPayloadHash):
		redo(err.Error())
		return
	case err != nil:
		s.logger.Error("store upload part", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store part failed")
		return
	}
	if !complete {
		metrics.ObserveUpload(string(protocol.StatusContinue))
		writeJSON(w, http.StatusOK, protocol.UpdateResponse{Status: protocol.StatusContinue, PostMaxSize: size})
		return
	}

	archive, err := protocol.DecodePayload(payload)
	if err != nil {
		metrics.ObserveUpload("corrupt")
		writeError(w, http.StatusBadRequest, "payload is not valid base64url")
		return
	}
	name, err := ingest.Deliver(archive, req.RobotInstance, s.clock.Now(), s.opts.ScheduleInbox, s.opts.IndexInbox)
	if err != nil {
		s.logger.Error("deliver upload", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "deliver failed")
		return
	}
	metrics.ObserveUpload("complete")
	s.logger.Info("upload received",
		zap.String("robot_instance", req.RobotInstance),
		zap.String("file", name),
		zap.Int("parts", part.Count),
		zap.Int("bytes", len(archive)))
	writeJSON(w, http.StatusOK, protocol.UpdateResponse{Status: protocol.StatusContinue, PostMaxSize: size, Complete: true})
}

func (s *Server) archiveSchedule(w http.ResponseWriter, r *http.Request, req protocol.Request, job crawler.CrawlJob) {
	if s.replay == nil || job.ArchiveCrawlTime == 0 || job.CrawlTime == 0 || req.CrawlTime != job.CrawlTime {
		writeText(w, "text/plain", []byte(protocol.NoData))
		return
	}
	data, ok, err := s.replay.next(r.Context(), job.ArchiveCrawlTime)
	if err != nil {
		s.logger.Error("archive replay", zap.Int64("archive_crawl_time", job.ArchiveCrawlTime), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "archive replay failed")
		return
	}
	if !ok {
		writeText(w, "text/plain", []byte(protocol.NoData))
		return
	}
	writeText(w, "application/octet-stream", protocol.EncodePayload(data))
}

// CrawlStatus is the body of GET /v1/crawl.
type CrawlStatus struct {
	Job          crawler.CrawlJob  `json:"job"`
	Roles        map[string]string `json:"roles"`
	BatchPending bool              `json:"batch_pending"`
	PostMaxSize  int               `json:"post_max_size"`
	// Fetchers lists fetchers that checked in during the last hour.
	Fetchers []crawler.FetcherCheckIn `json:"fetchers,omitempty"`
}

func (s *Server) crawlStatus(w http.ResponseWriter, r *http.Request) {
	job, _, err := s.jobFile.Read()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "crawl job unavailable")
		return
	}
	out := CrawlStatus{
		Job:          job,
		Roles:        map[string]string{},
		BatchPending: s.batches.Pending(),
		PostMaxSize:  s.PostMaxSize(),
	}
	if s.status != nil {
		for _, role := range []string{scheduler.Role, index.Role} {
			if st, err := s.status.Get(role); err == nil && st != "" {
				out.Roles[role] = st
			}
		}
	}
	if s.registry != nil {
		fetchers, err := s.registry.ListCheckIns(r.Context(), s.clock.Now().Add(-time.Hour))
		if err != nil {
			s.logger.Warn("list fetcher check-ins", zap.Error(err))
		}
		out.Fetchers = fetchers
	}
	writeJSON(w, http.StatusOK, out)
}
