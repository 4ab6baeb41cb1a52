package crawler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// JobState holds the current CrawlJob. Readers take a snapshot at the start
// of each loop iteration and compare ModifiedAt to detect changes.
type JobState struct {
	current atomic.Pointer[CrawlJob]
}

// NewJobState seeds the state with job.
func NewJobState(job CrawlJob) *JobState {
	s := &JobState{}
	s.current.Store(&job)
	return s
}

// Snapshot returns a copy of the current job.
func (s *JobState) Snapshot() CrawlJob {
	if job := s.current.Load(); job != nil {
		return *job
	}
	return CrawlJob{}
}

// Update installs job if it is newer than the current one and reports
// whether it did.
func (s *JobState) Update(job CrawlJob) bool {
	for {
		cur := s.current.Load()
		if cur != nil && !job.ModifiedAt.After(cur.ModifiedAt) {
			return false
		}
		next := job
		if s.current.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

// StaleSince reports whether the job changed after the given version.
func (s *JobState) StaleSince(version time.Time) bool {
	return s.Snapshot().ModifiedAt.After(version)
}

// JobFile persists the crawl job so processes that do not own it (the HTTP
// coordinator, the CLI) can read it. Reads are cached until the file's
// modification time changes.
type JobFile struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	cached  CrawlJob
}

// NewJobFile returns a JobFile at path.
func NewJobFile(path string) *JobFile {
	return &JobFile{path: path}
}

// Path returns the file location.
func (f *JobFile) Path() string {
	return f.path
}

// Write atomically replaces the stored job.
func (f *JobFile) Write(job CrawlJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal crawl job: %w", err)
	}
	return WriteFileAtomic(f.path, data)
}

// Read returns the stored job, or ok=false if none has been written.
func (f *JobFile) Read() (CrawlJob, bool, error) {
	info, err := os.Stat(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return CrawlJob{}, false, nil
	}
	if err != nil {
		return CrawlJob{}, false, fmt.Errorf("stat crawl job: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if info.ModTime().Equal(f.modTime) {
		return f.cached, true, nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return CrawlJob{}, false, fmt.Errorf("read crawl job: %w", err)
	}
	var job CrawlJob
	if err := json.Unmarshal(data, &job); err != nil {
		return CrawlJob{}, false, fmt.Errorf("decode crawl job: %w", err)
	}
	f.cached = job
	f.modTime = info.ModTime()
	return job, true, nil
}

// WriteFileAtomic writes data to a temporary sibling and renames it over path
// so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
