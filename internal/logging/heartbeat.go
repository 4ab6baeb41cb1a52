package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Heartbeat records role liveness as the modification time of a file.
// Beat is cheap enough to call from a log hook: it touches the file at most
// once per interval.
type Heartbeat struct {
	path     string
	interval time.Duration
	last     atomic.Int64
	now      func() time.Time
}

// NewHeartbeat returns a heartbeat writing to path.
func NewHeartbeat(path string, interval time.Duration) *Heartbeat {
	return &Heartbeat{path: path, interval: interval, now: time.Now}
}

// Path returns the heartbeat file.
func (h *Heartbeat) Path() string {
	return h.path
}

// Beat touches the heartbeat file if the interval has elapsed.
func (h *Heartbeat) Beat() {
	if h == nil {
		return
	}
	now := h.now()
	last := h.last.Load()
	if last != 0 && now.UnixNano()-last < h.interval.Nanoseconds() {
		return
	}
	if !h.last.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	_ = h.touch(now)
}

func (h *Heartbeat) touch(now time.Time) error {
	err := os.Chtimes(h.path, now, now)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(h.path), 0o750); err != nil {
			return fmt.Errorf("create heartbeat dir: %w", err)
		}
		if err := os.WriteFile(h.path, nil, 0o600); err != nil {
			return fmt.Errorf("create heartbeat: %w", err)
		}
		return os.Chtimes(h.path, now, now)
	}
	return err
}

// LastBeat returns the modification time of the heartbeat file at path.
func LastBeat(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}
