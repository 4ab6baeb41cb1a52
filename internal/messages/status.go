package messages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/distcrawl/internal/crawler"
)

// Role status values.
const (
	StatusRunning = "running"
	StatusFlushed = "flushed"
)

// StatusBoard holds one small status file per role.
type StatusBoard struct {
	dir string
}

// NewStatusBoard returns the board in dir.
func NewStatusBoard(dir string) *StatusBoard {
	return &StatusBoard{dir: dir}
}

// Set records status for role.
func (b *StatusBoard) Set(role, status string) error {
	if err := crawler.WriteFileAtomic(filepath.Join(b.dir, role), []byte(status+"\n")); err != nil {
		return fmt.Errorf("write %s status: %w", role, err)
	}
	return nil
}

// Get returns the status of role, or "" if none was written.
func (b *StatusBoard) Get(role string) (string, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, role))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s status: %w", role, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WaitFor polls until role reports status or timeout elapses. It reports
// whether the status was observed.
func (b *StatusBoard) WaitFor(ctx context.Context, role, status string, timeout, poll time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if got, err := b.Get(role); err == nil && got == status {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}
