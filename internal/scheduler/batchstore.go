package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/protocol"
)

// CurrentBatchName is the file a produced batch waits in until claimed.
const CurrentBatchName = "current.batch"

// BatchStore is the hand-off directory between the scheduler, which writes
// one batch at a time, and the coordinator, which lets exactly one fetcher
// claim it.
type BatchStore struct {
	dir string
}

// NewBatchStore returns a store rooted at dir.
func NewBatchStore(dir string) *BatchStore {
	return &BatchStore{dir: dir}
}

func (s *BatchStore) currentPath() string {
	return filepath.Join(s.dir, CurrentBatchName)
}

// Pending reports whether an unclaimed batch exists.
func (s *BatchStore) Pending() bool {
	_, err := os.Stat(s.currentPath())
	return err == nil
}

// Write publishes a batch. Readers never see a partial file.
func (s *BatchStore) Write(meta protocol.BatchMeta, slots []protocol.Slot) error {
	data, err := protocol.EncodeBatch(meta, slots)
	if err != nil {
		return err
	}
	if err := crawler.WriteFileAtomic(s.currentPath(), data); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	return nil
}

// Claim hands the pending batch to instance. The rename makes the claim
// exclusive: of two concurrent claimers only one succeeds, the other gets
// ok=false.
func (s *BatchStore) Claim(instance string) ([]byte, bool, error) {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator || r == '.' {
			return '_'
		}
		return r
	}, instance)
	claimed := filepath.Join(s.dir, CurrentBatchName+"."+safe+".claimed")
	if err := os.Rename(s.currentPath(), claimed); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("claim batch: %w", err)
	}
	data, err := os.ReadFile(claimed)
	if err != nil {
		return nil, false, fmt.Errorf("read claimed batch: %w", err)
	}
	if err := os.Remove(claimed); err != nil {
		return nil, false, fmt.Errorf("remove claimed batch: %w", err)
	}
	return data, true, nil
}

// Discard removes a pending batch, used when a crawl starts or stops.
func (s *BatchStore) Discard() error {
	if err := os.Remove(s.currentPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard batch: %w", err)
	}
	return nil
}

// Take claims the pending batch for the scheduler itself and decodes it.
// ok is false when nothing was pending or a fetcher got there first.
func (s *BatchStore) Take() (protocol.BatchMeta, []protocol.Slot, bool, error) {
	data, ok, err := s.Claim("scheduler")
	if err != nil || !ok {
		return protocol.BatchMeta{}, nil, false, err
	}
	meta, slots, err := protocol.DecodeBatch(data)
	if err != nil {
		return protocol.BatchMeta{}, nil, false, fmt.Errorf("decode taken batch: %w", err)
	}
	return meta, slots, true, nil
}
