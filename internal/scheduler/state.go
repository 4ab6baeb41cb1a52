package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/seen"
)

// State file names inside the scheduler state directory.
const (
	frontierFile = "frontier.snap"
	seenFile     = "seen.bloom"
	robotsFile   = "robots.json"
	slotBaseFile = "slot_base"
)

// LoadSeenFilter returns the persisted seen filter from stateDir, or a new
// Bloom filter sized for expected items when none was saved.
func LoadSeenFilter(stateDir string, expected int, fpRate float64) (seen.Filter, error) {
	f, ok, err := seen.Load(filepath.Join(stateDir, seenFile))
	if err != nil {
		return nil, err
	}
	if !ok {
		return seen.NewBloom(expected, fpRate), nil
	}
	return f, nil
}

// SaveState persists the frontier, its seen filter, the robots table and
// the global slot counter to dir.
func (s *Scheduler) SaveState(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := s.frontier.SaveSnapshot(filepath.Join(dir, frontierFile)); err != nil {
		return fmt.Errorf("save frontier: %w", err)
	}
	if err := seen.Save(s.frontier.Seen(), filepath.Join(dir, seenFile)); err != nil {
		return err
	}
	if err := s.robots.Save(filepath.Join(dir, robotsFile)); err != nil {
		return err
	}
	base := strconv.FormatInt(s.SlotBase(), 10) + "\n"
	if err := crawler.WriteFileAtomic(filepath.Join(dir, slotBaseFile), []byte(base)); err != nil {
		return fmt.Errorf("save slot base: %w", err)
	}
	return nil
}

// LoadState restores what SaveState wrote. The seen filter is loaded
// separately with LoadSeenFilter because the frontier owns it from
// construction. It returns the number of frontier entries restored.
func (s *Scheduler) LoadState(dir string) (int, error) {
	n, err := s.frontier.LoadSnapshot(filepath.Join(dir, frontierFile))
	if err != nil {
		return 0, fmt.Errorf("load frontier: %w", err)
	}
	if err := s.robots.Load(filepath.Join(dir, robotsFile)); err != nil {
		return n, err
	}
	data, err := os.ReadFile(filepath.Join(dir, slotBaseFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return n, fmt.Errorf("read slot base: %w", err)
	default:
		base, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return n, fmt.Errorf("parse slot base: %w", err)
		}
		s.SetSlotBase(base)
	}
	return n, nil
}
