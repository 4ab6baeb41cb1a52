package dictionary

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/events"
	"github.com/JakeFAU/distcrawl/internal/metrics"
)

// ErrTooManyTiers is returned by AddTier once the tier ceiling is reached;
// the caller must merge before adding more.
var ErrTooManyTiers = errors.New("too many dictionary tiers")

const rootFile = "dictionary.json"

// Options configures a Dictionary.
type Options struct {
	// MergeThreshold is the tier count above which NeedsMerge reports true.
	MergeThreshold int
	// MaxTiers bounds the tier count; AddTier refuses beyond it.
	MaxTiers int
	// CheckpointEvery is how many merged records are written between
	// checkpoints.
	CheckpointEvery int
	// CrawlTime tags emitted events.
	CrawlTime int64
}

func (o Options) withDefaults() Options {
	if o.MergeThreshold <= 0 {
		o.MergeThreshold = 8
	}
	if o.MaxTiers <= o.MergeThreshold {
		o.MaxTiers = o.MergeThreshold * 2
	}
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = 4096
	}
	return o
}

// Root is the persisted summary of the dictionary.
type Root struct {
	Tiers   []string  `json:"tiers"`
	Records int64     `json:"records"`
	MaxGen  uint32    `json:"max_gen"`
	SavedAt time.Time `json:"saved_at"`
}

// Dictionary owns the tier files in one directory. Lookups may run while a
// merge is in progress; tier set changes are swapped in under the lock.
type Dictionary struct {
	dir    string
	opts   Options
	logger *zap.Logger
	events events.Emitter

	mu    sync.RWMutex
	tiers []*Tier

	// afterCheckpoint runs after every durable checkpoint. A non-nil error
	// aborts the merge, leaving the partial output for a later resume.
	afterCheckpoint func(written int64) error
}

// Open loads every tier in dir, dropping tiers subsumed by a completed merge
// and partial outputs that have no checkpoint.
func Open(dir string, opts Options, emitter events.Emitter, logger *zap.Logger) (*Dictionary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create dictionary dir: %w", err)
	}
	d := &Dictionary{dir: dir, opts: opts.withDefaults(), logger: logger, events: emitter}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dictionary dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".tmp"):
			_ = os.Remove(filepath.Join(dir, name))
		case strings.HasSuffix(name, partialExt):
			final := strings.TrimSuffix(name, partialExt)
			if _, err := os.Stat(filepath.Join(dir, final+checkpointExt)); err != nil {
				_ = os.Remove(filepath.Join(dir, name))
			}
		case strings.HasSuffix(name, tierExt):
			if _, _, _, ok := ParseTierName(name); !ok {
				continue
			}
			t, err := OpenTier(filepath.Join(dir, name))
			if err != nil {
				d.closeAll()
				return nil, err
			}
			d.tiers = append(d.tiers, t)
		}
	}
	d.pruneSubsumed()
	d.sortTiers()
	metrics.SetDictionaryTiers(len(d.tiers))
	return d, nil
}

func (d *Dictionary) pruneSubsumed() {
	kept := d.tiers[:0]
	for _, t := range d.tiers {
		covered := false
		for _, o := range d.tiers {
			if o.subsumes(t) {
				covered = true
				break
			}
		}
		if !covered {
			kept = append(kept, t)
			continue
		}
		d.logger.Info("removing subsumed tier", zap.String("tier", t.Name()))
		_ = t.Close()
		_ = os.Remove(t.Path)
		_ = os.Remove(t.Path + checkpointExt)
	}
	d.tiers = kept
}

func (d *Dictionary) sortTiers() {
	sort.Slice(d.tiers, func(i, j int) bool {
		if d.tiers[i].FirstGen != d.tiers[j].FirstGen {
			return d.tiers[i].FirstGen < d.tiers[j].FirstGen
		}
		return d.tiers[i].Level > d.tiers[j].Level
	})
}

func (d *Dictionary) closeAll() {
	for _, t := range d.tiers {
		_ = t.Close()
	}
	d.tiers = nil
}

// Close releases every tier file.
func (d *Dictionary) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeAll()
	return nil
}

// Dir returns the dictionary directory.
func (d *Dictionary) Dir() string {
	return d.dir
}

// TierCount returns the current number of tiers.
func (d *Dictionary) TierCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tiers)
}

// Tiers returns the names of the current tiers.
func (d *Dictionary) Tiers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.tiers))
	for i, t := range d.tiers {
		out[i] = t.Name()
	}
	return out
}

// NeedsMerge reports whether the tier count exceeds the merge threshold.
func (d *Dictionary) NeedsMerge() bool {
	return d.TierCount() > d.opts.MergeThreshold
}

// Full reports whether AddTier would refuse.
func (d *Dictionary) Full() bool {
	return d.TierCount() >= d.opts.MaxTiers
}

// Covers reports whether some tier already holds gen's records.
func (d *Dictionary) Covers(gen uint32) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, t := range d.tiers {
		if t.FirstGen <= gen && gen <= t.LastGen {
			return true
		}
	}
	return false
}

// AddTier writes gen's records as a new level-0 tier. Adding a generation
// that is already covered is a no-op.
func (d *Dictionary) AddTier(gen uint32, records []Record) error {
	if d.Covers(gen) {
		return nil
	}
	if d.Full() {
		return ErrTooManyTiers
	}
	sorted := make([]Record, len(records))
	copy(sorted, records)
	for i := range sorted {
		sorted[i].Gen = gen
	}
	SortRecords(sorted)

	path := filepath.Join(d.dir, TierName(0, gen, gen))
	if err := WriteTier(path, 0, gen, gen, sorted); err != nil {
		return err
	}
	t, err := OpenTier(path)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.tiers = append(d.tiers, t)
	d.sortTiers()
	n := len(d.tiers)
	d.mu.Unlock()
	metrics.SetDictionaryTiers(n)
	d.logger.Debug("dictionary tier added", zap.Uint32("gen", gen), zap.Int("records", len(sorted)))
	return nil
}

// Lookup returns every record for wordHash across all tiers, ordered by
// generation. Cost grows with the tier count, not the shard count.
func (d *Dictionary) Lookup(wordHash uint64) ([]Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Record
	for _, t := range d.tiers {
		recs, err := t.Lookup(wordHash)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", t.Name(), err)
		}
		out = append(out, recs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Gen < out[j].Gen })
	return out, nil
}

// Save persists the dictionary root summary.
func (d *Dictionary) Save(now time.Time) error {
	d.mu.RLock()
	root := Root{SavedAt: now.UTC()}
	for _, t := range d.tiers {
		root.Tiers = append(root.Tiers, t.Name())
		root.Records += t.Count
		if t.LastGen > root.MaxGen {
			root.MaxGen = t.LastGen
		}
	}
	d.mu.RUnlock()
	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dictionary root: %w", err)
	}
	return crawler.WriteFileAtomic(filepath.Join(d.dir, rootFile), data)
}

// ReadRoot loads the saved root summary from dir.
func ReadRoot(dir string) (Root, error) {
	var root Root
	data, err := os.ReadFile(filepath.Join(dir, rootFile))
	if err != nil {
		return root, fmt.Errorf("read dictionary root: %w", err)
	}
	if err := json.Unmarshal(data, &root); err != nil {
		return root, fmt.Errorf("decode dictionary root: %w", err)
	}
	return root, nil
}
