package dictionary

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/events"
	"github.com/JakeFAU/distcrawl/internal/metrics"
)

const (
	partialExt    = ".partial"
	checkpointExt = ".ckpt"
)

// MergeAllTiers compacts tiers until the count is at or below the merge
// threshold. Running it again with no new tiers is a no-op. An interrupted
// merge resumes from its last checkpoint on the next call.
func (d *Dictionary) MergeAllTiers(ctx context.Context) error {
	return d.mergeDown(ctx, d.opts.MergeThreshold)
}

// ForceMerge compacts every tier into one.
func (d *Dictionary) ForceMerge(ctx context.Context) error {
	return d.mergeDown(ctx, 1)
}

func (d *Dictionary) mergeDown(ctx context.Context, target int) error {
	if target < 1 {
		target = 1
	}
	for d.TierCount() > target {
		if err := ctx.Err(); err != nil {
			return err
		}
		inputs := d.pickMerge()
		if len(inputs) < 2 {
			break
		}
		if err := d.mergeTiers(ctx, inputs); err != nil {
			metrics.ObserveMerge("failed")
			return err
		}
		metrics.ObserveMerge("completed")
	}
	d.sweepPartials()
	return nil
}

// pickMerge selects the level holding the most tiers, lowest level first on
// ties. When every level holds one tier the two lowest levels are merged.
// The selection is widened to every tier overlapping its generation range so
// the output subsumes exactly what it replaced.
func (d *Dictionary) pickMerge() []*Tier {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.tiers) < 2 {
		return nil
	}
	byLevel := make(map[int][]*Tier)
	levels := make([]int, 0)
	for _, t := range d.tiers {
		if _, ok := byLevel[t.Level]; !ok {
			levels = append(levels, t.Level)
		}
		byLevel[t.Level] = append(byLevel[t.Level], t)
	}
	sort.Ints(levels)

	var picked []*Tier
	for _, lvl := range levels {
		if len(byLevel[lvl]) >= 2 && len(byLevel[lvl]) > len(picked) {
			picked = byLevel[lvl]
		}
	}
	if picked == nil {
		picked = append(picked, byLevel[levels[0]]...)
		picked = append(picked, byLevel[levels[1]]...)
	}

	lo, hi := genRange(picked)
	chosen := make(map[*Tier]bool, len(picked))
	for _, t := range picked {
		chosen[t] = true
	}
	for grown := true; grown; {
		grown = false
		for _, t := range d.tiers {
			if !chosen[t] && t.FirstGen <= hi && lo <= t.LastGen {
				chosen[t] = true
				grown = true
			}
		}
		out := make([]*Tier, 0, len(chosen))
		for t := range chosen {
			out = append(out, t)
		}
		lo, hi = genRange(out)
	}

	out := make([]*Tier, 0, len(chosen))
	for _, t := range d.tiers {
		if chosen[t] {
			out = append(out, t)
		}
	}
	return out
}

func genRange(tiers []*Tier) (lo, hi uint32) {
	for i, t := range tiers {
		if i == 0 || t.FirstGen < lo {
			lo = t.FirstGen
		}
		if t.LastGen > hi {
			hi = t.LastGen
		}
	}
	return lo, hi
}

func (d *Dictionary) mergeTiers(ctx context.Context, inputs []*Tier) error {
	start := time.Now()
	level := 0
	for _, t := range inputs {
		if t.Level >= level {
			level = t.Level + 1
		}
	}
	lo, hi := genRange(inputs)
	final := filepath.Join(d.dir, TierName(level, lo, hi))
	partial := final + partialExt
	ckpt := final + checkpointExt

	done, resumed := readCheckpoint(ckpt)
	var (
		f   *os.File
		w   *tierWriter
		err error
	)
	if resumed {
		f, err = os.OpenFile(partial, os.O_RDWR, 0o600)
		if err == nil {
			w, err = resumeTierWriter(f, level, lo, hi, done)
		}
		if err != nil {
			d.logger.Warn("discarding unusable merge checkpoint", zap.String("tier", filepath.Base(final)), zap.Error(err))
			if f != nil {
				_ = f.Close()
			}
			resumed, done = false, 0
		} else {
			d.logger.Info("resuming tier merge", zap.String("tier", filepath.Base(final)), zap.Int64("records", done))
			metrics.ObserveMerge("resumed")
		}
	}
	if !resumed {
		f, err = os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
		if err != nil {
			return fmt.Errorf("create merge output: %w", err)
		}
		w, err = newTierWriter(f, level, lo, hi)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("init merge output: %w", err)
		}
	}

	if err := d.copyMerged(ctx, inputs, w, done, ckpt); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.finish(); err != nil {
		_ = f.Close()
		return fmt.Errorf("finish merge output: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close merge output: %w", err)
	}
	if err := os.Rename(partial, final); err != nil {
		return fmt.Errorf("publish merged tier: %w", err)
	}
	merged, err := OpenTier(final)
	if err != nil {
		return err
	}

	d.mu.Lock()
	drop := make(map[*Tier]bool, len(inputs))
	for _, t := range inputs {
		drop[t] = true
	}
	kept := d.tiers[:0]
	for _, t := range d.tiers {
		if !drop[t] {
			kept = append(kept, t)
		}
	}
	d.tiers = append(kept, merged)
	d.sortTiers()
	n := len(d.tiers)
	d.mu.Unlock()

	for _, t := range inputs {
		_ = t.Close()
		if err := os.Remove(t.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("remove merged tier", zap.String("tier", t.Name()), zap.Error(err))
		}
	}
	_ = os.Remove(ckpt)
	metrics.SetDictionaryTiers(n)

	dur := time.Since(start)
	d.logger.Info("dictionary tiers merged",
		zap.String("tier", merged.Name()),
		zap.Int("inputs", len(inputs)),
		zap.Int64("records", merged.Count),
		zap.Duration("dur", dur),
	)
	evt := events.New(events.KindTiersMerged, d.opts.CrawlTime, time.Now())
	evt.Role = "indexer"
	evt.Ref = merged.Name()
	evt.Count = merged.Count
	evt.Dur = dur
	d.events.Emit(evt)
	return nil
}

// copyMerged streams the k-way merge of inputs into w, skipping the first
// skip output records already present from an earlier run.
func (d *Dictionary) copyMerged(ctx context.Context, inputs []*Tier, w *tierWriter, skip int64, ckpt string) error {
	h := make(cursorHeap, 0, len(inputs))
	for _, t := range inputs {
		c := &cursor{rr: t.Records()}
		ok, err := c.advance()
		if err != nil {
			return err
		}
		if ok {
			h = append(h, c)
		}
	}
	heap.Init(&h)

	var (
		last    Record
		emitted int64
		every   = int64(d.opts.CheckpointEvery)
	)
	for h.Len() > 0 {
		c := h[0]
		rec := c.cur
		ok, err := c.advance()
		if err != nil {
			return err
		}
		if ok {
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
		if emitted > 0 && rec.sameKey(last) {
			continue
		}
		last = rec
		emitted++
		if emitted <= skip {
			continue
		}
		if err := w.write(rec); err != nil {
			return fmt.Errorf("write merged record: %w", err)
		}
		if w.count%every == 0 {
			if err := d.checkpoint(w, ckpt); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dictionary) checkpoint(w *tierWriter, ckpt string) error {
	if err := w.sync(); err != nil {
		return fmt.Errorf("sync merge output: %w", err)
	}
	if err := crawler.WriteFileAtomic(ckpt, []byte(strconv.FormatInt(w.count, 10)+"\n")); err != nil {
		return fmt.Errorf("write merge checkpoint: %w", err)
	}
	if d.afterCheckpoint != nil {
		return d.afterCheckpoint(w.count)
	}
	return nil
}

func readCheckpoint(path string) (int64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// sweepPartials removes merge leftovers once no merge is running.
func (d *Dictionary) sweepPartials() {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, partialExt) || strings.HasSuffix(name, checkpointExt) {
			_ = os.Remove(filepath.Join(d.dir, name))
		}
	}
}

type cursor struct {
	rr  *RecordReader
	cur Record
}

func (c *cursor) advance() (bool, error) {
	rec, err := c.rr.Next()
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.cur = rec
	return true, nil
}

type cursorHeap []*cursor

func (h cursorHeap) Len() int           { return len(h) }
func (h cursorHeap) Less(i, j int) bool { return h[i].cur.less(h[j].cur) }
func (h cursorHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x any)        { *h = append(*h, x.(*cursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}
