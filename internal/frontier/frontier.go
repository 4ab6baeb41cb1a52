// Package frontier holds the candidate URLs the scheduler draws batches
// from: a bounded priority queue keyed by URL hash, backed by a seen filter
// so each URL is admitted at most once per crawl.
package frontier

import (
	"container/heap"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/protocol"
	"github.com/JakeFAU/distcrawl/internal/seen"
)

var (
	// ErrFull is returned by AddCandidate when the queue is at capacity. The
	// returned entry is not marked seen: the caller spills it to a fragment
	// and marks it once the fragment is written.
	ErrFull = errors.New("frontier full")
	// ErrSeen is returned for URLs already admitted or visited.
	ErrSeen = errors.New("url already seen")
	// ErrFiltered is returned for URLs outside the crawl's site or depth limits.
	ErrFiltered = errors.New("url filtered by crawl job")
)

// Entry is one candidate URL.
type Entry struct {
	URL    string
	Hash   uint64
	Weight int32
	Depth  uint8
	// Source is the hash of the page the link was found on; zero for seeds.
	Source uint64
	// Delay and Flag are hints carried through fragments.
	Delay uint32
	Flag  protocol.Flag

	seq   uint64
	index int
	// credited lists further source pages whose links already added weight.
	credited []uint64
}

// Slot converts e to its batch/fragment record.
func (e Entry) Slot() protocol.Slot {
	return protocol.Slot{URL: e.URL, Weight: e.Weight, Depth: e.Depth, Delay: e.Delay, Flag: e.Flag}
}

// EntryFromSlot rebuilds an entry from a batch/fragment record.
func EntryFromSlot(s protocol.Slot) Entry {
	return Entry{
		URL:    s.URL,
		Hash:   crawler.URLHash(s.URL),
		Weight: s.Weight,
		Depth:  s.Depth,
		Delay:  s.Delay,
		Flag:   s.Flag,
	}
}

// Options configures a Frontier.
type Options struct {
	Capacity        int
	NormalizeFloor  int32
	NormalizeTarget int32
}

// Frontier is the crawl priority queue. It is safe for concurrent use.
type Frontier struct {
	mu      sync.Mutex
	opts    Options
	seen    seen.Filter
	entries entryHeap
	byHash  map[uint64]*Entry
	nextSeq uint64

	maxDepth   int
	restrict   *crawler.SitePatterns
	disallowed *crawler.SitePatterns
}

// New returns an empty frontier ordered by page importance.
func New(opts Options, filter seen.Filter) *Frontier {
	if filter == nil {
		filter = seen.NewExact()
	}
	return &Frontier{
		opts:    opts,
		seen:    filter,
		entries: entryHeap{order: crawler.OrderPageImportance},
		byHash:  make(map[uint64]*Entry),
	}
}

// SetJob applies the crawl job's admission rules and ordering. Changing the
// order re-heapifies the queue.
func (f *Frontier) SetJob(job crawler.CrawlJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxDepth = job.MaxDepth
	f.restrict = crawler.NewSitePatterns(job.RestrictSites)
	f.disallowed = crawler.NewSitePatterns(job.DisallowedSites)
	order := job.Order
	if !order.Valid() {
		order = crawler.OrderPageImportance
	}
	if order != f.entries.order {
		f.entries.order = order
		heap.Init(&f.entries)
	}
}

// Seen exposes the frontier's seen filter.
func (f *Frontier) Seen() seen.Filter {
	return f.seen
}

// Capacity returns the configured bound.
func (f *Frontier) Capacity() int {
	return f.opts.Capacity
}

// Len returns the number of queued entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries.items)
}

// AddCandidate admits rawURL unless it was already seen, falls outside the
// job's site or depth limits, or the queue is full.
func (f *Frontier) AddCandidate(rawURL string, weight int32, depth uint8, sourceHash uint64) (Entry, error) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrFiltered, err)
	}
	hash := crawler.URLHash(normalized)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, queued := f.byHash[hash]; queued || f.seen.Contains(hash) {
		return Entry{}, ErrSeen
	}
	if f.maxDepth > 0 && int(depth) > f.maxDepth {
		return Entry{}, ErrFiltered
	}
	if !f.restrict.Empty() && !f.restrict.Match(normalized) {
		return Entry{}, ErrFiltered
	}
	if f.disallowed.Match(normalized) {
		return Entry{}, ErrFiltered
	}

	entry := Entry{
		URL:    normalized,
		Hash:   hash,
		Weight: clampWeight(int64(weight)),
		Depth:  depth,
		Source: sourceHash,
	}
	if f.opts.Capacity > 0 && len(f.entries.items) >= f.opts.Capacity {
		return entry, ErrFull
	}
	f.seen.Add(hash)
	f.push(entry)
	return entry, nil
}

// Restore re-inserts entries without consulting the seen filter or the
// capacity bound. Entries already queued are skipped. It returns the number
// inserted.
func (f *Frontier) Restore(entries []Entry) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range entries {
		if e.Hash == 0 {
			e.Hash = crawler.URLHash(e.URL)
		}
		if _, queued := f.byHash[e.Hash]; queued {
			continue
		}
		f.seen.Add(e.Hash)
		f.push(e)
		n++
	}
	return n
}

func (f *Frontier) push(e Entry) {
	if e.seq == 0 {
		f.nextSeq++
		e.seq = f.nextSeq
	}
	p := &e
	heap.Push(&f.entries, p)
	f.byHash[e.Hash] = p
}

// Peek returns the entry at heap position i. Position 0 is the next PopMax.
func (f *Frontier) Peek(i int) (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.entries.items) {
		return Entry{}, false
	}
	return *f.entries.items[i], true
}

// PopMax removes and returns the highest-priority entry.
func (f *Frontier) PopMax() (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries.items) == 0 {
		return Entry{}, false
	}
	e, _ := heap.Pop(&f.entries).(*Entry)
	delete(f.byHash, e.Hash)
	return *e, true
}

// Remove deletes rawURL from the queue and reports whether it was queued.
func (f *Frontier) Remove(rawURL string) bool {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	return f.RemoveHash(crawler.URLHash(normalized))
}

// RemoveHash deletes the entry keyed by hash and reports whether it was queued.
func (f *Frontier) RemoveHash(hash uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byHash[hash]
	if !ok {
		return false
	}
	heap.Remove(&f.entries, e.index)
	delete(f.byHash, hash)
	return true
}

// maxCreditedSources bounds how many extra source pages one queued URL
// remembers; later sources no longer add weight.
const maxCreditedSources = 64

// NoteSource records that a link to the queued rawURL was found on the page
// hashing to sourceHash. It reports whether this is the first time that page
// is noted for rawURL, so repeated ingests credit a link only once.
func (f *Frontier) NoteSource(rawURL string, sourceHash uint64) bool {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	hash := crawler.URLHash(normalized)
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byHash[hash]
	if !ok || sourceHash == 0 || sourceHash == e.Source || sourceHash == hash {
		return false
	}
	if slices.Contains(e.credited, sourceHash) || len(e.credited) >= maxCreditedSources {
		return false
	}
	e.credited = append(e.credited, sourceHash)
	return true
}

// AdjustWeight changes the weight of a queued URL: by delta when relative,
// to delta otherwise.
func (f *Frontier) AdjustWeight(rawURL string, delta int32, relative bool) bool {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	hash := crawler.URLHash(normalized)
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byHash[hash]
	if !ok {
		return false
	}
	if relative {
		e.Weight = clampWeight(int64(e.Weight) + int64(delta))
	} else {
		e.Weight = clampWeight(int64(delta))
	}
	heap.Fix(&f.entries, e.index)
	return true
}

// Normalize rescales all weights so the maximum becomes the configured
// target when the current maximum has decayed below the floor. It reports
// whether a rescale happened.
func (f *Frontier) Normalize() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opts.NormalizeFloor <= 0 || f.opts.NormalizeTarget <= 0 || len(f.entries.items) == 0 {
		return false
	}
	var maxWeight int32
	for _, e := range f.entries.items {
		if e.Weight > maxWeight {
			maxWeight = e.Weight
		}
	}
	if maxWeight == 0 || maxWeight >= f.opts.NormalizeFloor {
		return false
	}
	scale := float64(f.opts.NormalizeTarget) / float64(maxWeight)
	for _, e := range f.entries.items {
		e.Weight = clampWeight(int64(float64(e.Weight) * scale))
	}
	heap.Init(&f.entries)
	return true
}

// Entries returns a copy of the queue in priority order.
func (f *Frontier) Entries() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	sorted := entryHeap{order: f.entries.order, items: make([]*Entry, len(f.entries.items))}
	for i, e := range f.entries.items {
		c := *e
		sorted.items[i] = &c
	}
	heap.Init(&sorted)
	out := make([]Entry, 0, len(sorted.items))
	for sorted.Len() > 0 {
		e, _ := heap.Pop(&sorted).(*Entry)
		out = append(out, *e)
	}
	return out
}

// Clear empties the queue. The seen filter is kept.
func (f *Frontier) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries.items = nil
	f.byHash = make(map[uint64]*Entry)
}

// Reset empties the queue and the seen filter, for a new crawl.
func (f *Frontier) Reset() {
	f.Clear()
	f.seen.Reset()
}

func clampWeight(w int64) int32 {
	if w < 0 {
		return 0
	}
	if w > protocol.MaxWeight {
		return protocol.MaxWeight
	}
	return int32(w)
}

type entryHeap struct {
	order crawler.CrawlOrder
	items []*Entry
}

func (h entryHeap) Len() int { return len(h.items) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.order == crawler.OrderBreadthFirst {
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		return a.seq < b.seq
	}
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *entryHeap) Push(x any) {
	e, _ := x.(*Entry)
	e.index = len(h.items)
	h.items = append(h.items, e)
}

func (h *entryHeap) Pop() any {
	old := h.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	h.items = old[:n-1]
	return e
}
