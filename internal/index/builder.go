package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/clock/system"
	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/dictionary"
	"github.com/JakeFAU/distcrawl/internal/events"
	"github.com/JakeFAU/distcrawl/internal/metrics"
	"github.com/JakeFAU/distcrawl/internal/protocol"
	"github.com/JakeFAU/distcrawl/internal/seen"
)

// Generation states.
const (
	StateOpen             = "OPEN"
	StateSealed           = "SEALED"
	StateDictionaryMerged = "DICTIONARY-MERGED"
)

const (
	manifestFile = "generations.json"
	snapshotFile = "open.snap"
	docsSeenFile = "docs.seen"

	maxFlushPromotions = 16
)

// Generation is one entry of the generations manifest.
type Generation struct {
	ID       uint32    `json:"id"`
	State    string    `json:"state"`
	Docs     int       `json:"docs"`
	SealedAt time.Time `json:"sealed_at,omitempty"`
}

// Manifest lists every generation of a crawl's index.
type Manifest struct {
	CrawlTime   int64        `json:"crawl_time"`
	Open        uint32       `json:"open"`
	Generations []Generation `json:"generations"`
}

// Options configures a Builder.
type Options struct {
	// Dir holds shards, the manifest and the open generation snapshot.
	Dir string
	// DictionaryDir defaults to Dir/dictionary.
	DictionaryDir   string
	MaxDocsPerShard int
	CrawlTime       int64
	Dictionary      dictionary.Options
}

// Deps are the optional collaborators of a Builder.
type Deps struct {
	// Blobs receives a copy of every sealed shard.
	Blobs  crawler.BlobStore
	Events events.Emitter
	Clock  crawler.Clock
	Logger *zap.Logger
}

// Builder adds documents to the open generation, seals full generations
// into shards and promotes sealed shards into the dictionary.
type Builder struct {
	opts   Options
	dict   *dictionary.Dictionary
	blobs  crawler.BlobStore
	events events.Emitter
	clock  crawler.Clock
	logger *zap.Logger

	merging atomic.Bool
	mergeWG sync.WaitGroup

	mu       sync.Mutex
	manifest Manifest
	open     *openShard
	docs     *seen.Exact
	shards   map[uint32]*Shard
}

// ShardPrefix is the blob prefix holding a crawl's sealed shards.
func ShardPrefix(crawlTime int64) string {
	return fmt.Sprintf("shards/%d/", crawlTime)
}

// Open loads or creates the index in opts.Dir.
func Open(opts Options, deps Deps) (*Builder, error) {
	if opts.Dir == "" {
		return nil, errors.New("index dir is required")
	}
	if opts.DictionaryDir == "" {
		opts.DictionaryDir = filepath.Join(opts.Dir, "dictionary")
	}
	if opts.MaxDocsPerShard <= 0 {
		opts.MaxDocsPerShard = 1000
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	opts.Dictionary.CrawlTime = opts.CrawlTime
	dict, err := dictionary.Open(opts.DictionaryDir, opts.Dictionary, deps.Events, deps.Logger)
	if err != nil {
		return nil, err
	}
	b := &Builder{
		opts:   opts,
		dict:   dict,
		blobs:  deps.Blobs,
		events: deps.Events,
		clock:  deps.Clock,
		logger: deps.Logger,
		shards: make(map[uint32]*Shard),
	}
	if err := b.load(); err != nil {
		_ = dict.Close()
		return nil, err
	}
	return b, nil
}

func (b *Builder) load() error {
	data, err := os.ReadFile(filepath.Join(b.opts.Dir, manifestFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		b.manifest = Manifest{CrawlTime: b.opts.CrawlTime, Open: 1}
	case err != nil:
		return fmt.Errorf("read generations manifest: %w", err)
	default:
		if err := json.Unmarshal(data, &b.manifest); err != nil {
			return fmt.Errorf("decode generations manifest: %w", err)
		}
	}

	b.open = newOpenShard(b.manifest.Open)
	snap, err := loadSnapshot(filepath.Join(b.opts.Dir, snapshotFile))
	if err != nil {
		b.logger.Warn("discarding unreadable open generation snapshot", zap.Error(err))
	} else if snap != nil && snap.Gen == b.manifest.Open {
		b.open = snap
	}

	b.docs = seen.NewExact()
	filter, ok, err := seen.Load(filepath.Join(b.opts.Dir, docsSeenFile))
	if err != nil {
		b.logger.Warn("discarding unreadable document filter", zap.Error(err))
	} else if ok {
		if exact, isExact := filter.(*seen.Exact); isExact {
			b.docs = exact
		}
	}
	metrics.SetIndexShards(b.countState(StateSealed, StateDictionaryMerged))
	return nil
}

func loadSnapshot(path string) (*openShard, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, err := protocol.Decompress(data)
	if err != nil {
		return nil, err
	}
	var o openShard
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if o.Postings == nil {
		o.Postings = make(map[uint64][]Posting)
	}
	return &o, nil
}

// Dictionary returns the builder's dictionary.
func (b *Builder) Dictionary() *dictionary.Dictionary {
	return b.dict
}

// Manifest returns a copy of the generations manifest.
func (b *Builder) Manifest() Manifest {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.manifest
	m.Generations = append([]Generation(nil), b.manifest.Generations...)
	return m
}

// OpenDocs returns the number of documents in the open generation.
func (b *Builder) OpenDocs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open.Docs)
}

// Merging reports whether a dictionary merge is running.
func (b *Builder) Merging() bool {
	return b.merging.Load()
}

// InitGenerationToAdd returns the generation that will receive count more
// documents, sealing the open one first if they would not fit. It returns
// -1 while a dictionary merge is running; callers back off and retry.
func (b *Builder) InitGenerationToAdd(ctx context.Context, count int) (int, error) {
	if b.merging.Load() {
		return -1, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.open.Docs); n > 0 && n+count > b.opts.MaxDocsPerShard {
		if err := b.sealLocked(ctx); err != nil {
			return 0, err
		}
	}
	return int(b.open.Gen), nil
}

func docKey(s protocol.Summary) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(s.URLHash >> (8 * i))
	}
	_, _ = d.Write(buf[:])
	_, _ = d.WriteString(s.ContentHash)
	return d.Sum64()
}

// AddSummaries indexes summaries into the open generation and returns the
// first generation that received them, or -1 while a dictionary merge is
// running. A summary whose URL and content were already indexed is skipped,
// so re-ingesting an upload adds nothing. A generation is sealed as soon as
// it holds MaxDocsPerShard documents; if that seal starts a merge, the rest
// of the summaries are left for the caller's retry and -1 is returned.
func (b *Builder) AddSummaries(ctx context.Context, summaries []protocol.Summary) (int, error) {
	gen, err := b.InitGenerationToAdd(ctx, len(summaries))
	if err != nil || gen < 0 {
		return gen, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	added := 0
	defer func() { metrics.AddIndexDocs(added) }()
	for _, s := range summaries {
		if len(b.open.Docs) >= b.opts.MaxDocsPerShard {
			if err := b.sealLocked(ctx); err != nil {
				return gen, err
			}
			if b.merging.Load() {
				return -1, nil
			}
		}
		if s.StatusCode != 0 && (s.StatusCode < 200 || s.StatusCode > 299) {
			continue
		}
		if !b.docs.Add(docKey(s)) {
			continue
		}
		b.open.add(s)
		added++
	}
	if len(b.open.Docs) >= b.opts.MaxDocsPerShard {
		if err := b.sealLocked(ctx); err != nil {
			return gen, err
		}
	}
	return gen, nil
}

// Seal writes the open generation as a shard, even if it is not full.
func (b *Builder) Seal(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealLocked(ctx)
}

func (b *Builder) sealLocked(ctx context.Context) error {
	if len(b.open.Docs) == 0 {
		return nil
	}
	start := time.Now()
	now := b.clock.Now()
	gen := b.open.Gen
	path := filepath.Join(b.opts.Dir, ShardName(gen))
	records, err := writeShard(path, b.open, now)
	if err != nil {
		return err
	}
	b.setState(gen, StateSealed, len(b.open.Docs), now)
	b.manifest.Open = gen + 1
	docs := len(b.open.Docs)
	b.open = newOpenShard(gen + 1)
	if err := b.saveLocked(); err != nil {
		return err
	}
	metrics.SetIndexShards(b.countState(StateSealed, StateDictionaryMerged))
	b.logger.Info("generation sealed",
		zap.Uint32("gen", gen), zap.Int("docs", docs), zap.Int("words", len(records)))

	size := int64(0)
	if b.blobs != nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read sealed shard: %w", err)
		}
		size = int64(len(data))
		if _, err := b.blobs.PutObject(ctx, ShardPrefix(b.opts.CrawlTime)+ShardName(gen), "application/octet-stream", bytes.NewReader(data)); err != nil {
			b.logger.Warn("shard upload failed", zap.Uint32("gen", gen), zap.Error(err))
		}
	}
	evt := events.New(events.KindShardSealed, b.opts.CrawlTime, now)
	evt.Role = "indexer"
	evt.Ref = ShardName(gen)
	evt.Count = int64(docs)
	evt.Bytes = size
	evt.Dur = time.Since(start)
	b.events.Emit(evt)

	return b.promoteLocked(ctx)
}

func (b *Builder) setState(gen uint32, state string, docs int, at time.Time) {
	for i := range b.manifest.Generations {
		if b.manifest.Generations[i].ID == gen {
			b.manifest.Generations[i].State = state
			return
		}
	}
	b.manifest.Generations = append(b.manifest.Generations, Generation{ID: gen, State: state, Docs: docs, SealedAt: at.UTC()})
	sort.Slice(b.manifest.Generations, func(i, j int) bool {
		return b.manifest.Generations[i].ID < b.manifest.Generations[j].ID
	})
}

func (b *Builder) countState(states ...string) int {
	n := 0
	for _, g := range b.manifest.Generations {
		for _, s := range states {
			if g.State == s {
				n++
			}
		}
	}
	return n
}

// PromoteSealed adds the dictionary records of every sealed generation. It
// does nothing while a merge runs and starts one when the dictionary is full
// or past its merge threshold.
func (b *Builder) PromoteSealed(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.promoteLocked(ctx)
}

func (b *Builder) promoteLocked(ctx context.Context) error {
	if b.merging.Load() {
		return nil
	}
	changed := false
	for i := range b.manifest.Generations {
		g := &b.manifest.Generations[i]
		if g.State != StateSealed {
			continue
		}
		shard, err := b.shardLocked(g.ID)
		if err != nil {
			return err
		}
		err = b.dict.AddTier(g.ID, shard.Records())
		if errors.Is(err, dictionary.ErrTooManyTiers) {
			break
		}
		if err != nil {
			return err
		}
		g.State = StateDictionaryMerged
		changed = true
	}
	if changed {
		if err := b.writeManifestLocked(); err != nil {
			return err
		}
	}
	if b.dict.NeedsMerge() || b.dict.Full() {
		b.StartMerge(ctx)
	}
	return nil
}

// StartMerge runs MergeAllTiers in the background unless one is running.
func (b *Builder) StartMerge(ctx context.Context) bool {
	if !b.merging.CompareAndSwap(false, true) {
		return false
	}
	b.mergeWG.Add(1)
	go func() {
		defer b.mergeWG.Done()
		defer b.merging.Store(false)
		if err := b.dict.MergeAllTiers(ctx); err != nil {
			b.logger.Error("dictionary merge failed", zap.Error(err))
		}
	}()
	return true
}

// WaitMerge blocks until a running merge finishes.
func (b *Builder) WaitMerge() {
	b.mergeWG.Wait()
}

// Flush seals the open generation, promotes every sealed shard and compacts
// the dictionary into a single tier before saving.
func (b *Builder) Flush(ctx context.Context) error {
	b.WaitMerge()
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sealLocked(ctx); err != nil {
		return err
	}
	for attempt := 0; b.countState(StateSealed) > 0; attempt++ {
		if attempt > maxFlushPromotions {
			return errors.New("sealed generations could not be promoted")
		}
		if err := b.promoteLocked(ctx); err != nil {
			return err
		}
		b.WaitMerge()
	}
	if !b.merging.CompareAndSwap(false, true) {
		return errors.New("merge started during flush")
	}
	err := b.dict.ForceMerge(ctx)
	b.merging.Store(false)
	if err != nil {
		return err
	}
	return b.saveLocked()
}

// ForceSave persists the open generation, the manifest, the document filter
// and the dictionary root regardless of merge activity.
func (b *Builder) ForceSave() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saveLocked()
}

func (b *Builder) saveLocked() error {
	raw, err := json.Marshal(b.open)
	if err != nil {
		return fmt.Errorf("marshal open generation: %w", err)
	}
	data, err := protocol.Compress(raw)
	if err != nil {
		return err
	}
	if err := crawler.WriteFileAtomic(filepath.Join(b.opts.Dir, snapshotFile), data); err != nil {
		return fmt.Errorf("save open generation: %w", err)
	}
	if err := b.writeManifestLocked(); err != nil {
		return err
	}
	if err := seen.Save(b.docs, filepath.Join(b.opts.Dir, docsSeenFile)); err != nil {
		return err
	}
	return b.dict.Save(b.clock.Now())
}

func (b *Builder) writeManifestLocked() error {
	data, err := json.MarshalIndent(b.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal generations manifest: %w", err)
	}
	return crawler.WriteFileAtomic(filepath.Join(b.opts.Dir, manifestFile), data)
}

func (b *Builder) shardLocked(gen uint32) (*Shard, error) {
	if s, ok := b.shards[gen]; ok {
		return s, nil
	}
	s, err := OpenShard(filepath.Join(b.opts.Dir, ShardName(gen)))
	if err != nil {
		return nil, err
	}
	b.shards[gen] = s
	return s, nil
}

// Close waits for merges and releases every open file.
func (b *Builder) Close() error {
	b.WaitMerge()
	b.mu.Lock()
	defer b.mu.Unlock()
	for gen, s := range b.shards {
		_ = s.Close()
		delete(b.shards, gen)
	}
	return b.dict.Close()
}
