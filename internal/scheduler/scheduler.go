// Package scheduler turns the frontier into fetch batches. It places each
// URL into a slot so that hosts with a crawl delay are spaced by at least
// that delay, keeps robots.txt ahead of a host's pages and caps per-site
// hourly quotas.
package scheduler

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/events"
	"github.com/JakeFAU/distcrawl/internal/frontier"
	"github.com/JakeFAU/distcrawl/internal/metrics"
	"github.com/JakeFAU/distcrawl/internal/protocol"
	"github.com/JakeFAU/distcrawl/internal/robots"
)

// Options tunes batch production.
type Options struct {
	// LoopTime is the fetcher's minimum time per request slot group.
	LoopTime time.Duration
	// RequestBatchSize is the number of slots a fetcher downloads per loop.
	RequestBatchSize int
	// MaxFetchSize bounds the slots in one batch.
	MaxFetchSize int
	// MaxWaitingFraction stops a pass early once this share of examined
	// candidates belonged to waiting hosts.
	MaxWaitingFraction float64
	WaitingTimeout     time.Duration
	// JamFraction of frontier capacity above which an empty pass dumps the
	// frontier to fragments.
	JamFraction   float64
	FragmentDir   string
	FragmentSize  int
	MaxValidators int
}

func (o Options) withDefaults() Options {
	if o.LoopTime <= 0 {
		o.LoopTime = 5 * time.Second
	}
	if o.RequestBatchSize <= 0 {
		o.RequestBatchSize = 100
	}
	if o.MaxFetchSize < o.RequestBatchSize {
		o.MaxFetchSize = o.RequestBatchSize
	}
	if o.MaxWaitingFraction <= 0 {
		o.MaxWaitingFraction = 0.5
	}
	if o.WaitingTimeout <= 0 || o.WaitingTimeout > time.Hour {
		o.WaitingTimeout = time.Hour
	}
	if o.JamFraction <= 0 {
		o.JamFraction = 0.9
	}
	if o.FragmentSize <= 0 {
		o.FragmentSize = 10000
	}
	if o.MaxValidators <= 0 {
		o.MaxValidators = 100000
	}
	return o
}

// Batch is a produced fetch batch.
type Batch struct {
	Meta  protocol.BatchMeta
	Slots []protocol.Slot
	// Placed counts the non-dummy slots.
	Placed int
}

type placement struct {
	slot int64
	at   time.Time
}

// Scheduler produces fetch batches from the frontier.
type Scheduler struct {
	opts     Options
	frontier *frontier.Frontier
	robots   *robots.Engine
	store    *BatchStore
	job      *crawler.JobState
	ids      crawler.IDGenerator
	events   events.Emitter
	logger   *zap.Logger

	mu            sync.Mutex
	waiting       map[string]waitEntry
	lastPlacement map[string]placement
	// slotBase is the global position of the next batch's first slot.
	slotBase   int64
	quotas     *quotaTable
	jobVersion time.Time
	validators *validatorTable
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Frontier *frontier.Frontier
	Robots   *robots.Engine
	Store    *BatchStore
	Job      *crawler.JobState
	IDs      crawler.IDGenerator
	Events   events.Emitter
	Logger   *zap.Logger
}

// New builds a Scheduler.
func New(opts Options, deps Deps) (*Scheduler, error) {
	if deps.Frontier == nil || deps.Robots == nil || deps.Store == nil || deps.Job == nil {
		return nil, errors.New("scheduler requires frontier, robots, batch store and job state")
	}
	if deps.IDs == nil {
		return nil, errors.New("scheduler requires an id generator")
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Scheduler{
		opts:          opts,
		frontier:      deps.Frontier,
		robots:        deps.Robots,
		store:         deps.Store,
		job:           deps.Job,
		ids:           deps.IDs,
		events:        deps.Events,
		logger:        deps.Logger,
		waiting:       make(map[string]waitEntry),
		lastPlacement: make(map[string]placement),
		quotas:        newQuotaTable(nil),
		validators:    newValidatorTable(opts.MaxValidators),
	}, nil
}

// Frontier returns the scheduler's frontier.
func (s *Scheduler) Frontier() *frontier.Frontier { return s.frontier }

// Robots returns the scheduler's robots engine.
func (s *Scheduler) Robots() *robots.Engine { return s.robots }

// Store returns the batch hand-off store.
func (s *Scheduler) Store() *BatchStore { return s.store }

// Job returns the shared crawl job state.
func (s *Scheduler) Job() *crawler.JobState { return s.job }

// SetValidator remembers cache validators for rawURL.
func (s *Scheduler) SetValidator(rawURL string, v protocol.Validator) {
	s.validators.set(rawURL, v)
}

// RollQuotas resets per-site counters when now starts a new hour.
func (s *Scheduler) RollQuotas(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotas.roll(now)
}

// SlotBase returns the global position of the next batch's first slot.
func (s *Scheduler) SlotBase() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slotBase
}

// SetSlotBase restores the global slot counter from saved state.
func (s *Scheduler) SetSlotBase(base int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slotBase = base
}

// ResetPlacements forgets waiting hosts and per-host spacing, used when a
// new crawl starts.
func (s *Scheduler) ResetPlacements() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting = make(map[string]waitEntry)
	s.lastPlacement = make(map[string]placement)
}

// syncJob applies job to the frontier and quotas if it changed. Caller holds s.mu.
func (s *Scheduler) syncJob(job crawler.CrawlJob, now time.Time) {
	if job.ModifiedAt.Equal(s.jobVersion) {
		return
	}
	s.frontier.SetJob(job)
	quotas := newQuotaTable(job.QuotaSites)
	quotas.carry(s.quotas)
	quotas.roll(now)
	s.quotas = quotas
	s.jobVersion = job.ModifiedAt
}

// slotGap is the number of slots that must separate two requests to a host
// with the given crawl delay.
func (s *Scheduler) slotGap(delay time.Duration) int64 {
	loops := math.Ceil(float64(delay) / float64(s.opts.LoopTime))
	return int64(loops) * int64(s.opts.RequestBatchSize)
}

func roundUp(n, multiple int) int {
	if multiple <= 0 {
		return n
	}
	return ((n + multiple - 1) / multiple) * multiple
}

// pass is the state of one ProduceFetchBatch call.
type pass struct {
	grid     []protocol.Slot
	used     []bool
	nextOpen int
	last     int
	placed   int
	// entries taken from the frontier and placed, restored if the write fails.
	placedEntries []frontier.Entry
	// entries taken from the frontier but not placed, restored at the end.
	keep    []frontier.Entry
	delayed map[string]int64
	robots  map[string]struct{}
}

func newPass(size int) *pass {
	return &pass{
		grid:    make([]protocol.Slot, size),
		used:    make([]bool, size),
		last:    -1,
		delayed: make(map[string]int64),
		robots:  make(map[string]struct{}),
	}
}

func (p *pass) full() bool {
	return p.nextOpen >= len(p.grid)
}

// freeFrom returns the first unused position at or after pos, or -1.
func (p *pass) freeFrom(pos int) int {
	for ; pos < len(p.grid); pos++ {
		if !p.used[pos] {
			return pos
		}
	}
	return -1
}

func (p *pass) put(pos int, slot protocol.Slot) {
	p.grid[pos] = slot
	p.used[pos] = true
	p.placed++
	if pos > p.last {
		p.last = pos
	}
	if pos == p.nextOpen {
		if next := p.freeFrom(pos + 1); next >= 0 {
			p.nextOpen = next
		} else {
			p.nextOpen = len(p.grid)
		}
	}
}

func (p *pass) slots() []protocol.Slot {
	out := make([]protocol.Slot, p.last+1)
	for i := range out {
		if p.used[i] {
			out[i] = p.grid[i]
		} else {
			out[i] = protocol.Dummy()
		}
	}
	return out
}

// ProduceFetchBatch builds the next batch and writes it to the batch store.
// It returns nil when an unclaimed batch is still pending, when no crawl is
// active or when nothing could be placed.
func (s *Scheduler) ProduceFetchBatch(now time.Time) (*Batch, error) {
	if s.store.Pending() {
		return nil, nil
	}
	job := s.job.Snapshot()
	if job.CrawlTime == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncJob(job, now)

	waiting := make(map[string]struct{}, len(s.waiting))
	for host := range s.waiting {
		waiting[host] = struct{}{}
	}
	p := newPass(s.opts.MaxFetchSize)
	examined, skipped := 0, 0

	for !p.full() {
		entry, ok := s.frontier.PopMax()
		if !ok {
			break
		}
		examined++
		host := crawler.Host(entry.URL)

		if job.RespectsRobots() && !s.robots.HasRobots(host) {
			s.placeRobots(p, entry, host, now)
			p.keep = append(p.keep, entry)
			continue
		}
		if job.RespectsRobots() && !s.robots.CheckRobotOkay(entry.URL) {
			s.logger.Debug("dropping url disallowed by robots.txt", zap.String("url", entry.URL))
			continue
		}
		if _, ok := waiting[host]; ok {
			p.keep = append(p.keep, entry)
			skipped++
			if examined >= s.opts.RequestBatchSize &&
				float64(skipped)/float64(examined) > s.opts.MaxWaitingFraction {
				s.logger.Debug("stopping pass early, too many waiting hosts",
					zap.Int("examined", examined), zap.Int("waiting", skipped))
				break
			}
			continue
		}
		if !s.quotas.allow(entry.URL) {
			p.keep = append(p.keep, entry)
			continue
		}

		delay := s.robots.GetCrawlDelay(host)
		if delay <= 0 {
			p.put(p.nextOpen, s.slotFor(entry, protocol.FlagNone, 0))
			p.placedEntries = append(p.placedEntries, entry)
			s.quotas.consume(entry.URL)
			continue
		}

		target := s.slotBase + int64(p.nextOpen)
		last, seenInPass := p.delayed[host]
		if !seenInPass {
			if prior, ok := s.lastPlacement[host]; ok {
				last, seenInPass = prior.slot, true
			}
		}
		if seenInPass {
			if spaced := last + s.slotGap(delay); spaced > target {
				target = spaced
			}
		}
		rel := target - s.slotBase
		pos := -1
		if rel < int64(len(p.grid)) {
			pos = p.freeFrom(int(rel))
		}
		if pos < 0 {
			p.keep = append(p.keep, entry)
			continue
		}
		p.put(pos, s.slotFor(entry, protocol.FlagSchedulable, delay))
		p.placedEntries = append(p.placedEntries, entry)
		p.delayed[host] = s.slotBase + int64(pos)
		s.quotas.consume(entry.URL)
	}

	s.frontier.Restore(p.keep)

	if p.placed == 0 {
		metrics.ObserveBatch("empty", 0)
		s.maybeUnjam(job, now)
		return nil, nil
	}

	batch, err := s.writeBatch(job, p, now)
	if err != nil {
		s.frontier.Restore(p.placedEntries)
		return nil, err
	}

	for host, slot := range p.delayed {
		s.lastPlacement[host] = placement{slot: slot, at: now}
		s.waiting[host] = waitEntry{batchID: batch.Meta.BatchID, since: now}
	}
	s.slotBase += int64(roundUp(len(batch.Slots), s.opts.RequestBatchSize))

	metrics.ObserveBatch("produced", batch.Placed)
	metrics.SetFrontierSize(s.frontier.Len())
	metrics.SetWaitingHosts(len(s.waiting))
	evt := events.New(events.KindBatchProduced, job.CrawlTime, now)
	evt.Ref = batch.Meta.BatchID
	evt.Count = int64(batch.Placed)
	s.events.Emit(evt)
	s.logger.Info("fetch batch produced",
		zap.String("batch_id", batch.Meta.BatchID),
		zap.Int("slots", len(batch.Slots)),
		zap.Int("placed", batch.Placed),
		zap.Int("examined", examined))
	return batch, nil
}

// placeRobots schedules host's robots.txt once, unless it is already in
// flight.
func (s *Scheduler) placeRobots(p *pass, entry frontier.Entry, host string, now time.Time) {
	if _, done := p.robots[host]; done || s.robots.RobotsPending(host, now) {
		return
	}
	robotsURL := s.robots.RobotsURL(entry.URL)
	if robotsURL == "" {
		return
	}
	p.put(p.nextOpen, protocol.Slot{URL: robotsURL, Weight: entry.Weight, Flag: protocol.FlagRobot})
	p.robots[host] = struct{}{}
	s.robots.MarkRobotsPending(host, now)
}

func (s *Scheduler) slotFor(entry frontier.Entry, flag protocol.Flag, delay time.Duration) protocol.Slot {
	slot := entry.Slot()
	slot.Flag = flag
	slot.Delay = 0
	if delay > 0 {
		secs := uint64(math.Ceil(delay.Seconds()))
		if secs > protocol.MaxDelay {
			secs = protocol.MaxDelay
		}
		slot.Delay = uint32(secs)
	}
	return slot
}

func (s *Scheduler) writeBatch(job crawler.CrawlJob, p *pass, now time.Time) (*Batch, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("batch id: %w", err)
	}
	slots := p.slots()
	meta := protocol.BatchMeta{
		BatchID:          id,
		CrawlTime:        job.CrawlTime,
		Order:            job.Order,
		MaxDepth:         job.MaxDepth,
		RobotsPolicy:     job.RobotsPolicy,
		ParamsModified:   job.ModifiedAt,
		CreatedAt:        now.UTC(),
		RequestBatchSize: s.opts.RequestBatchSize,
		LoopTime:         s.opts.LoopTime,
		Validators:       s.validators.forSlots(slots),
	}
	if err := s.store.Write(meta, slots); err != nil {
		return nil, err
	}
	return &Batch{Meta: meta, Slots: slots, Placed: p.placed}, nil
}

// maybeUnjam dumps and clears a nearly full frontier that yielded nothing.
// Caller holds s.mu.
func (s *Scheduler) maybeUnjam(job crawler.CrawlJob, now time.Time) {
	capacity := s.frontier.Capacity()
	size := s.frontier.Len()
	if capacity <= 0 || float64(size) < s.opts.JamFraction*float64(capacity) {
		return
	}
	if s.opts.FragmentDir == "" {
		s.logger.Warn("frontier jammed but no fragment directory configured", zap.Int("size", size))
		return
	}
	files, err := s.frontier.Dump(s.opts.FragmentDir, s.opts.FragmentSize)
	if err != nil {
		s.logger.Error("frontier unjam dump failed", zap.Error(err))
		return
	}
	s.frontier.Clear()
	s.waiting = make(map[string]waitEntry)
	s.lastPlacement = make(map[string]placement)

	metrics.ObserveBatch("unjammed", 0)
	metrics.SetFrontierSize(0)
	metrics.SetWaitingHosts(0)
	evt := events.New(events.KindFrontierUnjammed, job.CrawlTime, now)
	evt.Count = int64(size)
	evt.Note = fmt.Sprintf("%d fragments", len(files))
	s.events.Emit(evt)
	s.logger.Warn("frontier unjammed", zap.Int("entries", size), zap.Int("fragments", len(files)))
}
