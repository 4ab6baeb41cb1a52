// Package robots is the per-host politeness table: parsed robots.txt rules,
// crawl delays and the bookkeeping that keeps a host's robots.txt fetched
// before any of its pages.
package robots

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/crawler"
)

// DefaultTTL is how long fetched robots data stays valid.
const DefaultTTL = 24 * time.Hour

// Options configures an Engine.
type Options struct {
	UserAgent string
	// TTL is the age after which Refresh drops a host's robots data.
	TTL time.Duration
	// PendingTTL bounds how long a robots.txt stays marked in flight.
	PendingTTL time.Duration
}

type hostState struct {
	Host       string    `json:"host"`
	StatusCode int       `json:"status_code"`
	Body       []byte    `json:"body,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`

	data     *robotstxt.RobotsData
	delay    time.Duration
	hasDelay bool
}

// Engine answers robots and crawl-delay questions for the scheduler. It is
// safe for concurrent use.
type Engine struct {
	opts   Options
	logger *zap.Logger

	mu        sync.RWMutex
	hosts     map[string]*hostState
	cldDelay  map[string]time.Duration
	penalties map[string]time.Duration
	pending   map[string]time.Time
	sitemaps  []string
}

// New returns an empty engine.
func New(opts Options, logger *zap.Logger) *Engine {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		opts:      opts,
		logger:    logger,
		hosts:     make(map[string]*hostState),
		cldDelay:  make(map[string]time.Duration),
		penalties: make(map[string]time.Duration),
		pending:   make(map[string]time.Time),
	}
}

// SetRobots records the robots.txt response for host. 4xx responses allow
// everything and 5xx responses disallow everything. Any other non-2xx status
// is rejected so the robots.txt is fetched again once its pending mark
// expires.
func (e *Engine) SetRobots(host string, status int, body []byte, fetchedAt time.Time) error {
	host = strings.ToLower(host)
	state := &hostState{Host: host, StatusCode: status, Body: body, FetchedAt: fetchedAt}
	if err := e.parse(state); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.hosts[host] = state
	delete(e.pending, host)
	if state.hasDelay {
		e.cldDelay[crawler.CompanyLevelDomain(host)] = state.delay
	}
	if status >= 200 && status < 300 {
		e.sitemaps = append(e.sitemaps, state.data.Sitemaps...)
	}
	return nil
}

func (e *Engine) parse(state *hostState) error {
	data, err := robotstxt.FromStatusAndBytes(state.StatusCode, state.Body)
	if err != nil {
		return fmt.Errorf("parse robots for %s: %w", state.Host, err)
	}
	state.data = data
	if group := data.FindGroup(e.opts.UserAgent); group != nil && group.CrawlDelay > 0 {
		state.delay = group.CrawlDelay
		state.hasDelay = true
	}
	return nil
}

// HasRobots reports whether host has current robots data.
func (e *Engine) HasRobots(host string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.hosts[strings.ToLower(host)]
	return ok
}

// RobotsURL returns the robots.txt URL serving rawURL.
func (e *Engine) RobotsURL(rawURL string) string {
	return crawler.RobotsURL(rawURL)
}

// CheckRobotOkay reports whether rawURL may be fetched. A host without
// robots data is never okay.
func (e *Engine) CheckRobotOkay(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	e.mu.RLock()
	state, ok := e.hosts[strings.ToLower(u.Host)]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return state.data.TestAgent(path, e.opts.UserAgent)
}

// GetCrawlDelay returns the delay between requests to host, including any
// penalty. A host without a crawl-delay directive of its own inherits the
// last one seen for its company-level domain.
func (e *Engine) GetCrawlDelay(host string) time.Duration {
	host = strings.ToLower(host)
	e.mu.RLock()
	defer e.mu.RUnlock()
	penalty := e.penalties[host]
	if state, ok := e.hosts[host]; ok && state.hasDelay {
		return state.delay + penalty
	}
	return e.cldDelay[crawler.CompanyLevelDomain(host)] + penalty
}

// Penalize adds extra to host's crawl delay.
func (e *Engine) Penalize(host string, extra time.Duration) {
	if extra <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.penalties[strings.ToLower(host)] += extra
}

// MarkRobotsPending records that host's robots.txt has been scheduled.
func (e *Engine) MarkRobotsPending(host string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[strings.ToLower(host)] = now
}

// RobotsPending reports whether host's robots.txt is scheduled and not yet
// expired.
func (e *Engine) RobotsPending(host string, now time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	at, ok := e.pending[strings.ToLower(host)]
	return ok && now.Sub(at) < e.opts.PendingTTL
}

// ClearHostPending drops host's robots-pending mark so its robots.txt is
// scheduled again.
func (e *Engine) ClearHostPending(host string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, strings.ToLower(host))
}

// ClearPending drops every robots-pending mark.
func (e *Engine) ClearPending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = make(map[string]time.Time)
}

// Refresh drops robots data older than the TTL and expired pending marks.
// It returns the hosts whose data was dropped.
func (e *Engine) Refresh(now time.Time) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var dropped []string
	for host, state := range e.hosts {
		if now.Sub(state.FetchedAt) >= e.opts.TTL {
			delete(e.hosts, host)
			dropped = append(dropped, host)
		}
	}
	for host, at := range e.pending {
		if now.Sub(at) >= e.opts.PendingTTL {
			delete(e.pending, host)
		}
	}
	if len(dropped) > 0 {
		e.rebuildCLDDelays()
	}
	sort.Strings(dropped)
	return dropped
}

func (e *Engine) rebuildCLDDelays() {
	e.cldDelay = make(map[string]time.Duration)
	for host, state := range e.hosts {
		if state.hasDelay {
			e.cldDelay[crawler.CompanyLevelDomain(host)] = state.delay
		}
	}
}

// TakeSitemaps returns and forgets the sitemap URLs found since the last call.
func (e *Engine) TakeSitemaps() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.sitemaps
	e.sitemaps = nil
	return out
}

// Len returns the number of hosts with robots data.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.hosts)
}

// Reset forgets everything, for a new crawl.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hosts = make(map[string]*hostState)
	e.cldDelay = make(map[string]time.Duration)
	e.penalties = make(map[string]time.Duration)
	e.pending = make(map[string]time.Time)
	e.sitemaps = nil
}

type snapshot struct {
	Hosts     []*hostState             `json:"hosts"`
	Penalties map[string]time.Duration `json:"penalties,omitempty"`
}

// Save writes the host table to path as JSON.
func (e *Engine) Save(path string) error {
	e.mu.RLock()
	snap := snapshot{Penalties: make(map[string]time.Duration, len(e.penalties))}
	for _, state := range e.hosts {
		snap.Hosts = append(snap.Hosts, state)
	}
	for host, p := range e.penalties {
		snap.Penalties[host] = p
	}
	e.mu.RUnlock()

	sort.Slice(snap.Hosts, func(i, j int) bool { return snap.Hosts[i].Host < snap.Hosts[j].Host })
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal robots snapshot: %w", err)
	}
	if err := crawler.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write robots snapshot: %w", err)
	}
	return nil
}

// Load replaces the host table with the snapshot at path. A missing file is
// not an error. Hosts whose saved data no longer parses are dropped and
// fetched again.
func (e *Engine) Load(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read robots snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode robots snapshot: %w", err)
	}

	hosts := make(map[string]*hostState, len(snap.Hosts))
	for _, state := range snap.Hosts {
		if err := e.parse(state); err != nil {
			e.logger.Warn("dropping unparsable robots entry", zap.String("host", state.Host), zap.Error(err))
			continue
		}
		hosts[state.Host] = state
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.hosts = hosts
	e.penalties = snap.Penalties
	if e.penalties == nil {
		e.penalties = make(map[string]time.Duration)
	}
	e.rebuildCLDDelays()
	return nil
}
