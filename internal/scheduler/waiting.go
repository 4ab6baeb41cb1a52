package scheduler

import (
	"time"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/frontier"
	"github.com/JakeFAU/distcrawl/internal/protocol"
)

type waitEntry struct {
	batchID string
	since   time.Time
}

// ReleaseHost marks host as no longer waiting on an in-flight batch.
func (s *Scheduler) ReleaseHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiting, host)
}

// ReleaseExpired releases hosts that have waited longer than the waiting
// timeout and forgets placements too old to constrain spacing. It returns
// the number of hosts released.
func (s *Scheduler) ReleaseExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for host, w := range s.waiting {
		if now.Sub(w.since) >= s.opts.WaitingTimeout {
			delete(s.waiting, host)
			released++
		}
	}
	for host, p := range s.lastPlacement {
		if now.Sub(p.at) >= s.opts.WaitingTimeout {
			delete(s.lastPlacement, host)
		}
	}
	return released
}

// WaitingHosts returns the number of hosts with an unacknowledged batch.
func (s *Scheduler) WaitingHosts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

// IsWaiting reports whether host has an unacknowledged batch.
func (s *Scheduler) IsWaiting(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.waiting[host]
	return ok
}

// RecallPendingBatch takes back an unclaimed batch so the next pass rebuilds
// it under the current crawl parameters. Its URLs return to the frontier and
// the hosts it held are released. Robots slots are dropped and their hosts
// made schedulable for robots.txt again. It returns the number of URLs
// requeued.
func (s *Scheduler) RecallPendingBatch() (int, error) {
	meta, slots, ok, err := s.store.Take()
	if err != nil || !ok {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]frontier.Entry, 0, len(slots))
	for _, slot := range slots {
		switch slot.Flag {
		case protocol.FlagDummy:
			continue
		case protocol.FlagRobot:
			s.robots.ClearHostPending(crawler.Host(slot.URL))
			continue
		}
		entry := frontier.EntryFromSlot(slot)
		entry.Flag = protocol.FlagNone
		entry.Delay = 0
		entries = append(entries, entry)
		s.quotas.release(slot.URL)
	}
	for host, w := range s.waiting {
		if w.batchID == meta.BatchID {
			delete(s.waiting, host)
			delete(s.lastPlacement, host)
		}
	}
	return s.frontier.Restore(entries), nil
}
