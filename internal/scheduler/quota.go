package scheduler

import (
	"time"

	"github.com/JakeFAU/distcrawl/internal/crawler"
)

type quotaState struct {
	raw     string
	pattern *crawler.SitePatterns
	limit   int
	count   int
}

// quotaTable caps how many URLs per hour are scheduled from each quota site.
// Counters reset at the top of every hour.
type quotaTable struct {
	sites []*quotaState
	hour  time.Time
}

func newQuotaTable(sites []crawler.QuotaSite) *quotaTable {
	t := &quotaTable{}
	for _, q := range sites {
		p := crawler.NewSitePatterns([]string{q.Pattern})
		if p == nil || q.QuotaPerHour <= 0 {
			continue
		}
		t.sites = append(t.sites, &quotaState{raw: q.Pattern, pattern: p, limit: q.QuotaPerHour})
	}
	return t
}

// carry copies this hour's counts from prev into sites whose pattern did
// not change, so a parameter update does not refill their quotas.
func (t *quotaTable) carry(prev *quotaTable) {
	if prev == nil {
		return
	}
	t.hour = prev.hour
	counts := make(map[string]int, len(prev.sites))
	for _, q := range prev.sites {
		counts[q.raw] = q.count
	}
	for _, q := range t.sites {
		q.count = counts[q.raw]
	}
}

// roll resets the counters when now falls into a new hour.
func (t *quotaTable) roll(now time.Time) bool {
	hour := now.Truncate(time.Hour)
	if hour.Equal(t.hour) {
		return false
	}
	t.hour = hour
	for _, q := range t.sites {
		q.count = 0
	}
	return true
}

// allow reports whether rawURL is under every quota it matches.
func (t *quotaTable) allow(rawURL string) bool {
	for _, q := range t.sites {
		if q.pattern.Match(rawURL) && q.count >= q.limit {
			return false
		}
	}
	return true
}

func (t *quotaTable) consume(rawURL string) {
	for _, q := range t.sites {
		if q.pattern.Match(rawURL) {
			q.count++
		}
	}
}

// release returns one unit of quota to every site rawURL matches, used when
// a scheduled URL goes back to the frontier unfetched.
func (t *quotaTable) release(rawURL string) {
	for _, q := range t.sites {
		if q.pattern.Match(rawURL) && q.count > 0 {
			q.count--
		}
	}
}
