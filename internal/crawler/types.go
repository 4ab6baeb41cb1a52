package crawler

import (
	"net/http"
	"time"
)

// CrawlOrder selects how the frontier prioritizes candidates.
type CrawlOrder string

// Supported crawl orders.
const (
	OrderPageImportance CrawlOrder = "PAGE_IMPORTANCE"
	OrderBreadthFirst   CrawlOrder = "BREADTH_FIRST"
)

// Valid reports whether o is a known crawl order.
func (o CrawlOrder) Valid() bool {
	return o == OrderPageImportance || o == OrderBreadthFirst
}

// RobotsPolicy controls how strictly robots.txt is honored.
type RobotsPolicy string

// Supported robots policies.
const (
	RobotsAlways RobotsPolicy = "ALWAYS"
	RobotsIgnore RobotsPolicy = "IGNORE"
)

// QuotaSite limits how many URLs matching Pattern are scheduled per hour.
type QuotaSite struct {
	Pattern      string `json:"pattern" mapstructure:"pattern"`
	QuotaPerHour int    `json:"quota_per_hour" mapstructure:"quota_per_hour"`
}

// CrawlJob is the process-wide crawl configuration. It is replaced wholesale
// by parameter-update messages and versioned by ModifiedAt.
type CrawlJob struct {
	CrawlTime        int64         `json:"crawl_time"`
	Order            CrawlOrder    `json:"order"`
	MaxDepth         int           `json:"max_depth"`
	RobotsPolicy     RobotsPolicy  `json:"robots_policy"`
	RepeatSchedule   time.Duration `json:"repeat_schedule"`
	Seeds            []string      `json:"seeds"`
	QuotaSites       []QuotaSite   `json:"quota_sites,omitempty"`
	RestrictSites    []string      `json:"restrict_sites,omitempty"`
	DisallowedSites  []string      `json:"disallowed_sites,omitempty"`
	ArchiveCrawlTime int64         `json:"archive_crawl_time,omitempty"`
	ModifiedAt       time.Time     `json:"modified_at"`
}

// RespectsRobots reports whether robots.txt rules apply to this crawl.
func (j CrawlJob) RespectsRobots() bool {
	return j.RobotsPolicy != RobotsIgnore
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Depth   int
	Weight  int32
	Robots  bool
	Headers http.Header
}

// FetchResponse is the raw result of downloading one URL.
type FetchResponse struct {
	URL         string
	FinalURL    string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
	Duration    time.Duration
	Err         error
}

// PageContent is what a content processor extracts from a downloaded page.
type PageContent struct {
	Title       string
	Description string
	Text        string
	Links       []string
	RobotMeta   []string
}

// NoIndex reports whether the page asked not to be indexed.
func (p PageContent) NoIndex() bool {
	return hasMeta(p.RobotMeta, "noindex") || hasMeta(p.RobotMeta, "none")
}

// NoFollow reports whether the page asked its links not to be followed.
func (p PageContent) NoFollow() bool {
	return hasMeta(p.RobotMeta, "nofollow") || hasMeta(p.RobotMeta, "none")
}

func hasMeta(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// FetcherCheckIn records a fetcher polling the coordinator.
type FetcherCheckIn struct {
	RobotInstance string    `json:"robot_instance"`
	MachineURI    string    `json:"machine_uri,omitempty"`
	CrawlTime     int64     `json:"crawl_time"`
	SeenAt        time.Time `json:"seen_at"`
}
