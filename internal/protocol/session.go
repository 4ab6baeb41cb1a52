package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ErrBadSession is returned for missing, forged or stale session tokens.
var ErrBadSession = errors.New("invalid session")

// Command and actions of the coordinator endpoint.
const (
	CommandFetch          = "fetch"
	ActionSchedule        = "schedule"
	ActionUpdate          = "update"
	ActionCrawlTime       = "crawlTime"
	ActionArchiveSchedule = "archiveSchedule"
)

// NoData is the body returned when there is no batch or archive to hand out.
const NoData = "NO_DATA"

// Request carries the query parameters common to every fetcher call.
type Request struct {
	Action        string
	Time          int64
	Session       string
	RobotInstance string
	MachineURI    string
	CrawlTime     int64
}

// Sign returns the session token for a request timestamp.
func Sign(secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewRequest builds a signed request for action.
func NewRequest(secret, action, instance, machineURI string, crawlTime int64, now time.Time) Request {
	ts := now.Unix()
	return Request{
		Action:        action,
		Time:          ts,
		Session:       Sign(secret, ts),
		RobotInstance: instance,
		MachineURI:    machineURI,
		CrawlTime:     crawlTime,
	}
}

// Values renders the request as query parameters.
func (r Request) Values() url.Values {
	v := url.Values{}
	v.Set("c", CommandFetch)
	v.Set("a", r.Action)
	v.Set("time", strconv.FormatInt(r.Time, 10))
	v.Set("session", r.Session)
	v.Set("robot_instance", r.RobotInstance)
	if r.MachineURI != "" {
		v.Set("machine_uri", r.MachineURI)
	}
	v.Set("crawl_time", strconv.FormatInt(r.CrawlTime, 10))
	return v
}

// ParseRequest reads query parameters. It does not verify the session.
func ParseRequest(v url.Values) (Request, error) {
	if v.Get("c") != CommandFetch {
		return Request{}, fmt.Errorf("unknown command %q", v.Get("c"))
	}
	r := Request{
		Action:        v.Get("a"),
		Session:       v.Get("session"),
		RobotInstance: v.Get("robot_instance"),
		MachineURI:    v.Get("machine_uri"),
	}
	switch r.Action {
	case ActionSchedule, ActionUpdate, ActionCrawlTime, ActionArchiveSchedule:
	default:
		return Request{}, fmt.Errorf("unknown action %q", r.Action)
	}
	ts, err := strconv.ParseInt(v.Get("time"), 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("invalid time: %w", ErrBadSession)
	}
	r.Time = ts
	if raw := v.Get("crawl_time"); raw != "" {
		ct, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Request{}, fmt.Errorf("invalid crawl_time")
		}
		r.CrawlTime = ct
	}
	if r.RobotInstance == "" {
		return Request{}, fmt.Errorf("robot_instance is required")
	}
	return r, nil
}

// Verify checks the session token and that the request time is within
// window of now.
func (r Request) Verify(secret string, now time.Time, window time.Duration) error {
	expected := Sign(secret, r.Time)
	if !hmac.Equal([]byte(expected), []byte(r.Session)) {
		return ErrBadSession
	}
	skew := now.Sub(time.Unix(r.Time, 0))
	if skew < 0 {
		skew = -skew
	}
	if window > 0 && skew > window {
		return fmt.Errorf("request time skew %s: %w", skew, ErrBadSession)
	}
	return nil
}
