// Package fetcher is the fetcher agent: it claims batches from the
// coordinator, downloads them and uploads the results in parts.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/protocol"
	"github.com/JakeFAU/distcrawl/internal/telemetry"
)

// ErrUnauthorized means the coordinator rejected the session token.
var ErrUnauthorized = fmt.Errorf("coordinator rejected session: %w", crawler.ErrPermanent)

// Coordinator is the fetcher's view of the coordinator endpoint.
type Coordinator interface {
	CrawlTime(ctx context.Context, current int64) (protocol.CrawlTimeResponse, error)
	Schedule(ctx context.Context, crawlTime int64) ([]byte, bool, error)
	ArchiveSchedule(ctx context.Context, crawlTime int64) ([]byte, bool, error)
	SendPart(ctx context.Context, crawlTime int64, part protocol.Part) (protocol.UpdateResponse, error)
}

// ClientConfig identifies the fetcher to the coordinator.
type ClientConfig struct {
	BaseURL       string
	Secret        string
	RobotInstance string
	MachineURI    string
	Timeout       time.Duration
}

// Client talks to the coordinator over HTTP.
type Client struct {
	cfg   ClientConfig
	http  *http.Client
	clock crawler.Clock
}

// NewClient returns a Client. httpClient and clock may be nil.
func NewClient(cfg ClientConfig, httpClient *http.Client, clock crawler.Clock) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Client{cfg: cfg, http: httpClient, clock: clock}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (c *Client) target(action string, crawlTime int64) string {
	req := protocol.NewRequest(c.cfg.Secret, action, c.cfg.RobotInstance, c.cfg.MachineURI, crawlTime, c.clock.Now())
	base := c.cfg.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + "?" + req.Values().Encode()
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	telemetry.InjectHeaders(req.Context(), req.Header)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coordinator request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read coordinator response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("coordinator status %d: %s: %w", resp.StatusCode, bytes.TrimSpace(body), crawler.ErrPermanent)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("coordinator status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, action string, crawlTime int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.target(action, crawlTime), nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", action, err)
	}
	return c.do(req)
}

// CrawlTime performs the handshake, reporting the crawl the fetcher is on.
func (c *Client) CrawlTime(ctx context.Context, current int64) (protocol.CrawlTimeResponse, error) {
	var out protocol.CrawlTimeResponse
	body, err := c.get(ctx, protocol.ActionCrawlTime, current)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode crawlTime response: %w", err)
	}
	return out, nil
}

func noData(body []byte) bool {
	return string(bytes.TrimSpace(body)) == protocol.NoData
}

// Schedule claims the pending batch, or ok=false if there is none.
func (c *Client) Schedule(ctx context.Context, crawlTime int64) ([]byte, bool, error) {
	body, err := c.get(ctx, protocol.ActionSchedule, crawlTime)
	if err != nil || noData(body) {
		return nil, false, err
	}
	return body, true, nil
}

// ArchiveSchedule fetches the next archived upload to re-index.
func (c *Client) ArchiveSchedule(ctx context.Context, crawlTime int64) ([]byte, bool, error) {
	body, err := c.get(ctx, protocol.ActionArchiveSchedule, crawlTime)
	if err != nil || noData(body) {
		return nil, false, err
	}
	archive, err := protocol.DecodePayload(body)
	if err != nil {
		return nil, false, err
	}
	return archive, true, nil
}

// SendPart posts one upload part.
func (c *Client) SendPart(ctx context.Context, crawlTime int64, part protocol.Part) (protocol.UpdateResponse, error) {
	var out protocol.UpdateResponse
	form := part.Form().Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.target(protocol.ActionUpdate, crawlTime), strings.NewReader(form))
	if err != nil {
		return out, fmt.Errorf("build update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	body, err := c.do(req)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode update response: %w", err)
	}
	if out.Status != protocol.StatusContinue && out.Status != protocol.StatusRedo {
		return out, errors.New("unknown update status " + string(out.Status))
	}
	return out, nil
}
