package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/crawler"
)

// robotsTransport retries robots.txt slots whose TLS handshake or dial timed
// out. The scheduler holds a host back until its robots slot comes home
// with a status, so a single slow handshake would otherwise park the host
// for a whole pending TTL.
type robotsTransport struct {
	base   http.RoundTripper
	retry  *crawler.ExponentialRetryPolicy
	logger *zap.Logger
}

func newRobotsTransport(base http.RoundTripper, logger *zap.Logger) *robotsTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &robotsTransport{
		base:   base,
		retry:  crawler.NewRetryPolicy(4, 250*time.Millisecond, 2*time.Second),
		logger: logger,
	}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: request has no URL")
	}
	if !crawler.IsRobotsURL(req.URL.String()) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip: %w", err)
		}
		return resp, nil
	}

	attempts := t.retry.MaxAttempts()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !handshakeTimedOut(req.Context(), err) || attempt == attempts-1 {
			break
		}
		t.logger.Debug("robots.txt handshake timed out, retrying",
			zap.String("host", req.URL.Host), zap.Int("attempt", attempt+1))
		if err := t.retry.Wait(req.Context(), attempt); err != nil {
			return nil, fmt.Errorf("robots retry: %w", err)
		}
	}
	return nil, fmt.Errorf("robots roundtrip: %w", lastErr)
}

// handshakeTimedOut reports whether err is a connection-level timeout worth
// another attempt. A cancelled or expired request context is final.
func handshakeTimedOut(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "tls handshake timeout") || strings.Contains(msg, "tls: handshake timeout")
}
