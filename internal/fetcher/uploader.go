package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/protocol"
)

// minChunkSize bounds how far repeated failures shrink the part size.
const minChunkSize = 1 << 10

// errShrink is the transient failure recorded when the coordinator asks for
// a restart more than once in the same upload.
var errShrink = errors.New("coordinator requested another restart")

// RetryPolicy decides whether and when a failed upload is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Wait(ctx context.Context, attempt int) error
}

// UploaderConfig tunes the upload loop.
type UploaderConfig struct {
	// PostMaxSize is the initial part size until the coordinator advertises one.
	PostMaxSize int
	// MaxFailures is the number of transient failures after which the part
	// size is halved.
	MaxFailures int
}

// Uploader sends archives to the coordinator in hashed parts, restarting
// on REDO or a smaller advertised post_max_size.
type Uploader struct {
	coord  Coordinator
	hasher crawler.Hasher
	retry  RetryPolicy
	cfg    UploaderConfig
	logger *zap.Logger

	mu        sync.Mutex
	chunkSize int
}

// NewUploader builds an Uploader.
func NewUploader(coord Coordinator, hasher crawler.Hasher, retry RetryPolicy, cfg UploaderConfig, logger *zap.Logger) *Uploader {
	if cfg.PostMaxSize <= 0 {
		cfg.PostMaxSize = 2 << 20
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		coord:     coord,
		hasher:    hasher,
		retry:     retry,
		cfg:       cfg,
		logger:    logger,
		chunkSize: cfg.PostMaxSize,
	}
}

// ChunkSize returns the part size the next upload starts with.
func (u *Uploader) ChunkSize() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.chunkSize
}

// Advertise adopts a post_max_size announced by the coordinator.
func (u *Uploader) Advertise(size int) {
	if size <= 0 {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.chunkSize = max(size, minChunkSize)
}

func (u *Uploader) setChunkSize(size int) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.chunkSize = max(size, minChunkSize)
	return u.chunkSize
}

// Upload sends archive for crawlTime and returns once the coordinator has
// the whole payload.
func (u *Uploader) Upload(ctx context.Context, crawlTime int64, archive []byte) error {
	payload := protocol.EncodePayload(archive)
	chunk := u.ChunkSize()
	restarted := false
	failures := 0

	for {
		err := u.send(ctx, crawlTime, payload, chunk)
		var restart *restartError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &restart) && !restarted:
			restarted = true
			chunk = u.setChunkSize(min(chunk, restart.sizeOr(chunk)))
			u.logger.Info("upload restarted",
				zap.Int("chunk_size", chunk), zap.String("reason", restart.reason))
			continue
		case errors.As(err, &restart):
			err = fmt.Errorf("%w: %s", errShrink, restart.reason)
			chunk = u.setChunkSize(min(chunk, restart.sizeOr(chunk)))
		}

		failures++
		if !u.retry.ShouldRetry(err, failures) {
			return fmt.Errorf("upload failed after %d attempts: %w", failures, err)
		}
		if failures%u.cfg.MaxFailures == 0 && chunk > minChunkSize {
			chunk = u.setChunkSize(chunk / 2)
			u.logger.Warn("upload failing, halving part size", zap.Int("chunk_size", chunk))
		}
		u.logger.Warn("upload attempt failed", zap.Int("attempt", failures), zap.Error(err))
		if err := u.retry.Wait(ctx, failures); err != nil {
			return fmt.Errorf("upload backoff: %w", err)
		}
	}
}

type restartError struct {
	size   int
	reason string
}

func (e *restartError) sizeOr(fallback int) int {
	if e.size > 0 {
		return e.size
	}
	return fallback
}

func (e *restartError) Error() string {
	return "restart upload: " + e.reason
}

func (u *Uploader) send(ctx context.Context, crawlTime int64, payload []byte, chunk int) error {
	parts, err := protocol.SplitPayload(payload, chunk, u.hasher)
	if err != nil {
		return fmt.Errorf("split payload: %w: %w", err, crawler.ErrPermanent)
	}
	for _, part := range parts {
		resp, err := u.coord.SendPart(ctx, crawlTime, part)
		if err != nil {
			return err
		}
		switch {
		case resp.Status == protocol.StatusRedo:
			return &restartError{size: resp.PostMaxSize, reason: resp.Message}
		case resp.PostMaxSize > 0 && resp.PostMaxSize < chunk && part.Index < part.Count-1:
			return &restartError{size: resp.PostMaxSize, reason: "post_max_size shrank"}
		case part.Index == part.Count-1:
			if resp.PostMaxSize > 0 {
				u.Advertise(resp.PostMaxSize)
			}
			return nil
		}
	}
	return nil
}
