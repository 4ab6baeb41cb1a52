package fetcher

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/protocol"
)

// fakeCoordinator reassembles uploads in memory. respond may override the
// reply to a part.
type fakeCoordinator struct {
	mu sync.Mutex

	crawl    protocol.CrawlTimeResponse
	batches  [][]byte
	archives [][]byte

	respond   func(call int, part protocol.Part) (protocol.UpdateResponse, error)
	calls     int
	partSizes []int
	current   [][]byte
	uploads   [][]byte
	crawlSeen []int64
}

func (f *fakeCoordinator) CrawlTime(_ context.Context, current int64) (protocol.CrawlTimeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crawlSeen = append(f.crawlSeen, current)
	return f.crawl, nil
}

func (f *fakeCoordinator) Schedule(context.Context, int64) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil, false, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, true, nil
}

func (f *fakeCoordinator) ArchiveSchedule(context.Context, int64) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.archives) == 0 {
		return nil, false, nil
	}
	a := f.archives[0]
	f.archives = f.archives[1:]
	return a, true, nil
}

func (f *fakeCoordinator) SendPart(_ context.Context, _ int64, part protocol.Part) (protocol.UpdateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.calls
	f.calls++
	f.partSizes = append(f.partSizes, len(part.Data))
	if f.respond != nil {
		resp, err := f.respond(call, part)
		if err != nil || resp.Status == protocol.StatusRedo {
			f.current = nil
			return resp, err
		}
	}
	if part.Index == 0 {
		f.current = nil
	}
	f.current = append(f.current, append([]byte(nil), part.Data...))
	resp := protocol.UpdateResponse{Status: protocol.StatusContinue}
	if part.Index == part.Count-1 {
		f.uploads = append(f.uploads, bytes.Join(f.current, nil))
		f.current = nil
		resp.Complete = true
	}
	return resp, nil
}

// archives decodes every completed upload.
func (f *fakeCoordinator) decoded() ([]protocol.UploadData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.UploadData
	for _, payload := range f.uploads {
		archive, err := protocol.DecodePayload(payload)
		if err != nil {
			return nil, err
		}
		data, err := protocol.DecodeArchive(archive)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// instantRetry retries up to max attempts without sleeping.
type instantRetry struct {
	max   int
	waits int
}

func (r *instantRetry) ShouldRetry(err error, attempt int) bool {
	return err != nil && attempt < r.max && !isPermanent(err)
}

func (r *instantRetry) Wait(context.Context, int) error {
	r.waits++
	return nil
}

func isPermanent(err error) bool {
	return errors.Is(err, crawler.ErrPermanent)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }
