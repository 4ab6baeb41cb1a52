package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/ingest"
)

// archiveReplay hands out the archived uploads of an earlier crawl one at a
// time, in name order. The position is persisted per archive crawl so a
// restarted coordinator continues where it stopped.
type archiveReplay struct {
	blobs crawler.BlobStore
	dir   string

	mu sync.Mutex
}

func (a *archiveReplay) cursorPath(crawl int64) string {
	return filepath.Join(a.dir, fmt.Sprintf("archive-%d.cursor", crawl))
}

func (a *archiveReplay) readCursor(crawl int64) (int, error) {
	data, err := os.ReadFile(a.cursorPath(crawl))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read archive cursor: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse archive cursor: %w", err)
	}
	return n, nil
}

// next returns the next archived upload of crawl, or ok=false once every
// archive has been served.
func (a *archiveReplay) next(ctx context.Context, crawl int64) ([]byte, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pos, err := a.readCursor(crawl)
	if err != nil {
		return nil, false, err
	}
	names, err := a.blobs.List(ctx, ingest.ArchivePrefix(crawl))
	if err != nil {
		return nil, false, fmt.Errorf("list archives: %w", err)
	}
	sort.Strings(names)
	if pos >= len(names) {
		return nil, false, nil
	}
	data, err := a.blobs.GetObject(ctx, names[pos])
	if err != nil {
		return nil, false, fmt.Errorf("get archive %s: %w", names[pos], err)
	}
	if err := crawler.WriteFileAtomic(a.cursorPath(crawl), []byte(strconv.Itoa(pos+1))); err != nil {
		return nil, false, err
	}
	return data, true, nil
}
