// Package seen records URL (or document) hashes that have already been
// scheduled or visited. Two filters are provided: a Bloom filter for the
// frontier, where a rare false positive only skips a URL, and an exact set
// for places that cannot tolerate false positives.
package seen

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/JakeFAU/distcrawl/internal/crawler"
)

// Filter is a membership structure keyed by 64-bit hashes.
type Filter interface {
	// Add records key and reports whether it was newly added.
	Add(key uint64) bool
	Contains(key uint64) bool
	Len() int
	Reset()
	WriteTo(w io.Writer) (int64, error)
}

// ErrUnknownFormat is returned by Load for files that are not a saved filter.
var ErrUnknownFormat = errors.New("unknown seen filter format")

const (
	magicBloom = "DCBL"
	magicExact = "DCEX"
)

// Save writes f to path atomically.
func Save(f Filter, path string) error {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create seen filter file: %w", err)
	}
	w := bufio.NewWriter(file)
	if _, err := f.WriteTo(w); err != nil {
		_ = file.Close()
		return fmt.Errorf("write seen filter: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("flush seen filter: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close seen filter: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename seen filter: %w", err)
	}
	return nil
}

// Load reads a filter previously written with Save. A missing file yields
// ok=false and no error.
func Load(path string) (Filter, bool, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open seen filter: %w", err)
	}
	defer func() { _ = file.Close() }()

	r := bufio.NewReader(file)
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, false, fmt.Errorf("read seen filter magic: %w", err)
	}
	switch string(magic) {
	case magicBloom:
		b, err := readBloom(r)
		if err != nil {
			return nil, false, err
		}
		return b, true, nil
	case magicExact:
		e, err := readExact(r)
		if err != nil {
			return nil, false, err
		}
		return e, true, nil
	default:
		return nil, false, ErrUnknownFormat
	}
}

// AddURL normalizes rawURL and adds its hash to f.
func AddURL(f Filter, rawURL string) (bool, error) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false, err
	}
	return f.Add(crawler.URLHash(normalized)), nil
}
