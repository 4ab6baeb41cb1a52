package frontier

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/protocol"
)

// ErrLookup marks a damaged fragment record. Such records are tombstones:
// LoadFragment skips and counts them instead of failing.
var ErrLookup = errors.New("fragment lookup error")

const fragmentExt = ".frag"

// Dump writes every queued entry, highest priority first, to fragment files
// of at most size entries each in dir. The queue itself is left intact.
func (f *Frontier) Dump(dir string, size int) ([]string, error) {
	return WriteFragments(dir, f.Entries(), size)
}

// WriteFragments writes entries to fragment files of at most size entries.
func WriteFragments(dir string, entries []Entry, size int) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	if size <= 0 {
		size = len(entries)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create fragment dir: %w", err)
	}
	var paths []string
	for start, n := 0, 0; start < len(entries); start, n = start+size, n+1 {
		end := min(start+size, len(entries))
		name := fmt.Sprintf("fragment-%020d-%04d%s", time.Now().UnixNano(), n, fragmentExt)
		path := filepath.Join(dir, name)
		if err := writeFragment(path, entries[start:end]); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFragment(path string, entries []Entry) error {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(protocol.EncodeSlot(e.Slot()))
		b.WriteByte('\n')
	}
	if err := crawler.WriteFileAtomic(path, []byte(b.String())); err != nil {
		return fmt.Errorf("write fragment %s: %w", filepath.Base(path), err)
	}
	return nil
}

// OldestFragment returns the oldest fragment in dir, if any.
func OldestFragment(dir string) (string, bool, error) {
	dirEntries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("list fragments: %w", err)
	}
	var names []string
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), fragmentExt) {
			continue
		}
		names = append(names, de.Name())
	}
	if len(names) == 0 {
		return "", false, nil
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), true, nil
}

// LoadFragment reads a fragment file. Damaged records are skipped and
// counted in the second return value.
func LoadFragment(path string) ([]Entry, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open fragment: %w", err)
	}
	defer func() { _ = file.Close() }()

	var (
		entries []Entry
		corrupt int
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		e, err := LookupRecord(line)
		if err != nil {
			corrupt++
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, corrupt, fmt.Errorf("scan fragment: %w", err)
	}
	return entries, corrupt, nil
}

// LookupRecord decodes one fragment record. A damaged record yields ErrLookup.
func LookupRecord(line string) (Entry, error) {
	slot, err := protocol.DecodeSlot(line)
	if err != nil || slot.IsDummy() || slot.URL == "" {
		return Entry{}, ErrLookup
	}
	normalized, err := crawler.NormalizeURL(slot.URL)
	if err != nil {
		return Entry{}, ErrLookup
	}
	slot.URL = normalized
	return EntryFromSlot(slot), nil
}

// SaveSnapshot writes the whole queue to a single file at path.
func (f *Frontier) SaveSnapshot(path string) error {
	return writeFragment(path, f.Entries())
}

// LoadSnapshot restores a snapshot written by SaveSnapshot. A missing file
// is not an error.
func (f *Frontier) LoadSnapshot(path string) (int, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	entries, _, err := LoadFragment(path)
	if err != nil {
		return 0, err
	}
	return f.Restore(entries), nil
}
