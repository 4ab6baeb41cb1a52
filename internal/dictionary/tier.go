// Package dictionary maps word hashes to the shard ranges holding their
// postings. Records live in immutable tier files; tiers are merged level by
// level so lookups touch a bounded number of files.
package dictionary

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Tier file layout constants.
const (
	tierMagic   = "DCTR"
	tierVersion = 1
	headerSize  = 32
	RecordSize  = 32
	footerSize  = 4
	tierExt     = ".tier"
)

// ErrCorruptTier marks a tier file that fails validation.
var ErrCorruptTier = errors.New("corrupt tier")

// Record locates one word's postings inside one generation's shard.
type Record struct {
	WordHash uint64
	Gen      uint32
	// PostingCount is the number of postings in the range.
	PostingCount uint32
	// FirstOffset and LastOffset bound the postings bytes; LastOffset is
	// exclusive.
	FirstOffset uint64
	LastOffset  uint64
}

func (r Record) less(o Record) bool {
	if r.WordHash != o.WordHash {
		return r.WordHash < o.WordHash
	}
	return r.Gen < o.Gen
}

func (r Record) sameKey(o Record) bool {
	return r.WordHash == o.WordHash && r.Gen == o.Gen
}

func (r Record) put(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], r.WordHash)
	binary.BigEndian.PutUint32(b[8:12], r.Gen)
	binary.BigEndian.PutUint32(b[12:16], r.PostingCount)
	binary.BigEndian.PutUint64(b[16:24], r.FirstOffset)
	binary.BigEndian.PutUint64(b[24:32], r.LastOffset)
}

func recordFrom(b []byte) Record {
	return Record{
		WordHash:     binary.BigEndian.Uint64(b[0:8]),
		Gen:          binary.BigEndian.Uint32(b[8:12]),
		PostingCount: binary.BigEndian.Uint32(b[12:16]),
		FirstOffset:  binary.BigEndian.Uint64(b[16:24]),
		LastOffset:   binary.BigEndian.Uint64(b[24:32]),
	}
}

// SortRecords orders records by word hash, then generation.
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].less(records[j]) })
}

// TierName returns the file name for a tier.
func TierName(level int, firstGen, lastGen uint32) string {
	return fmt.Sprintf("tier-L%02d-%06d-%06d%s", level, firstGen, lastGen, tierExt)
}

// ParseTierName extracts level and generation range from a tier file name.
func ParseTierName(name string) (level int, firstGen, lastGen uint32, ok bool) {
	if !strings.HasPrefix(name, "tier-L") || !strings.HasSuffix(name, tierExt) {
		return 0, 0, 0, false
	}
	if _, err := fmt.Sscanf(name, "tier-L%d-%d-%d"+tierExt, &level, &firstGen, &lastGen); err != nil {
		return 0, 0, 0, false
	}
	return level, firstGen, lastGen, firstGen <= lastGen
}

// Tier is an open, validated tier file.
type Tier struct {
	Path     string
	Level    int
	FirstGen uint32
	LastGen  uint32
	Count    int64

	file *os.File
}

// Name returns the tier's file name.
func (t *Tier) Name() string {
	return filepath.Base(t.Path)
}

// subsumes reports whether t covers every generation of o at a higher level.
func (t *Tier) subsumes(o *Tier) bool {
	return t != o && t.Level > o.Level && t.FirstGen <= o.FirstGen && o.LastGen <= t.LastGen
}

func writeHeader(w io.WriterAt, level int, firstGen, lastGen uint32, count int64) error {
	var hdr [headerSize]byte
	copy(hdr[0:4], tierMagic)
	binary.BigEndian.PutUint32(hdr[4:8], tierVersion)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(level))
	binary.BigEndian.PutUint32(hdr[12:16], firstGen)
	binary.BigEndian.PutUint32(hdr[16:20], lastGen)
	binary.BigEndian.PutUint64(hdr[20:28], uint64(count))
	_, err := w.WriteAt(hdr[:], 0)
	return err
}

// WriteTier writes sorted records to path through a temporary file.
func WriteTier(path string, level int, firstGen, lastGen uint32, records []Record) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("create tier: %w", err)
	}
	w, err := newTierWriter(f, level, firstGen, lastGen)
	if err == nil {
		for _, r := range records {
			if err = w.write(r); err != nil {
				break
			}
		}
	}
	if err == nil {
		err = w.finish()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write tier %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename tier: %w", err)
	}
	return nil
}

// tierWriter appends records after the header and seals the file with a
// count and crc32 footer.
type tierWriter struct {
	f        *os.File
	buf      *bufio.Writer
	crc      hashWriter
	level    int
	firstGen uint32
	lastGen  uint32
	count    int64
	scratch  [RecordSize]byte
}

type hashWriter interface {
	io.Writer
	Sum32() uint32
}

func newTierWriter(f *os.File, level int, firstGen, lastGen uint32) (*tierWriter, error) {
	if err := writeHeader(f, level, firstGen, lastGen, 0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(headerSize, io.SeekStart); err != nil {
		return nil, err
	}
	return &tierWriter{
		f: f, buf: bufio.NewWriterSize(f, 64<<10), crc: crc32.NewIEEE(),
		level: level, firstGen: firstGen, lastGen: lastGen,
	}, nil
}

// resumeTierWriter reopens a partial file holding count complete records.
func resumeTierWriter(f *os.File, level int, firstGen, lastGen uint32, count int64) (*tierWriter, error) {
	end := headerSize + count*RecordSize
	if err := f.Truncate(end); err != nil {
		return nil, err
	}
	w := &tierWriter{f: f, crc: crc32.NewIEEE(), level: level, firstGen: firstGen, lastGen: lastGen, count: count}
	if _, err := io.Copy(w.crc, io.NewSectionReader(f, headerSize, count*RecordSize)); err != nil {
		return nil, err
	}
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		return nil, err
	}
	w.buf = bufio.NewWriterSize(f, 64<<10)
	return w, nil
}

func (w *tierWriter) write(r Record) error {
	r.put(w.scratch[:])
	if _, err := w.buf.Write(w.scratch[:]); err != nil {
		return err
	}
	_, _ = w.crc.Write(w.scratch[:])
	w.count++
	return nil
}

// sync makes every written record durable.
func (w *tierWriter) sync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *tierWriter) finish() error {
	var footer [footerSize]byte
	binary.BigEndian.PutUint32(footer[:], w.crc.Sum32())
	if _, err := w.buf.Write(footer[:]); err != nil {
		return err
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := writeHeader(w.f, w.level, w.firstGen, w.lastGen, w.count); err != nil {
		return err
	}
	return w.f.Sync()
}

// OpenTier opens and validates a tier file.
func OpenTier(path string) (*Tier, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tier: %w", err)
	}
	t, err := validateTier(f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return t, nil
}

func validateTier(f *os.File, path string) (*Tier, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat tier: %w", err)
	}
	var hdr [headerSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("%s: short header: %w", filepath.Base(path), ErrCorruptTier)
	}
	if string(hdr[0:4]) != tierMagic || binary.BigEndian.Uint32(hdr[4:8]) != tierVersion {
		return nil, fmt.Errorf("%s: bad magic: %w", filepath.Base(path), ErrCorruptTier)
	}
	t := &Tier{
		Path:     path,
		Level:    int(binary.BigEndian.Uint32(hdr[8:12])),
		FirstGen: binary.BigEndian.Uint32(hdr[12:16]),
		LastGen:  binary.BigEndian.Uint32(hdr[16:20]),
		Count:    int64(binary.BigEndian.Uint64(hdr[20:28])),
		file:     f,
	}
	if t.Count < 0 || headerSize+t.Count*RecordSize+footerSize != info.Size() {
		return nil, fmt.Errorf("%s: size mismatch: %w", filepath.Base(path), ErrCorruptTier)
	}
	crc := crc32.NewIEEE()
	if _, err := io.Copy(crc, io.NewSectionReader(f, headerSize, t.Count*RecordSize)); err != nil {
		return nil, fmt.Errorf("read tier records: %w", err)
	}
	var footer [footerSize]byte
	if _, err := f.ReadAt(footer[:], headerSize+t.Count*RecordSize); err != nil {
		return nil, fmt.Errorf("read tier footer: %w", err)
	}
	if binary.BigEndian.Uint32(footer[:]) != crc.Sum32() {
		return nil, fmt.Errorf("%s: checksum mismatch: %w", filepath.Base(path), ErrCorruptTier)
	}
	return t, nil
}

// Close releases the file handle.
func (t *Tier) Close() error {
	if t.file == nil {
		return nil
	}
	return t.file.Close()
}

// At returns record i.
func (t *Tier) At(i int64) (Record, error) {
	var b [RecordSize]byte
	if _, err := t.file.ReadAt(b[:], headerSize+i*RecordSize); err != nil {
		return Record{}, fmt.Errorf("read tier record %d: %w", i, err)
	}
	return recordFrom(b[:]), nil
}

// Lookup binary-searches the tier for wordHash.
func (t *Tier) Lookup(wordHash uint64) ([]Record, error) {
	var searchErr error
	i := sort.Search(int(t.Count), func(i int) bool {
		r, err := t.At(int64(i))
		if err != nil {
			searchErr = err
			return true
		}
		return r.WordHash >= wordHash
	})
	if searchErr != nil {
		return nil, searchErr
	}
	var out []Record
	for j := int64(i); j < t.Count; j++ {
		r, err := t.At(j)
		if err != nil {
			return nil, err
		}
		if r.WordHash != wordHash {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

// Records returns a sequential reader over every record.
func (t *Tier) Records() *RecordReader {
	return &RecordReader{
		r:    bufio.NewReaderSize(io.NewSectionReader(t.file, headerSize, t.Count*RecordSize), 64<<10),
		left: t.Count,
	}
}

// RecordReader streams a tier's records in order.
type RecordReader struct {
	r    *bufio.Reader
	left int64
	buf  [RecordSize]byte
}

// Next returns the next record or io.EOF.
func (rr *RecordReader) Next() (Record, error) {
	if rr.left == 0 {
		return Record{}, io.EOF
	}
	if _, err := io.ReadFull(rr.r, rr.buf[:]); err != nil {
		return Record{}, fmt.Errorf("read record: %w", err)
	}
	rr.left--
	return recordFrom(rr.buf[:]), nil
}
