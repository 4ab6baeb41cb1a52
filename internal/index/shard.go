package index

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/JakeFAU/distcrawl/internal/dictionary"
	"github.com/JakeFAU/distcrawl/internal/protocol"
)

// Shard file layout.
const (
	shardMagic      uint32 = 0x44435348 // "DCSH"
	shardVersion    uint32 = 1
	shardHeaderSize        = 40
	shardFooterSize        = 4
	postingFixed           = 24
)

// ErrCorruptShard marks a shard file that fails validation.
var ErrCorruptShard = errors.New("corrupt shard")

// Doc is one indexed document inside a generation.
type Doc struct {
	URL         string    `json:"url"`
	URLHash     uint64    `json:"url_hash"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	ContentHash string    `json:"content_hash"`
	FetchedAt   time.Time `json:"fetched_at"`
	Terms       uint32    `json:"terms"`
}

// Posting is one word's occurrences in one document.
type Posting struct {
	Doc       uint32   `json:"d"`
	Freq      uint32   `json:"f"`
	TitleHits uint32   `json:"t,omitempty"`
	Positions []uint32 `json:"p"`
}

func (p Posting) size() int {
	return postingFixed + 4*len(p.Positions)
}

// ShardName is the file name of generation gen's shard.
func ShardName(gen uint32) string {
	return fmt.Sprintf("gen-%06d.shard", gen)
}

// openShard is the generation currently receiving documents.
type openShard struct {
	Gen      uint32               `json:"gen"`
	Docs     []Doc                `json:"docs"`
	Postings map[uint64][]Posting `json:"postings"`
}

func newOpenShard(gen uint32) *openShard {
	return &openShard{Gen: gen, Postings: make(map[uint64][]Posting)}
}

// add tokenizes s and appends it as the next document.
func (o *openShard) add(s protocol.Summary) {
	doc := uint32(len(o.Docs))
	var (
		pos   uint32
		byKey = make(map[uint64]*Posting)
		order []uint64
	)
	fields := []string{s.Title, s.Description, s.Text}
	for i, field := range fields {
		toks := Tokenize(field, pos)
		for _, tok := range toks {
			h := WordHash(tok.Term)
			p, ok := byKey[h]
			if !ok {
				p = &Posting{Doc: doc}
				byKey[h] = p
				order = append(order, h)
			}
			p.Freq++
			p.Positions = append(p.Positions, tok.Position)
			if i == 0 {
				p.TitleHits++
			}
		}
		if n := len(toks); n > 0 {
			pos = toks[n-1].Position + 1
		}
	}
	for _, h := range order {
		o.Postings[h] = append(o.Postings[h], *byKey[h])
	}
	o.Docs = append(o.Docs, Doc{
		URL:         s.URL,
		URLHash:     s.URLHash,
		Title:       s.Title,
		Description: s.Description,
		ContentHash: s.ContentHash,
		FetchedAt:   s.FetchedAt,
		Terms:       pos,
	})
}

func (o *openShard) sortedHashes() []uint64 {
	hashes := make([]uint64, 0, len(o.Postings))
	for h := range o.Postings {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	return hashes
}

// writeShard seals o into path: a header, the zstd doc table, postings
// grouped by ascending word hash and a crc32 footer. It returns one
// dictionary record per word.
func writeShard(path string, o *openShard, now time.Time) ([]dictionary.Record, error) {
	docJSON, err := json.Marshal(o.Docs)
	if err != nil {
		return nil, fmt.Errorf("marshal doc table: %w", err)
	}
	docTable, err := protocol.Compress(docJSON)
	if err != nil {
		return nil, err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create shard: %w", err)
	}
	records, err := encodeShard(f, o, docTable, now)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("write shard %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("rename shard: %w", err)
	}
	return records, nil
}

func encodeShard(w io.Writer, o *openShard, docTable []byte, now time.Time) ([]dictionary.Record, error) {
	crc := crc32.NewIEEE()
	bw := bufio.NewWriterSize(io.MultiWriter(w, crc), 64<<10)

	hashes := o.sortedHashes()
	hdr := make([]byte, shardHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], shardMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], shardVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], o.Gen)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(o.Docs)))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(hashes)))
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(len(docTable)))
	binary.LittleEndian.PutUint64(hdr[24:32], uint64(now.Unix()))
	var postingsLen uint64
	for _, h := range hashes {
		for _, p := range o.Postings[h] {
			postingsLen += uint64(p.size())
		}
	}
	binary.LittleEndian.PutUint64(hdr[32:40], postingsLen)
	if _, err := bw.Write(hdr); err != nil {
		return nil, err
	}
	if _, err := bw.Write(docTable); err != nil {
		return nil, err
	}

	records := make([]dictionary.Record, 0, len(hashes))
	var (
		offset uint64
		buf    []byte
	)
	for _, h := range hashes {
		rec := dictionary.Record{WordHash: h, Gen: o.Gen, FirstOffset: offset}
		for _, p := range o.Postings[h] {
			buf = appendPosting(buf[:0], h, p)
			if _, err := bw.Write(buf); err != nil {
				return nil, err
			}
			offset += uint64(len(buf))
			rec.PostingCount++
		}
		rec.LastOffset = offset
		records = append(records, rec)
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	var footer [shardFooterSize]byte
	binary.LittleEndian.PutUint32(footer[:], crc.Sum32())
	if _, err := w.Write(footer[:]); err != nil {
		return nil, err
	}
	return records, nil
}

func appendPosting(b []byte, hash uint64, p Posting) []byte {
	b = binary.LittleEndian.AppendUint64(b, hash)
	b = binary.LittleEndian.AppendUint32(b, p.Doc)
	b = binary.LittleEndian.AppendUint32(b, p.Freq)
	b = binary.LittleEndian.AppendUint32(b, p.TitleHits)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(p.Positions)))
	for _, pos := range p.Positions {
		b = binary.LittleEndian.AppendUint32(b, pos)
	}
	return b
}

// Shard is a sealed, validated shard file.
type Shard struct {
	Path      string
	Gen       uint32
	CreatedAt time.Time
	Docs      []Doc

	file        *os.File
	postingsOff int64
	postingsLen int64
	records     []dictionary.Record
}

// OpenShard validates path and loads its doc table and word ranges.
func OpenShard(path string) (*Shard, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shard: %w", err)
	}
	s, err := readShard(f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func readShard(f *os.File, path string) (*Shard, error) {
	name := filepath.Base(path)
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat shard: %w", err)
	}
	if info.Size() < shardHeaderSize+shardFooterSize {
		return nil, fmt.Errorf("%s: too short: %w", name, ErrCorruptShard)
	}
	body := info.Size() - shardFooterSize
	crc := crc32.NewIEEE()
	if _, err := io.Copy(crc, io.NewSectionReader(f, 0, body)); err != nil {
		return nil, fmt.Errorf("read shard: %w", err)
	}
	var footer [shardFooterSize]byte
	if _, err := f.ReadAt(footer[:], body); err != nil {
		return nil, fmt.Errorf("read shard footer: %w", err)
	}
	if binary.LittleEndian.Uint32(footer[:]) != crc.Sum32() {
		return nil, fmt.Errorf("%s: checksum mismatch: %w", name, ErrCorruptShard)
	}

	hdr := make([]byte, shardHeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("read shard header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != shardMagic || binary.LittleEndian.Uint32(hdr[4:8]) != shardVersion {
		return nil, fmt.Errorf("%s: bad magic: %w", name, ErrCorruptShard)
	}
	s := &Shard{
		Path:      path,
		Gen:       binary.LittleEndian.Uint32(hdr[8:12]),
		CreatedAt: time.Unix(int64(binary.LittleEndian.Uint64(hdr[24:32])), 0).UTC(),
		file:      f,
	}
	docCount := int(binary.LittleEndian.Uint32(hdr[12:16]))
	termCount := int(binary.LittleEndian.Uint32(hdr[16:20]))
	docTableLen := int64(binary.LittleEndian.Uint32(hdr[20:24]))
	s.postingsOff = shardHeaderSize + docTableLen
	s.postingsLen = int64(binary.LittleEndian.Uint64(hdr[32:40]))
	if s.postingsOff+s.postingsLen != body {
		return nil, fmt.Errorf("%s: section sizes do not add up: %w", name, ErrCorruptShard)
	}

	docTable := make([]byte, docTableLen)
	if _, err := f.ReadAt(docTable, shardHeaderSize); err != nil {
		return nil, fmt.Errorf("read doc table: %w", err)
	}
	docJSON, err := protocol.Decompress(docTable)
	if err != nil {
		return nil, fmt.Errorf("%s: doc table: %w", name, ErrCorruptShard)
	}
	if err := json.Unmarshal(docJSON, &s.Docs); err != nil || len(s.Docs) != docCount {
		return nil, fmt.Errorf("%s: doc table: %w", name, ErrCorruptShard)
	}

	if err := s.scanRecords(termCount); err != nil {
		return nil, err
	}
	return s, nil
}

// scanRecords walks the postings section once to rebuild the word ranges.
func (s *Shard) scanRecords(termCount int) error {
	r := bufio.NewReaderSize(io.NewSectionReader(s.file, s.postingsOff, s.postingsLen), 64<<10)
	s.records = make([]dictionary.Record, 0, termCount)
	var (
		offset uint64
		fixed  [postingFixed]byte
	)
	for offset < uint64(s.postingsLen) {
		if _, err := io.ReadFull(r, fixed[:]); err != nil {
			return fmt.Errorf("%s: truncated posting: %w", filepath.Base(s.Path), ErrCorruptShard)
		}
		hash := binary.LittleEndian.Uint64(fixed[0:8])
		npos := binary.LittleEndian.Uint32(fixed[20:24])
		size := uint64(postingFixed) + 4*uint64(npos)
		if offset+size > uint64(s.postingsLen) {
			return fmt.Errorf("%s: implausible posting length: %w", filepath.Base(s.Path), ErrCorruptShard)
		}
		if _, err := r.Discard(int(4 * npos)); err != nil {
			return fmt.Errorf("%s: truncated posting: %w", filepath.Base(s.Path), ErrCorruptShard)
		}
		n := len(s.records)
		if n == 0 || s.records[n-1].WordHash != hash {
			if n > 0 && s.records[n-1].WordHash > hash {
				return fmt.Errorf("%s: postings out of order: %w", filepath.Base(s.Path), ErrCorruptShard)
			}
			s.records = append(s.records, dictionary.Record{WordHash: hash, Gen: s.Gen, FirstOffset: offset})
			n++
		}
		offset += size
		s.records[n-1].LastOffset = offset
		s.records[n-1].PostingCount++
	}
	if len(s.records) != termCount {
		return fmt.Errorf("%s: term count mismatch: %w", filepath.Base(s.Path), ErrCorruptShard)
	}
	return nil
}

// Close releases the file handle.
func (s *Shard) Close() error {
	return s.file.Close()
}

// Records returns one dictionary record per word, sorted by word hash.
func (s *Shard) Records() []dictionary.Record {
	out := make([]dictionary.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Find returns the record for wordHash, if the shard holds the word.
func (s *Shard) Find(wordHash uint64) (dictionary.Record, bool) {
	i := sort.Search(len(s.records), func(i int) bool { return s.records[i].WordHash >= wordHash })
	if i < len(s.records) && s.records[i].WordHash == wordHash {
		return s.records[i], true
	}
	return dictionary.Record{}, false
}

// Postings decodes the postings in rec's byte range.
func (s *Shard) Postings(rec dictionary.Record) ([]Posting, error) {
	if rec.LastOffset < rec.FirstOffset || int64(rec.LastOffset) > s.postingsLen {
		return nil, fmt.Errorf("posting range %d-%d outside shard: %w", rec.FirstOffset, rec.LastOffset, ErrCorruptShard)
	}
	buf := make([]byte, rec.LastOffset-rec.FirstOffset)
	if _, err := s.file.ReadAt(buf, s.postingsOff+int64(rec.FirstOffset)); err != nil {
		return nil, fmt.Errorf("read postings: %w", err)
	}
	out := make([]Posting, 0, rec.PostingCount)
	for len(buf) > 0 {
		if len(buf) < postingFixed {
			return nil, ErrCorruptShard
		}
		if binary.LittleEndian.Uint64(buf[0:8]) != rec.WordHash {
			return nil, fmt.Errorf("posting for another word in range: %w", ErrCorruptShard)
		}
		p := Posting{
			Doc:       binary.LittleEndian.Uint32(buf[8:12]),
			Freq:      binary.LittleEndian.Uint32(buf[12:16]),
			TitleHits: binary.LittleEndian.Uint32(buf[16:20]),
		}
		npos := int(binary.LittleEndian.Uint32(buf[20:24]))
		buf = buf[postingFixed:]
		if len(buf) < 4*npos {
			return nil, ErrCorruptShard
		}
		p.Positions = make([]uint32, npos)
		for i := range p.Positions {
			p.Positions[i] = binary.LittleEndian.Uint32(buf[4*i:])
		}
		buf = buf[4*npos:]
		out = append(out, p)
	}
	return out, nil
}
