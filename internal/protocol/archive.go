package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ErrCorrupt marks data that can never be decoded; callers discard it
// instead of retrying.
var ErrCorrupt = errors.New("corrupt data")

// SectionKind identifies one logical part of an upload.
type SectionKind uint8

// Upload sections.
const (
	SectionMeta SectionKind = iota
	SectionRobots
	SectionCache
	SectionSchedule
	SectionIndex
)

const (
	archiveMagic   = "DCUP"
	archiveVersion = 1
	// MaxSectionBytes bounds a declared section length; anything larger is
	// treated as corruption rather than allocated.
	MaxSectionBytes = 256 << 20
	maxSections     = 16
)

// RobotsRecord is a fetched robots.txt.
type RobotsRecord struct {
	// Site is "scheme://host".
	Site       string    `json:"site"`
	StatusCode int       `json:"status_code"`
	Body       []byte    `json:"body,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// CacheRecord holds validators observed for a fetched URL.
type CacheRecord struct {
	URL          string `json:"url"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	ContentHash  string `json:"content_hash,omitempty"`
}

// FoundLinks lists outbound links discovered on Source.
type FoundLinks struct {
	Source       string   `json:"source"`
	SourceWeight int32    `json:"source_weight"`
	Depth        uint8    `json:"depth"`
	Links        []string `json:"links"`
}

// FetchedURL acknowledges a batch slot the fetcher processed.
type FetchedURL struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Robots     bool   `json:"robots,omitempty"`
}

// ScheduleUpdate is the schedule section of an upload.
type ScheduleUpdate struct {
	BatchID    string       `json:"batch_id,omitempty"`
	SeenHashes []uint64     `json:"seen_hashes,omitempty"`
	Found      []FoundLinks `json:"found,omitempty"`
	Fetched    []FetchedURL `json:"fetched,omitempty"`
}

// Summary is the per-document record the indexer consumes.
type Summary struct {
	URL         string    `json:"url"`
	URLHash     uint64    `json:"url_hash"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Text        string    `json:"text,omitempty"`
	ContentHash string    `json:"content_hash"`
	StatusCode  int       `json:"status_code"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// UploadMeta identifies the sender of an upload.
type UploadMeta struct {
	CrawlTime     int64     `json:"crawl_time"`
	RobotInstance string    `json:"robot_instance"`
	MachineURI    string    `json:"machine_uri,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// UploadData is everything a fetcher reports after a round of downloads.
type UploadData struct {
	Meta     UploadMeta
	Robots   []RobotsRecord
	Cache    []CacheRecord
	Schedule ScheduleUpdate
	Index    []Summary
}

// Empty reports whether there is nothing worth uploading.
func (u UploadData) Empty() bool {
	s := u.Schedule
	return len(u.Robots) == 0 && len(u.Cache) == 0 && len(u.Index) == 0 &&
		len(s.SeenHashes) == 0 && len(s.Found) == 0 && len(s.Fetched) == 0
}

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxSectionBytes))
	})
)

// Compress zstd-compresses data.
func Compress(data []byte) ([]byte, error) {
	enc, err := zstdEncoder()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc.EncodeAll(data, nil), nil
}

// Decompress reverses Compress. Any failure is reported as ErrCorrupt.
func Decompress(data []byte) ([]byte, error) {
	dec, err := zstdDecoder()
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %v: %w", err, ErrCorrupt)
	}
	return out, nil
}

// EncodeArchive serializes an upload: magic, version, section count, then
// for each section its kind, big-endian length and zstd(json) body.
func EncodeArchive(u UploadData) ([]byte, error) {
	sections := []struct {
		kind SectionKind
		v    any
	}{
		{SectionMeta, u.Meta},
		{SectionRobots, u.Robots},
		{SectionCache, u.Cache},
		{SectionSchedule, u.Schedule},
		{SectionIndex, u.Index},
	}
	var buf bytes.Buffer
	buf.WriteString(archiveMagic)
	buf.WriteByte(archiveVersion)
	buf.WriteByte(byte(len(sections)))
	for _, s := range sections {
		raw, err := json.Marshal(s.v)
		if err != nil {
			return nil, fmt.Errorf("marshal section %d: %w", s.kind, err)
		}
		body, err := Compress(raw)
		if err != nil {
			return nil, err
		}
		var hdr [5]byte
		hdr[0] = byte(s.kind)
		binary.BigEndian.PutUint32(hdr[1:], uint32(len(body)))
		buf.Write(hdr[:])
		buf.Write(body)
	}
	return buf.Bytes(), nil
}

// DecodeArchive decodes every section of an archive.
func DecodeArchive(data []byte) (UploadData, error) {
	return DecodeSections(data)
}

// DecodeSections decodes the requested sections (all when none are given)
// and skips the rest without decompressing them. Length fields are checked
// against the remaining bytes and MaxSectionBytes before anything is read.
func DecodeSections(data []byte, want ...SectionKind) (UploadData, error) {
	var u UploadData
	if len(data) < len(archiveMagic)+2 || string(data[:4]) != archiveMagic {
		return u, fmt.Errorf("bad archive header: %w", ErrCorrupt)
	}
	if data[4] != archiveVersion {
		return u, fmt.Errorf("archive version %d: %w", data[4], ErrCorrupt)
	}
	count := int(data[5])
	if count == 0 || count > maxSections {
		return u, fmt.Errorf("archive declares %d sections: %w", count, ErrCorrupt)
	}
	rest := data[6:]
	for i := 0; i < count; i++ {
		if len(rest) < 5 {
			return u, fmt.Errorf("truncated section header %d: %w", i, ErrCorrupt)
		}
		kind := SectionKind(rest[0])
		size := binary.BigEndian.Uint32(rest[1:5])
		rest = rest[5:]
		if size > MaxSectionBytes || int(size) > len(rest) {
			return u, fmt.Errorf("section %d declares implausible length %d: %w", kind, size, ErrCorrupt)
		}
		body := rest[:size]
		rest = rest[size:]
		if !wanted(kind, want) {
			continue
		}
		if err := decodeSection(&u, kind, body); err != nil {
			return u, err
		}
	}
	if len(rest) != 0 {
		return u, fmt.Errorf("%d trailing bytes: %w", len(rest), ErrCorrupt)
	}
	return u, nil
}

func wanted(kind SectionKind, want []SectionKind) bool {
	if len(want) == 0 || kind == SectionMeta {
		return true
	}
	for _, w := range want {
		if w == kind {
			return true
		}
	}
	return false
}

func decodeSection(u *UploadData, kind SectionKind, body []byte) error {
	raw, err := Decompress(body)
	if err != nil {
		return err
	}
	var target any
	switch kind {
	case SectionMeta:
		target = &u.Meta
	case SectionRobots:
		target = &u.Robots
	case SectionCache:
		target = &u.Cache
	case SectionSchedule:
		target = &u.Schedule
	case SectionIndex:
		target = &u.Index
	default:
		// Unknown sections from newer fetchers are skipped.
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("unmarshal section %d: %v: %w", kind, err, ErrCorrupt)
	}
	return nil
}

// EncodePayload wraps an archive in web-safe base64 for transport.
func EncodePayload(archive []byte) []byte {
	out := make([]byte, base64.RawURLEncoding.EncodedLen(len(archive)))
	base64.RawURLEncoding.Encode(out, archive)
	return out
}

// DecodePayload reverses EncodePayload.
func DecodePayload(payload []byte) ([]byte, error) {
	out := make([]byte, base64.RawURLEncoding.DecodedLen(len(payload)))
	n, err := base64.RawURLEncoding.Decode(out, payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %v: %w", err, ErrCorrupt)
	}
	return out[:n], nil
}
