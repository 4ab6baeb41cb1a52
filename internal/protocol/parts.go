package protocol

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/JakeFAU/distcrawl/internal/crawler"
)

// Status is the coordinator's answer to an uploaded part.
type Status string

// Upload statuses.
const (
	// StatusContinue means the part was stored; send the next one.
	StatusContinue Status = "CONTINUE"
	// StatusRedo means the upload must be restarted from part 0, honoring
	// the returned post_max_size.
	StatusRedo Status = "REDO"
)

// Form field names used by the update action.
const (
	FieldPart      = "part"
	FieldPartIndex = "part_index"
	FieldNumParts  = "num_parts"
	FieldHashPart  = "hash_part"
	FieldHashData  = "hash_data"
)

// Part is one chunk of an upload payload.
type Part struct {
	Index    int
	Count    int
	Data     []byte
	Hash     string
	DataHash string
}

// UpdateResponse is returned for each uploaded part.
type UpdateResponse struct {
	Status      Status `json:"status"`
	PostMaxSize int    `json:"post_max_size"`
	Complete    bool   `json:"complete,omitempty"`
	Message     string `json:"message,omitempty"`
}

// CrawlTimeResponse answers the crawlTime handshake.
type CrawlTimeResponse struct {
	CrawlTime        int64     `json:"crawl_time"`
	Active           bool      `json:"active"`
	PostMaxSize      int       `json:"post_max_size"`
	ParamsModified   time.Time `json:"params_modified"`
	ArchiveCrawlTime int64     `json:"archive_crawl_time,omitempty"`
}

// SplitPayload cuts payload into parts of at most size bytes, each carrying
// its own hash and the hash of the whole payload.
func SplitPayload(payload []byte, size int, hasher crawler.Hasher) ([]Part, error) {
	if size <= 0 {
		return nil, fmt.Errorf("part size must be > 0")
	}
	dataHash, err := hasher.Hash(payload)
	if err != nil {
		return nil, fmt.Errorf("hash payload: %w", err)
	}
	count := (len(payload) + size - 1) / size
	if count == 0 {
		count = 1
	}
	parts := make([]Part, 0, count)
	for i := 0; i < count; i++ {
		start := i * size
		end := min(start+size, len(payload))
		chunk := payload[start:end]
		h, err := hasher.Hash(chunk)
		if err != nil {
			return nil, fmt.Errorf("hash part %d: %w", i, err)
		}
		parts = append(parts, Part{
			Index:    i,
			Count:    count,
			Data:     chunk,
			Hash:     h,
			DataHash: dataHash,
		})
	}
	return parts, nil
}

// Form renders the part as POST form values.
func (p Part) Form() url.Values {
	v := url.Values{}
	v.Set(FieldPart, string(p.Data))
	v.Set(FieldPartIndex, strconv.Itoa(p.Index))
	v.Set(FieldNumParts, strconv.Itoa(p.Count))
	v.Set(FieldHashPart, p.Hash)
	v.Set(FieldHashData, p.DataHash)
	return v
}

// PartFromForm parses a part from POST form values.
func PartFromForm(v url.Values) (Part, error) {
	idx, err := strconv.Atoi(v.Get(FieldPartIndex))
	if err != nil {
		return Part{}, fmt.Errorf("invalid %s", FieldPartIndex)
	}
	count, err := strconv.Atoi(v.Get(FieldNumParts))
	if err != nil || count <= 0 {
		return Part{}, fmt.Errorf("invalid %s", FieldNumParts)
	}
	if idx < 0 || idx >= count {
		return Part{}, fmt.Errorf("%s %d out of range", FieldPartIndex, idx)
	}
	p := Part{
		Index:    idx,
		Count:    count,
		Data:     []byte(v.Get(FieldPart)),
		Hash:     v.Get(FieldHashPart),
		DataHash: v.Get(FieldHashData),
	}
	if p.Hash == "" || p.DataHash == "" {
		return Part{}, fmt.Errorf("part hashes are required")
	}
	return p, nil
}
