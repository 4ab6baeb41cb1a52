package protocol

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/distcrawl/internal/crawler"
)

// Flag classifies a batch slot.
type Flag uint8

// Slot flags. DUMMY slots only exist inside batches.
const (
	FlagNone Flag = iota
	FlagRobot
	FlagSchedulable
	FlagDummy
)

// Weight and delay limits imposed by the packed 32-bit fields.
const (
	MaxWeight = 1<<23 - 1
	MaxDelay  = 1<<24 - 1
	MaxDepth  = 255
)

// maxURLBytes bounds a single slot's URL.
const maxURLBytes = 8 << 10

// Slot is one entry of a fetch batch.
type Slot struct {
	URL    string
	Weight int32
	Depth  uint8
	// Delay is the host crawl-delay in seconds.
	Delay uint32
	Flag  Flag
}

// IsDummy reports whether the slot is a spacing placeholder.
func (s Slot) IsDummy() bool {
	return s.Flag == FlagDummy
}

// Dummy returns a placeholder slot.
func Dummy() Slot {
	return Slot{Flag: FlagDummy}
}

// Validator carries cache validators for conditional re-fetches.
type Validator struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// BatchMeta is the first line of a batch file: a snapshot of the job
// parameters the batch was produced under.
type BatchMeta struct {
	BatchID          string               `json:"batch_id"`
	CrawlTime        int64                `json:"crawl_time"`
	Order            crawler.CrawlOrder   `json:"order"`
	MaxDepth         int                  `json:"max_depth"`
	RobotsPolicy     crawler.RobotsPolicy `json:"robots_policy"`
	ParamsModified   time.Time            `json:"params_modified"`
	CreatedAt        time.Time            `json:"created_at"`
	RequestBatchSize int                  `json:"request_batch_size"`
	LoopTime         time.Duration        `json:"loop_time"`
	Validators       map[string]Validator `json:"validators,omitempty"`
}

// PackWeight packs a 24-bit weight and 8-bit depth into one word. Out of
// range values are clamped.
func PackWeight(weight int32, depth uint8) uint32 {
	if weight < 0 {
		weight = 0
	}
	if weight > MaxWeight {
		weight = MaxWeight
	}
	return uint32(weight)<<8 | uint32(depth)
}

// UnpackWeight reverses PackWeight.
func UnpackWeight(packed uint32) (int32, uint8) {
	return int32(packed >> 8), uint8(packed & 0xff)
}

// PackDelay packs a slot flag and a 24-bit delay in seconds.
func PackDelay(flag Flag, delay uint32) uint32 {
	if delay > MaxDelay {
		delay = MaxDelay
	}
	return uint32(flag)<<24 | delay
}

// UnpackDelay reverses PackDelay.
func UnpackDelay(packed uint32) (Flag, uint32) {
	return Flag(packed >> 24), packed & MaxDelay
}

// EncodeSlot returns the base64 record for s.
func EncodeSlot(s Slot) string {
	buf := make([]byte, 8+len(s.URL))
	binary.BigEndian.PutUint32(buf[0:4], PackWeight(s.Weight, s.Depth))
	binary.BigEndian.PutUint32(buf[4:8], PackDelay(s.Flag, s.Delay))
	copy(buf[8:], s.URL)
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeSlot parses a record produced by EncodeSlot.
func DecodeSlot(line string) (Slot, error) {
	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return Slot{}, fmt.Errorf("decode slot: %w", ErrCorrupt)
	}
	if len(raw) < 8 || len(raw)-8 > maxURLBytes {
		return Slot{}, fmt.Errorf("slot length %d: %w", len(raw), ErrCorrupt)
	}
	weight, depth := UnpackWeight(binary.BigEndian.Uint32(raw[0:4]))
	flag, delay := UnpackDelay(binary.BigEndian.Uint32(raw[4:8]))
	if flag > FlagDummy {
		return Slot{}, fmt.Errorf("slot flag %d: %w", flag, ErrCorrupt)
	}
	return Slot{
		URL:    string(raw[8:]),
		Weight: weight,
		Depth:  depth,
		Delay:  delay,
		Flag:   flag,
	}, nil
}

// EncodeBatch renders a batch file: one metadata line then one line per slot.
func EncodeBatch(meta BatchMeta, slots []Slot) ([]byte, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal batch meta: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(base64.StdEncoding.EncodeToString(metaJSON))
	buf.WriteByte('\n')
	for _, s := range slots {
		buf.WriteString(EncodeSlot(s))
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// DecodeBatch parses a batch file produced by EncodeBatch. The metadata
// line carries the batch's cache validators and has no length limit; slot
// lines are bounded by the URL limit.
func DecodeBatch(data []byte) (BatchMeta, []Slot, error) {
	head, rest, found := bytes.Cut(data, []byte{'\n'})
	if !found || len(bytes.TrimSpace(head)) == 0 {
		return BatchMeta{}, nil, fmt.Errorf("batch has no metadata line: %w", ErrCorrupt)
	}
	metaJSON, err := base64.StdEncoding.DecodeString(string(bytes.TrimRight(head, "\r")))
	if err != nil {
		return BatchMeta{}, nil, fmt.Errorf("decode batch meta: %w", ErrCorrupt)
	}
	var meta BatchMeta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return BatchMeta{}, nil, fmt.Errorf("unmarshal batch meta: %w", ErrCorrupt)
	}
	scanner := bufio.NewScanner(bytes.NewReader(rest))
	scanner.Buffer(make([]byte, 0, 64<<10), 4*maxURLBytes)
	var slots []Slot
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		slot, err := DecodeSlot(line)
		if err != nil {
			return BatchMeta{}, nil, err
		}
		slots = append(slots, slot)
	}
	if err := scanner.Err(); err != nil {
		return BatchMeta{}, nil, fmt.Errorf("scan batch: %w", ErrCorrupt)
	}
	return meta, slots, nil
}
