package seen

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// Bloom is a Bloom filter over 64-bit keys using double hashing
// (h1 + i*h2) mod m. It is not safe for concurrent use.
type Bloom struct {
	bits  *bitset.BitSet
	m     uint64
	k     uint8
	count int
}

// NewBloom sizes a filter for expected items at the given false-positive rate.
func NewBloom(expected int, fpRate float64) *Bloom {
	if expected <= 0 {
		expected = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	m := uint64(math.Ceil(-float64(expected) * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := int(math.Round(float64(m) / float64(expected) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return &Bloom{bits: bitset.New(uint(m)), m: m, k: uint8(k)}
}

func (b *Bloom) hashPair(key uint64) (uint64, uint64) {
	var buf [9]byte
	binary.LittleEndian.PutUint64(buf[:8], key)
	h1 := xxhash.Sum64(buf[:8])
	buf[8] = 0xB0
	h2 := xxhash.Sum64(buf[:])
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

// Add implements Filter.
func (b *Bloom) Add(key uint64) bool {
	h1, h2 := b.hashPair(key)
	added := false
	for i := uint64(0); i < uint64(b.k); i++ {
		j := uint((h1 + i*h2) % b.m)
		if !b.bits.Test(j) {
			b.bits.Set(j)
			added = true
		}
	}
	if added {
		b.count++
	}
	return added
}

// Contains implements Filter. False positives are possible.
func (b *Bloom) Contains(key uint64) bool {
	h1, h2 := b.hashPair(key)
	for i := uint64(0); i < uint64(b.k); i++ {
		if !b.bits.Test(uint((h1 + i*h2) % b.m)) {
			return false
		}
	}
	return true
}

// Len returns the number of keys added (an estimate once false positives occur).
func (b *Bloom) Len() int {
	return b.count
}

// Reset clears every bit.
func (b *Bloom) Reset() {
	b.bits.ClearAll()
	b.count = 0
}

// WriteTo serializes the filter: magic, k, count, then the bitset.
func (b *Bloom) WriteTo(w io.Writer) (int64, error) {
	var hdr [4 + 1 + 8]byte
	copy(hdr[:4], magicBloom)
	hdr[4] = b.k
	binary.LittleEndian.PutUint64(hdr[5:], uint64(b.count))
	n, err := w.Write(hdr[:])
	if err != nil {
		return int64(n), fmt.Errorf("write bloom header: %w", err)
	}
	m, err := b.bits.WriteTo(w)
	if err != nil {
		return int64(n) + m, fmt.Errorf("write bloom bits: %w", err)
	}
	return int64(n) + m, nil
}

func readBloom(r io.Reader) (*Bloom, error) {
	var hdr [1 + 8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read bloom header: %w", err)
	}
	bits := &bitset.BitSet{}
	if _, err := bits.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("read bloom bits: %w", err)
	}
	if hdr[0] == 0 || bits.Len() == 0 {
		return nil, ErrUnknownFormat
	}
	return &Bloom{
		bits:  bits,
		m:     uint64(bits.Len()),
		k:     hdr[0],
		count: int(binary.LittleEndian.Uint64(hdr[1:])),
	}, nil
}
