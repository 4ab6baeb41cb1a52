package seen

import (
	"encoding/binary"
	"fmt"
	"io"
	"slices"
)

// maxExactLoad bounds the key count accepted from disk.
const maxExactLoad = 1 << 28

// Exact is a precise set of hashes.
type Exact struct {
	keys map[uint64]struct{}
}

// NewExact returns an empty set.
func NewExact() *Exact {
	return &Exact{keys: make(map[uint64]struct{})}
}

// Add implements Filter.
func (e *Exact) Add(key uint64) bool {
	if _, ok := e.keys[key]; ok {
		return false
	}
	e.keys[key] = struct{}{}
	return true
}

// Contains implements Filter.
func (e *Exact) Contains(key uint64) bool {
	_, ok := e.keys[key]
	return ok
}

// Len implements Filter.
func (e *Exact) Len() int {
	return len(e.keys)
}

// Reset implements Filter.
func (e *Exact) Reset() {
	clear(e.keys)
}

// WriteTo writes magic, count and the sorted keys.
func (e *Exact) WriteTo(w io.Writer) (int64, error) {
	keys := make([]uint64, 0, len(e.keys))
	for k := range e.keys {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	buf := make([]byte, 4+8+8*len(keys))
	copy(buf[:4], magicExact)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(len(keys)))
	for i, k := range keys {
		binary.LittleEndian.PutUint64(buf[12+8*i:], k)
	}
	n, err := w.Write(buf)
	if err != nil {
		return int64(n), fmt.Errorf("write exact set: %w", err)
	}
	return int64(n), nil
}

func readExact(r io.Reader) (*Exact, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read exact header: %w", err)
	}
	n := binary.LittleEndian.Uint64(hdr[:])
	if n > maxExactLoad {
		return nil, fmt.Errorf("exact set declares %d keys: %w", n, ErrUnknownFormat)
	}
	e := &Exact{keys: make(map[uint64]struct{}, n)}
	var kb [8]byte
	for i := uint64(0); i < n; i++ {
		if _, err := io.ReadFull(r, kb[:]); err != nil {
			return nil, fmt.Errorf("read exact key %d: %w", i, err)
		}
		e.keys[binary.LittleEndian.Uint64(kb[:])] = struct{}{}
	}
	return e, nil
}
