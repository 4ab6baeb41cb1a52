package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/protocol"
)

// Hasher digests upload parts and reassembled payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
	HashFiles(paths []string) (string, error)
}

var (
	// errUploadRestart means the part does not continue the upload on
	// record; the fetcher must resend from part 0.
	errUploadRestart = errors.New("upload must restart from part 0")
	// errPayloadHash means the reassembled payload failed verification.
	errPayloadHash = errors.New("reassembled payload hash mismatch")
)

const (
	uploadMetaFile = "upload.json"
	partPrefix     = "part-"
)

type uploadMeta struct {
	DataHash string `json:"data_hash"`
	Count    int    `json:"count"`
}

// assembler stores upload parts per robot instance until every part of a
// payload has arrived.
type assembler struct {
	dir    string
	hasher Hasher

	mu sync.Mutex
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// add stores p for instance. When p completes its upload the verified
// payload is returned and the parts are removed.
func (a *assembler) add(instance string, p protocol.Part) ([]byte, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dir := filepath.Join(a.dir, safeName(instance))
	if p.Index == 0 {
		if err := os.RemoveAll(dir); err != nil {
			return nil, false, fmt.Errorf("reset upload: %w", err)
		}
		meta, err := json.Marshal(uploadMeta{DataHash: p.DataHash, Count: p.Count})
		if err != nil {
			return nil, false, fmt.Errorf("marshal upload meta: %w", err)
		}
		if err := crawler.WriteFileAtomic(filepath.Join(dir, uploadMetaFile), meta); err != nil {
			return nil, false, err
		}
	} else {
		meta, err := readUploadMeta(dir)
		if err != nil || meta.DataHash != p.DataHash || meta.Count != p.Count {
			return nil, false, errUploadRestart
		}
	}
	name := fmt.Sprintf("%s%06d", partPrefix, p.Index)
	if err := crawler.WriteFileAtomic(filepath.Join(dir, name), p.Data); err != nil {
		return nil, false, err
	}

	parts, err := partFiles(dir)
	if err != nil {
		return nil, false, err
	}
	if len(parts) < p.Count {
		return nil, false, nil
	}
	defer os.RemoveAll(dir)
	sum, err := a.hasher.HashFiles(parts)
	if err != nil {
		return nil, false, err
	}
	if sum != p.DataHash {
		return nil, false, errPayloadHash
	}
	var payload []byte
	for _, path := range parts {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, false, fmt.Errorf("read upload part: %w", err)
		}
		payload = append(payload, data...)
	}
	return payload, true, nil
}

func readUploadMeta(dir string) (uploadMeta, error) {
	var meta uploadMeta
	data, err := os.ReadFile(filepath.Join(dir, uploadMetaFile))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

func partFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list upload parts: %w", err)
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), partPrefix) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
