package scheduler

import (
	"sync"

	"github.com/JakeFAU/distcrawl/internal/protocol"
)

// validatorTable remembers ETag/Last-Modified per URL so re-fetches can be
// conditional. It is bounded; when full, an arbitrary entry is evicted.
type validatorTable struct {
	mu    sync.Mutex
	limit int
	byURL map[string]protocol.Validator
}

func newValidatorTable(limit int) *validatorTable {
	return &validatorTable{limit: limit, byURL: make(map[string]protocol.Validator)}
}

func (t *validatorTable) set(rawURL string, v protocol.Validator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.ETag == "" && v.LastModified == "" {
		delete(t.byURL, rawURL)
		return
	}
	if _, ok := t.byURL[rawURL]; !ok && t.limit > 0 && len(t.byURL) >= t.limit {
		for k := range t.byURL {
			delete(t.byURL, k)
			break
		}
	}
	t.byURL[rawURL] = v
}

func (t *validatorTable) forSlots(slots []protocol.Slot) map[string]protocol.Validator {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out map[string]protocol.Validator
	for _, s := range slots {
		if v, ok := t.byURL[s.URL]; ok {
			if out == nil {
				out = make(map[string]protocol.Validator)
			}
			out[s.URL] = v
		}
	}
	return out
}

func (t *validatorTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byURL)
}
