// Package process turns downloaded bodies into indexable content. A
// Registry picks a Processor by MIME type.
package process

import (
	"mime"
	"strings"
	"sync"

	"github.com/JakeFAU/distcrawl/internal/crawler"
)

// Processor extracts content from one kind of document.
type Processor interface {
	Process(pageURL string, body []byte) (crawler.PageContent, error)
}

// Registry maps MIME types to processors. Lookups are cached per raw
// Content-Type header value.
type Registry struct {
	mu       sync.RWMutex
	byType   map[string]Processor
	resolved map[string]Processor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byType:   make(map[string]Processor),
		resolved: make(map[string]Processor),
	}
}

// Default returns a Registry with the HTML and plain-text processors.
func Default() *Registry {
	r := NewRegistry()
	html := NewHTMLProcessor()
	r.Register("text/html", html)
	r.Register("application/xhtml+xml", html)
	r.Register("text/plain", TextProcessor{})
	return r
}

// Register binds mimeType (e.g. "text/html") to p.
func (r *Registry) Register(mimeType string, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[strings.ToLower(mimeType)] = p
	clear(r.resolved)
}

// Lookup returns the processor for a Content-Type header value. A missing
// header is treated as HTML.
func (r *Registry) Lookup(contentType string) (Processor, bool) {
	r.mu.RLock()
	p, ok := r.resolved[contentType]
	r.mu.RUnlock()
	if ok {
		return p, p != nil
	}

	mediaType := "text/html"
	if contentType != "" {
		parsed, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			parsed, _, _ = strings.Cut(contentType, ";")
		}
		mediaType = strings.ToLower(strings.TrimSpace(parsed))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p = r.byType[mediaType]
	r.resolved[contentType] = p
	return p, p != nil
}

// Extract implements crawler.Extractor. ok is false when no processor
// handles contentType or the body cannot be parsed.
func (r *Registry) Extract(pageURL string, contentType string, body []byte) (crawler.PageContent, bool) {
	p, ok := r.Lookup(contentType)
	if !ok {
		return crawler.PageContent{}, false
	}
	content, err := p.Process(pageURL, body)
	if err != nil {
		return crawler.PageContent{}, false
	}
	return content, true
}
