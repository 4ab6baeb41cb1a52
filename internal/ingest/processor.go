// Package ingest drains upload inboxes. Each role owns one inbox; the
// coordinator delivers every reassembled upload into both and each role
// consumes the sections it cares about.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/crawler"
	"github.com/JakeFAU/distcrawl/internal/events"
	"github.com/JakeFAU/distcrawl/internal/metrics"
	"github.com/JakeFAU/distcrawl/internal/protocol"
)

// UploadExt is the suffix of delivered uploads.
const UploadExt = ".upload"

// ErrBusy is returned by a handler that cannot accept the upload yet; the
// file stays in the inbox.
var ErrBusy = errors.New("ingest target busy")

// Upload is one decoded inbox file.
type Upload struct {
	// Name is the inbox file name.
	Name string
	// Raw is the archive exactly as delivered.
	Raw  []byte
	Data protocol.UploadData
}

// Handler applies an upload. It must be idempotent: an upload may be
// delivered more than once.
type Handler interface {
	Handle(ctx context.Context, upload Upload) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, upload Upload) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, upload Upload) error {
	return f(ctx, upload)
}

// Deliver writes archive into every inbox dir under a name that sorts by
// arrival. It returns the file name used.
func Deliver(archive []byte, instance string, now time.Time, dirs ...string) (string, error) {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, instance)
	name := fmt.Sprintf("%020d-%s%s", now.UnixNano(), safe, UploadExt)
	for _, dir := range dirs {
		if err := crawler.WriteFileAtomic(filepath.Join(dir, name), archive); err != nil {
			return "", fmt.Errorf("deliver upload to %s: %w", dir, err)
		}
	}
	return name, nil
}

// Config configures a Processor.
type Config struct {
	Dir  string
	Role string
	// Sections limits decoding to what the handler consumes; empty decodes
	// everything.
	Sections []protocol.SectionKind
}

// Processor consumes one upload at a time from an inbox.
type Processor struct {
	cfg     Config
	handler Handler
	events  events.Emitter
	logger  *zap.Logger
}

// NewProcessor builds a Processor.
func NewProcessor(cfg Config, handler Handler, emitter events.Emitter, logger *zap.Logger) *Processor {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{cfg: cfg, handler: handler, events: emitter, logger: logger}
}

type inboxFile struct {
	name    string
	seq     int64
	modTime time.Time
}

// Oldest returns the oldest upload in the inbox, by name prefix and then
// modification time.
func (p *Processor) Oldest() (string, bool, error) {
	dirEntries, err := os.ReadDir(p.cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("list inbox: %w", err)
	}
	var files []inboxFile
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, UploadExt) || strings.HasPrefix(name, ".") {
			continue
		}
		f := inboxFile{name: name}
		prefix, _, _ := strings.Cut(name, "-")
		f.seq, _ = strconv.ParseInt(prefix, 10, 64)
		if info, err := de.Info(); err == nil {
			f.modTime = info.ModTime()
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return "", false, nil
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].seq != files[j].seq {
			return files[i].seq < files[j].seq
		}
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		return files[i].name < files[j].name
	})
	return files[0].name, true, nil
}

// ProcessOldest handles the oldest upload. Corrupt files are deleted; files
// the handler fails on stay for the next call. It reports whether a file
// was consumed.
func (p *Processor) ProcessOldest(ctx context.Context) (bool, error) {
	name, ok, err := p.Oldest()
	if err != nil || !ok {
		return false, err
	}
	path := filepath.Join(p.cfg.Dir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read upload %s: %w", name, err)
	}
	start := time.Now()
	data, err := protocol.DecodeSections(raw, p.cfg.Sections...)
	if err != nil {
		if !errors.Is(err, protocol.ErrCorrupt) {
			return false, err
		}
		p.logger.Warn("deleting corrupt upload", zap.String("file", name), zap.Error(err))
		metrics.ObserveUpload("corrupt")
		evt := events.New(events.KindUploadCorrupt, 0, time.Now())
		evt.Role, evt.Ref, evt.Bytes, evt.Note = p.cfg.Role, name, int64(len(raw)), err.Error()
		p.events.Emit(evt)
		if rmErr := os.Remove(path); rmErr != nil {
			return false, fmt.Errorf("remove corrupt upload: %w", rmErr)
		}
		return true, nil
	}

	if err := p.handler.Handle(ctx, Upload{Name: name, Raw: raw, Data: data}); err != nil {
		if errors.Is(err, ErrBusy) {
			p.logger.Debug("upload deferred, handler busy", zap.String("file", name))
			return false, nil
		}
		return false, fmt.Errorf("handle upload %s: %w", name, err)
	}
	if err := os.Remove(path); err != nil {
		return true, fmt.Errorf("remove ingested upload: %w", err)
	}
	metrics.ObserveUpload("ingested")
	evt := events.New(events.KindUploadIngested, data.Meta.CrawlTime, time.Now())
	evt.Role, evt.Ref, evt.Bytes, evt.Dur = p.cfg.Role, name, int64(len(raw)), time.Since(start)
	p.events.Emit(evt)
	p.logger.Debug("upload ingested", zap.String("file", name), zap.String("instance", data.Meta.RobotInstance))
	return true, nil
}
