// Package messages is the filesystem message bus between process roles:
// per-role mailboxes written with write-then-rename, and per-role status
// files.
package messages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/distcrawl/internal/crawler"
)

// Kind names a control message.
type Kind string

// Control message kinds.
const (
	// KindParams carries a new or updated crawl job.
	KindParams Kind = "params"
	// KindStop asks the role to flush its state and exit.
	KindStop Kind = "stop"
	// KindResume tells a restarted role to reload persisted state.
	KindResume Kind = "resume"
)

// Message is one control message.
type Message struct {
	Kind   Kind              `json:"kind"`
	Job    *crawler.CrawlJob `json:"job,omitempty"`
	SentAt time.Time         `json:"sent_at"`
}

const messageExt = ".msg"

var sendSeq atomic.Uint64

// Mailbox is a directory of pending messages for one role.
type Mailbox struct {
	dir    string
	logger *zap.Logger
}

// NewMailbox returns the mailbox in dir.
func NewMailbox(dir string, logger *zap.Logger) *Mailbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailbox{dir: dir, logger: logger}
}

// Send drops msg into the mailbox. The file appears atomically, so a reader
// never sees a partial message.
func (m *Mailbox) Send(msg Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	name := fmt.Sprintf("%020d-%06d-%s%s", msg.SentAt.UnixNano(), sendSeq.Add(1)%1_000_000, msg.Kind, messageExt)
	if err := crawler.WriteFileAtomic(filepath.Join(m.dir, name), data); err != nil {
		return fmt.Errorf("send %s message: %w", msg.Kind, err)
	}
	return nil
}

// Receive returns pending messages oldest first and removes them. Files that
// do not decode are logged and removed.
func (m *Mailbox) Receive() ([]Message, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list mailbox: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), messageExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]Message, 0, len(names))
	for _, name := range names {
		path := filepath.Join(m.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return out, fmt.Errorf("read message %s: %w", name, err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("dropping undecodable message", zap.String("file", name), zap.Error(err))
		} else {
			out = append(out, msg)
		}
		if err := os.Remove(path); err != nil {
			return out, fmt.Errorf("remove message %s: %w", name, err)
		}
	}
	return out, nil
}

// Watch polls the mailbox every interval and delivers messages on the
// returned channel, which is closed when ctx ends.
func (m *Mailbox) Watch(ctx context.Context, interval time.Duration) <-chan Message {
	out := make(chan Message, 16)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			msgs, err := m.Receive()
			if err != nil {
				m.logger.Warn("mailbox receive failed", zap.Error(err))
			}
			for _, msg := range msgs {
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

// Drain returns whatever is buffered on ch without blocking.
func Drain(ch <-chan Message) []Message {
	var out []Message
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}
