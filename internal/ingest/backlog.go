package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/reviewguard/reviewguard/internal/review"
)

// Item is one backlog record: the event itself plus, optionally, the
// author profile the event depends on. Author is nil when the profile
// was already emitted by an earlier item or is known to exist.
type Item struct {
	Event  *review.ReviewEvent  `json:"event"`
	Author *review.AuthorProfile `json:"author,omitempty"`
}

// Backlog is a sequential source of replayable review events. Next
// returns io.EOF once the source is exhausted.
type Backlog interface {
	Next(ctx context.Context) (*Item, error)
	Close() error
}

// FileBacklog reads items from a JSONL file, one item per line. Blank
// lines are skipped.
type FileBacklog struct {
	f       *os.File
	scanner *bufio.Scanner
	line    int
}

// OpenFileBacklog opens a JSONL backlog file for reading.
func OpenFileBacklog(path string) (*FileBacklog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open backlog: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &FileBacklog{f: f, scanner: sc}, nil
}

func (b *FileBacklog) Next(ctx context.Context) (*Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !b.scanner.Scan() {
			if err := b.scanner.Err(); err != nil {
				return nil, fmt.Errorf("ingest: read backlog: %w", err)
			}
			return nil, io.EOF
		}
		b.line++
		line := b.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item Item
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, fmt.Errorf("ingest: backlog line %d: %w", b.line, err)
		}
		if item.Event == nil {
			return nil, fmt.Errorf("ingest: backlog line %d: missing event", b.line)
		}
		return &item, nil
	}
}

func (b *FileBacklog) Close() error { return b.f.Close() }

// SliceBacklog serves a fixed list of items, mainly for tests and the
// in-memory demo mode.
type SliceBacklog struct {
	items []*Item
	pos   int
}

// NewSliceBacklog creates a backlog over the given items.
func NewSliceBacklog(items []*Item) *SliceBacklog {
	return &SliceBacklog{items: items}
}

func (b *SliceBacklog) Next(ctx context.Context) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.pos >= len(b.items) {
		return nil, io.EOF
	}
	item := b.items[b.pos]
	b.pos++
	return item, nil
}

func (b *SliceBacklog) Close() error { return nil }
