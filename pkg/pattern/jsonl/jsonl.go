// Package jsonl provides a file-backed [pattern.Backend] that stores patterns
// as append-only JSON lines.
//
// Every Save appends one "put" record per pattern and every Delete appends a
// "delete" tombstone. Load replays the log, keeping the last record per ID.
// When the log holds many superseded records it is compacted on Load by
// rewriting the live set to a temporary file and renaming it into place.
//
// Suitable for a single local user; use the badger or postgres backends for
// larger stores.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/MrWong99/editlearn/pkg/pattern"
)

// Compile-time interface check.
var _ pattern.Backend = (*FileBackend)(nil)

const (
	opPut    = "put"
	opDelete = "delete"

	// compactRatio triggers compaction when the log holds this many records
	// per live pattern.
	compactRatio = 4
	// maxLineSize bounds a single JSON record.
	maxLineSize = 1 << 20
)

// record is one line in the log.
type record struct {
	Op      string           `json:"op"`
	ID      string           `json:"id"`
	Pattern *pattern.Pattern `json:"pattern,omitempty"`
}

// FileBackend persists patterns in a JSON lines file.
// Thread-safe for concurrent use.
type FileBackend struct {
	mu   sync.Mutex
	path string
}

// New returns a FileBackend writing to path. The file and its parent
// directory are created on first write.
func New(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the log file location.
func (b *FileBackend) Path() string { return b.path }

// Load implements [pattern.Backend].
func (b *FileBackend) Load(ctx context.Context) ([]pattern.Pattern, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	live, lines, err := b.replay(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]pattern.Pattern, 0, len(live))
	for _, p := range live {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })

	if lines > compactRatio*max(len(live), 1) {
		if err := b.rewrite(out); err != nil {
			slog.Warn("jsonl backend: compaction failed", "path", b.path, "err", err)
		} else {
			slog.Debug("jsonl backend: compacted log", "path", b.path, "records", lines, "live", len(out))
		}
	}
	return out, nil
}

// replay reads the log and returns the live set and total line count. Must
// be called with b.mu held.
func (b *FileBackend) replay(ctx context.Context) (map[string]pattern.Pattern, int, error) {
	live := make(map[string]pattern.Pattern)
	f, err := os.Open(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return live, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("jsonl: open: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lines := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		lines++
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			slog.Warn("jsonl backend: skipping corrupt record", "path", b.path, "line", lines, "err", err)
			continue
		}
		switch r.Op {
		case opPut:
			if r.Pattern != nil {
				live[r.Pattern.ID] = *r.Pattern
			}
		case opDelete:
			delete(live, r.ID)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("jsonl: read: %w", err)
	}
	return live, lines, nil
}

// Save implements [pattern.Backend].
func (b *FileBackend) Save(_ context.Context, patterns ...pattern.Pattern) error {
	if len(patterns) == 0 {
		return nil
	}
	recs := make([]record, len(patterns))
	for i := range patterns {
		p := patterns[i]
		recs[i] = record{Op: opPut, ID: p.ID, Pattern: &p}
	}
	return b.append(recs)
}

// Delete implements [pattern.Backend].
func (b *FileBackend) Delete(_ context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	recs := make([]record, len(ids))
	for i, id := range ids {
		recs[i] = record{Op: opDelete, ID: id}
	}
	return b.append(recs)
}

func (b *FileBackend) append(recs []record) error {
	var data []byte
	for _, r := range recs {
		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("jsonl: marshal: %w", err)
		}
		data = append(data, line...)
		data = append(data, '\n')
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("jsonl: create dir: %w", err)
	}
	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("jsonl: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("jsonl: write: %w", err)
	}
	return nil
}

// rewrite replaces the log with one put record per pattern. Must be called
// with b.mu held.
func (b *FileBackend) rewrite(patterns []pattern.Pattern) error {
	tmp, err := os.CreateTemp(filepath.Dir(b.path), filepath.Base(b.path)+".compact-*")
	if err != nil {
		return fmt.Errorf("jsonl: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for i := range patterns {
		p := patterns[i]
		if err := enc.Encode(record{Op: opPut, ID: p.ID, Pattern: &p}); err != nil {
			tmp.Close()
			return fmt.Errorf("jsonl: encode: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("jsonl: flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("jsonl: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("jsonl: rename: %w", err)
	}
	return nil
}

// Ping implements [pattern.Backend]. It verifies the parent directory exists
// or can be created.
func (b *FileBackend) Ping(context.Context) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("jsonl: ping: %w", err)
	}
	return nil
}

// Close implements [pattern.Backend]. The file is opened per write, so
// there is nothing to release.
func (b *FileBackend) Close() error { return nil }
