// Package source feeds client writes into the host store from an
// append-only JSON lines file, one hostdb.Write per line.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	errs "github.com/webme-commons/esindex/internal/errors"
	"github.com/webme-commons/esindex/internal/hostdb"
)

// Applier applies one write. *hostdb.DB implements it.
type Applier interface {
	Apply(ctx context.Context, w hostdb.Write) (int64, error)
}

// Options configures a Tailer.
type Options struct {
	// PollInterval re-reads the file even without a change notification.
	// It is the only trigger when fsnotify cannot be started.
	// Default: 1s
	PollInterval time.Duration

	// FromEnd skips the lines already in the file at start.
	FromEnd bool

	Logger *slog.Logger
}

// Stats counts processed lines.
type Stats struct {
	Applied int64 `json:"applied"`
	Invalid int64 `json:"invalid"`
	Failed  int64 `json:"failed"`
	Offset  int64 `json:"offset"`
}

// Tailer follows a JSON lines file and applies every complete line.
// A trailing line without a newline is left for the next read.
type Tailer struct {
	path   string
	apply  Applier
	opts   Options
	logger *slog.Logger

	offset  atomic.Int64
	applied atomic.Int64
	invalid atomic.Int64
	failed  atomic.Int64
}

// NewTailer creates a tailer for path.
func NewTailer(path string, apply Applier, opts Options) *Tailer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{
		path:   filepath.Clean(path),
		apply:  apply,
		opts:   opts,
		logger: logger,
	}
}

// Stats returns the counters so far.
func (t *Tailer) Stats() Stats {
	return Stats{
		Applied: t.applied.Load(),
		Invalid: t.invalid.Load(),
		Failed:  t.failed.Load(),
		Offset:  t.offset.Load(),
	}
}

// Run follows the file until ctx is done. The file does not need to exist
// yet. Run returns nil on cancellation.
func (t *Tailer) Run(ctx context.Context) error {
	if t.opts.FromEnd {
		if info, err := os.Stat(t.path); err == nil {
			t.offset.Store(info.Size())
		}
	}

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = fsw.Close() }()
		// Watch the directory so creation and rotation are seen too.
		if err := fsw.Add(filepath.Dir(t.path)); err != nil {
			t.logger.Warn("source_watch_failed", slog.String("path", t.path), slog.String("error", err.Error()))
		} else {
			events = fsw.Events
			watchErrs = fsw.Errors
		}
	} else {
		t.logger.Warn("source_fsnotify_unavailable", slog.String("error", err.Error()))
	}

	t.logger.Info("source_started",
		slog.String("path", t.path),
		slog.Bool("fsnotify", events != nil),
		slog.Duration("poll_interval", t.opts.PollInterval))

	if err := t.drain(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != t.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := t.drain(ctx); err != nil {
				return err
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			t.logger.Warn("source_watch_error", slog.String("error", err.Error()))
		case <-ticker.C:
			if err := t.drain(ctx); err != nil {
				return err
			}
		}
	}
}

// drain applies every complete line after the current offset.
func (t *Tailer) drain(ctx context.Context) error {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", t.path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", t.path, err)
	}
	offset := t.offset.Load()
	if info.Size() < offset {
		t.logger.Info("source_truncated", slog.String("path", t.path), slog.Int64("offset", offset))
		offset = 0
	}
	if info.Size() == offset {
		t.offset.Store(offset)
		return nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", t.path, err)
	}

	r := bufio.NewReader(f)
	for {
		if ctx.Err() != nil {
			break
		}
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// Partial line: keep the offset before it.
			break
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", t.path, err)
		}
		offset += int64(len(line))
		t.line(ctx, offset, line)
	}
	t.offset.Store(offset)
	return nil
}

func (t *Tailer) line(ctx context.Context, offset int64, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == '#' {
		return
	}
	w, err := ParseWrite(line)
	if err != nil {
		t.invalid.Add(1)
		t.logger.Warn("source_line_invalid",
			slog.Int64("offset", offset),
			slog.String("error", err.Error()))
		return
	}
	if _, err := t.apply.Apply(ctx, w); err != nil {
		t.failed.Add(1)
		attrs := append([]any{
			slog.String("table", w.Table),
			slog.String("key", w.Key),
		}, errs.LogAttrs(err)...)
		t.logger.Warn("source_apply_failed", attrs...)
		return
	}
	t.applied.Add(1)
}

// ParseWrite decodes one line. Unknown fields are rejected so a typo does
// not silently turn into an empty write.
func ParseWrite(line []byte) (hostdb.Write, error) {
	var w hostdb.Write
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return hostdb.Write{}, errs.ValidationError("invalid write line", err)
	}
	if w.Table == "" || w.Key == "" {
		return hostdb.Write{}, errs.ValidationError("write line needs table and key", nil)
	}
	if !w.Delete && len(w.Columns) == 0 {
		return hostdb.Write{}, errs.ValidationError("write line has no columns", nil)
	}
	return w, nil
}
