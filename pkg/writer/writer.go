// Package writer implements a batched write path sitting between the
// mode dispatcher and the storage backend: entries queue up per
// cassette path and flush together, sorted by recorded_at, instead of
// hitting disk on every single interaction.
package writer

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chronotape/chronotape/pkg/cassette"
)

// backend is the subset of *cassette.Storage the writer depends on, kept
// as an interface so tests can substitute a fake.
type backend interface {
	AppendEntries(path string, lines [][]byte) error
	ReplaceAll(path string, lines [][]byte) error
	DeleteCassette(path string) error
	EnsurePath(path string) error
}

type pendingLine struct {
	recordedAt int64
	line       []byte
}

// Writer is the process-wide async writer. One instance is normally
// shared across all cassettes opened within a process.
type Writer struct {
	mu           sync.Mutex
	pending      map[string][]pendingLine
	timers       map[string]*time.Timer
	batchSize    int
	batchTimeout time.Duration
	storage      backend
	log          *slog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithBatchSize overrides the default batch-size flush trigger.
func WithBatchSize(n int) Option {
	return func(w *Writer) { w.batchSize = n }
}

// WithBatchTimeout overrides the default batch-timeout flush trigger.
func WithBatchTimeout(d time.Duration) Option {
	return func(w *Writer) { w.batchTimeout = d }
}

// WithLogger overrides the writer's logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Writer) { w.log = log }
}

// New returns a Writer backed by storage, with a default batch size of 20
// and a default batch timeout of 250ms.
func New(storage backend, opts ...Option) *Writer {
	w := &Writer{
		pending:      make(map[string][]pendingLine),
		timers:       make(map[string]*time.Timer),
		batchSize:    20,
		batchTimeout: 250 * time.Millisecond,
		storage:      storage,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WriteEntry enqueues an already-encoded entry line for path. When the
// pending batch reaches the batch size it flushes that batch
// synchronously before returning (a failure is logged, not returned);
// otherwise it arms the path's batch timer if one is not already running.
func (w *Writer) WriteEntry(path string, recordedAt int64, line []byte) {
	w.mu.Lock()
	w.pending[path] = append(w.pending[path], pendingLine{recordedAt: recordedAt, line: line})
	shouldFlush := len(w.pending[path]) >= w.batchSize
	if shouldFlush {
		w.cancelTimerLocked(path)
	} else {
		w.armTimerLocked(path)
	}
	w.mu.Unlock()

	if shouldFlush {
		if err := w.Flush(path); err != nil {
			w.log.Warn("chronotape: batch flush failed", "path", path, "error", err)
		}
	}
}

func (w *Writer) armTimerLocked(path string) {
	if _, ok := w.timers[path]; ok {
		return
	}
	w.timers[path] = time.AfterFunc(w.batchTimeout, func() {
		if err := w.Flush(path); err != nil {
			w.log.Warn("chronotape: timer flush failed", "path", path, "error", err)
		}
	})
}

func (w *Writer) cancelTimerLocked(path string) {
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

// Flush drains and persists path's pending batch, stable-sorted by
// recorded_at ascending. A write failure is logged, not returned to a
// caller that only cares about liveness of subsequent entries, but is
// still surfaced to a caller that wants it (e.g. shutdown-time flush).
func (w *Writer) Flush(path string) error {
	w.mu.Lock()
	w.cancelTimerLocked(path)
	batch := w.pending[path]
	delete(w.pending, path)
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	sort.SliceStable(batch, func(i, j int) bool { return batch[i].recordedAt < batch[j].recordedAt })

	lines := make([][]byte, len(batch))
	for i, p := range batch {
		lines[i] = p.line
	}

	if err := w.storage.AppendEntries(path, lines); err != nil {
		w.log.Warn("chronotape: append failed", "path", path, "error", err)
		return err
	}
	return nil
}

// FlushAll flushes every path with pending entries concurrently.
func (w *Writer) FlushAll() error {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for path := range w.pending {
		paths = append(paths, path)
	}
	w.mu.Unlock()

	var g errgroup.Group
	for _, path := range paths {
		path := path
		g.Go(func() error { return w.Flush(path) })
	}
	return g.Wait()
}

// ReplaceAll commits an `all`-mode atomic replace for path: if pending is
// empty it is a no-op success, never destroying an existing cassette
// with nothing to replace it with. Otherwise pending entries are sorted
// by recorded_at and written as the new, complete contents of path,
// via the storage backend's atomic rename-based replace so a reader
// never observes a momentarily deleted cassette; see DESIGN.md for the
// rationale.
func (w *Writer) ReplaceAll(path string) error {
	w.mu.Lock()
	w.cancelTimerLocked(path)
	batch := w.pending[path]
	delete(w.pending, path)
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	sort.SliceStable(batch, func(i, j int) bool { return batch[i].recordedAt < batch[j].recordedAt })
	lines := make([][]byte, len(batch))
	for i, p := range batch {
		lines[i] = p.line
	}

	return w.storage.ReplaceAll(path, lines)
}

// Shutdown synchronously flushes every pending path.
func (w *Writer) Shutdown() error {
	return w.FlushAll()
}

var _ backend = (*cassette.Storage)(nil)
