package cassette

import (
	"bufio"
	"bytes"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/chronotape/chronotape/cherr"
)

// maxLineSize bounds a single JSON Lines record. Entries with external
// bodies keep inline payloads small, so a generous fixed ceiling is
// simpler than a growth loop and still comfortably covers non-pathological
// header sets.
const maxLineSize = 8 * 1024 * 1024

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Storage is the append-only JSON Lines persistence backend a cassette
// path resolves to: entries are appended one line at a time rather than
// rewritten as a single document, and reads tolerate partial writes from
// a killed process.
type Storage struct {
	log *slog.Logger
}

// NewStorage returns a Storage backend. A nil logger falls back to
// slog.Default().
func NewStorage(log *slog.Logger) *Storage {
	if log == nil {
		log = slog.Default()
	}
	return &Storage{log: log}
}

// Exists reports whether a cassette file already exists at path.
func (s *Storage) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsurePath creates path's parent directory if missing.
func (s *Storage) EnsurePath(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &cherr.StorageWriteError{CassettePath: path, Cause: err}
	}
	return nil
}

// DeleteCassette removes the cassette file at path. Deleting a path that
// does not exist is not an error.
func (s *Storage) DeleteCassette(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &cherr.StorageWriteError{CassettePath: path, Cause: err}
	}
	return nil
}

// AppendEntries opens path for append (creating it and its parent
// directory if necessary) and writes each already-encoded line, one per
// call to EncodeEntry, each terminated by a newline.
func (s *Storage) AppendEntries(path string, lines [][]byte) error {
	if len(lines) == 0 {
		return nil
	}
	if err := s.EnsurePath(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &cherr.StorageWriteError{CassettePath: path, Cause: err}
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.Write(line); err != nil {
			return &cherr.StorageWriteError{CassettePath: path, Cause: err}
		}
		if err := w.WriteByte('\n'); err != nil {
			return &cherr.StorageWriteError{CassettePath: path, Cause: err}
		}
	}
	if err := w.Flush(); err != nil {
		return &cherr.StorageWriteError{CassettePath: path, Cause: err}
	}
	return nil
}

// ReplaceAll atomically overwrites path's full contents with lines,
// used by the async writer's "all" mode commit. The write is atomic via
// a temp-file-then-rename so a reader never observes a partially
// written cassette.
func (s *Storage) ReplaceAll(path string, lines [][]byte) error {
	if err := s.EnsurePath(path); err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return &cherr.StorageWriteError{CassettePath: path, Cause: err}
	}
	return nil
}

// ReadEntries reads every well-formed entry from path in file order. It
// tolerates:
//   - a leading UTF-8 BOM on the first line only
//   - blank lines, which are skipped silently
//   - a truncated trailing line (e.g. a writer killed mid-append), which
//     is dropped with a warning
//   - any other malformed/invalid line, which is dropped with a warning
//     rather than aborting the whole read
//
// A missing file returns (nil, nil): an absent cassette is an empty one,
// not an error, for the caller to distinguish via Exists if it cares.
func (s *Storage) ReadEntries(path string) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &cherr.StorageWriteError{CassettePath: path, Cause: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var entries []*Entry
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if lineNo == 1 {
			line = bytes.TrimPrefix(line, utf8BOM)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		entry, err := DecodeEntry(line)
		if err != nil {
			warning := &cherr.CassetteLoadWarning{CassettePath: path, LineNumber: lineNo, Reason: err.Error()}
			s.log.Warn(warning.Error())
			continue
		}
		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			warning := &cherr.CassetteLoadWarning{CassettePath: path, LineNumber: lineNo + 1, Reason: "line exceeds maximum size"}
			s.log.Warn(warning.Error())
		} else {
			return entries, &cherr.StorageWriteError{CassettePath: path, Cause: err}
		}
	}

	return entries, nil
}

// Count returns the number of well-formed entries at path, without
// requiring the caller to hold onto the full []*Entry slice ReadEntries
// returns.
func (s *Storage) Count(path string) (int, error) {
	entries, err := s.ReadEntries(path)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Hashes returns the set of external body hashes referenced by entries
// at path, for an inspection tool to cross-check against an object
// store's own List.
func (s *Storage) Hashes(path string) ([]string, error) {
	entries, err := s.ReadEntries(path)
	if err != nil {
		return nil, err
	}
	var hashes []string
	for _, e := range entries {
		if e.Response.BodyExternalRef != nil {
			hashes = append(hashes, *e.Response.BodyExternalRef)
		}
	}
	return hashes, nil
}
