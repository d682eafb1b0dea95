package objectstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

// FileStore is the default Store backend: a filesystem tree rooted at Dir,
// using the first two hex characters of a hash as a subdirectory to limit
// fan-out. Streams live under a sibling streams/ directory as
// line-delimited JSON, one encoded chunk per line.
type FileStore struct {
	Dir    string
	Logger *slog.Logger
}

// NewFileStore returns a FileStore rooted at dir. The directory is created
// lazily on first write, not here.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir, Logger: slog.Default()}
}

func (s *FileStore) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *FileStore) objectPath(hash string) string {
	sub := hash
	if len(hash) >= 2 {
		sub = hash[:2]
	}
	return filepath.Join(s.Dir, sub, hash)
}

func (s *FileStore) streamPath(hash string) string {
	return filepath.Join(s.Dir, "streams", hash+".json")
}

// Put implements Store. Writing identical content a second time is a
// no-op success: the hash is content-derived, so if the file already
// exists with content addressed by that hash, there is nothing to do.
func (s *FileStore) Put(hash string, data []byte) error {
	path := s.objectPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("chronotape: create object dir: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("chronotape: write object %s: %w", hash, err)
	}
	return nil
}

// Get implements Store.
func (s *FileStore) Get(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.objectPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

type wireChunk struct {
	Timestamp int64  `json:"timestamp"`
	Data      []byte `json:"data"`
}

// PutStream implements Store. Idempotent in the same sense as Put: an
// existing stream file for hash is left untouched.
func (s *FileStore) PutStream(hash string, chunks []Chunk) error {
	path := s.streamPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("chronotape: create stream dir: %w", err)
	}

	var buf bytes.Buffer
	for _, c := range chunks {
		line, err := json.Marshal(wireChunk{Timestamp: c.TimestampUs, Data: c.Data})
		if err != nil {
			return fmt.Errorf("chronotape: encode stream chunk: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	if err := atomic.WriteFile(path, bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("chronotape: write stream %s: %w", hash, err)
	}
	return nil
}

// GetStream implements Store.
func (s *FileStore) GetStream(hash string) ([]Chunk, error) {
	f, err := os.Open(s.streamPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	var chunks []Chunk
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var wc wireChunk
		if err := json.Unmarshal([]byte(line), &wc); err != nil {
			s.logger().Warn("chronotape: skipping malformed stream chunk", "hash", hash, "line", lineNo, "error", err)
			continue
		}
		chunks = append(chunks, Chunk{TimestampUs: wc.Timestamp, Data: wc.Data})
	}
	if err := scanner.Err(); err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}

	return chunks, nil
}

// Delete implements Store. Deleting an absent hash is a success in both
// the opaque-object and stream layouts.
func (s *FileStore) Delete(hash string) error {
	if err := os.Remove(s.objectPath(hash)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.streamPath(hash)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List implements Store, returning the union of opaque object hashes and
// stream hashes currently present.
func (s *FileStore) List() ([]string, error) {
	var hashes []string

	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return hashes, nil
		}
		return nil, err
	}

	for _, sub := range entries {
		if !sub.IsDir() || sub.Name() == "streams" {
			continue
		}
		subEntries, err := os.ReadDir(filepath.Join(s.Dir, sub.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range subEntries {
			if !f.IsDir() {
				hashes = append(hashes, f.Name())
			}
		}
	}

	streamDir := filepath.Join(s.Dir, "streams")
	streamEntries, err := os.ReadDir(streamDir)
	if err == nil {
		for _, f := range streamEntries {
			hashes = append(hashes, strings.TrimSuffix(f.Name(), ".json"))
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	return hashes, nil
}

var _ Store = (*FileStore)(nil)
