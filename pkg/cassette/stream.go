package cassette

import (
	"io"
	"time"
)

// StreamChunk is a single timestamped slice of a streamed response body,
// relative to the moment capture started.
type StreamChunk struct {
	OffsetUs int64
	Data     []byte
}

// StreamCapture wraps a live response body so it can be streamed to the
// caller in real time while every chunk read off it is also accumulated
// with a relative timestamp, for stream_metadata and the object store's
// stream storage.
//
// Close calls onClose exactly once, with whatever was captured up to
// that point — including a partial capture if the caller closed early
// (e.g. a canceled context). Close never blocks waiting on the upstream
// response to finish.
type StreamCapture struct {
	orig    io.ReadCloser
	start   time.Time
	chunks  []StreamChunk
	onClose func(chunks []StreamChunk)
	closed  bool
}

// NewStreamCapture returns a StreamCapture wrapping body. onClose fires
// once, from Close, with the chunks accumulated so far.
func NewStreamCapture(body io.ReadCloser, onClose func(chunks []StreamChunk)) *StreamCapture {
	return &StreamCapture{orig: body, start: time.Now(), onClose: onClose}
}

func (s *StreamCapture) Read(p []byte) (int, error) {
	n, err := s.orig.Read(p)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		s.chunks = append(s.chunks, StreamChunk{
			OffsetUs: time.Since(s.start).Microseconds(),
			Data:     chunk,
		})
	}
	return n, err
}

func (s *StreamCapture) Close() error {
	if !s.closed {
		s.closed = true
		if s.onClose != nil {
			s.onClose(s.chunks)
		}
	}
	return s.orig.Close()
}

// TotalSize sums the captured chunk sizes so far.
func TotalSize(chunks []StreamChunk) int {
	total := 0
	for _, c := range chunks {
		total += len(c.Data)
	}
	return total
}

// ConcatChunks joins every chunk's bytes in order, for the inline-fallback
// path where a stream turned out small enough to keep in the entry body.
func ConcatChunks(chunks []StreamChunk) []byte {
	total := TotalSize(chunks)
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c.Data...)
	}
	return out
}

// ReplayStream writes chunks to w, pacing each write by its recorded
// relative offset divided by speed. speed <= 0 means instant: every
// chunk is written back to back with no pacing at all.
func ReplayStream(w io.Writer, chunks []StreamChunk, speed float64) error {
	if speed <= 0 {
		for _, c := range chunks {
			if _, err := w.Write(c.Data); err != nil {
				return err
			}
		}
		return nil
	}

	var elapsed int64
	for _, c := range chunks {
		wait := time.Duration(float64(c.OffsetUs-elapsed)/speed) * time.Microsecond
		if wait > 0 {
			time.Sleep(wait)
		}
		elapsed = c.OffsetUs
		if _, err := w.Write(c.Data); err != nil {
			return err
		}
	}
	return nil
}
