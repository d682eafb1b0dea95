// Package content classifies HTTP response bodies as text, binary, or
// stream, and decides whether a body belongs inline in a cassette entry or
// externally in the object store. It has no side effects: the decision
// rules are pure functions of a declared media type and a byte slice.
package content

import "strings"

// Kind is the tagged union a body is classified into.
type Kind string

const (
	KindText   Kind = "text"
	KindBinary Kind = "binary"
	KindStream Kind = "stream"
)

var streamPrefixes = []string{
	"text/event-stream",
	"application/x-ndjson",
	"application/stream+json",
}

var binaryPrefixes = []string{
	"image/",
	"video/",
	"audio/",
	"font/",
	"application/pdf",
	"application/zip",
	"application/gzip",
	"application/x-tar",
	"application/octet-stream",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument",
	"application/msword",
	"application/vnd.ms-powerpoint",
}

var textPrefixes = []string{
	"text/",
	"application/json",
	"application/xml",
	"application/javascript",
	"application/x-www-form-urlencoded",
	"application/graphql",
}

// Classify returns the Kind of a response body given its declared media
// type (the Content-Type header, minus any parameters) and raw bytes.
// mediaType may be empty, in which case classification falls back to a
// printable-byte-ratio heuristic over body.
func Classify(mediaType string, body []byte) Kind {
	mt := strings.ToLower(strings.TrimSpace(mediaType))

	if hasAnyPrefix(mt, streamPrefixes) {
		return KindStream
	}
	if hasAnyPrefix(mt, binaryPrefixes) {
		return KindBinary
	}
	if hasAnyPrefix(mt, textPrefixes) {
		return KindText
	}

	if looksBinary(body) {
		return KindBinary
	}
	return KindText
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// looksBinary implements the heuristic fallback: a NUL byte anywhere, or
// more than 30% of the first 1000 bytes outside printable ASCII (plus
// HT/LF/CR), marks the body as binary.
func looksBinary(body []byte) bool {
	sample := body
	const sampleSize = 1000
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}
	if len(sample) == 0 {
		return false
	}

	nonPrintable := 0
	for _, b := range sample {
		if b == 0 {
			return true
		}
		if b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		if b < 32 || b > 126 {
			nonPrintable++
		}
	}

	return float64(nonPrintable)/float64(len(sample)) > 0.30
}

// ShouldStoreExternally decides whether a body of the given kind and size
// should be routed to the object store instead of being embedded inline
// in the cassette entry. Text is always inline; binary and stream bodies
// go external once they exceed maxInlineSize.
func ShouldStoreExternally(kind Kind, size int, maxInlineSize int) bool {
	if kind == KindText {
		return false
	}
	if kind != KindBinary && kind != KindStream {
		return false
	}
	return size > maxInlineSize
}
