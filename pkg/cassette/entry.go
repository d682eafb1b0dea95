// Copyright (c) 2015-2024 Marin Atanasov Nikolov <dnaeon@gmail.com>
//
// Package cassette defines the cassette entry model: an immutable
// (request, response, recorded_at) triple, its JSON Lines wire shape, and
// the per-cassette coordinator that accumulates entries in memory and
// tracks a replay cursor.
package cassette

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/chronotape/chronotape/cherr"
)

// BodyEncoding tags how a response body's storage representation is
// held: inline as text or binary, inline as a captured stream, or
// externalized to the object store.
type BodyEncoding string

const (
	EncodingText           BodyEncoding = "text"
	EncodingBinary         BodyEncoding = "binary"
	EncodingStream         BodyEncoding = "stream"
	EncodingExternalBinary BodyEncoding = "external_binary"
	EncodingExternalStream BodyEncoding = "external_stream"
)

func (e BodyEncoding) isExternal() bool {
	return e == EncodingExternalBinary || e == EncodingExternalStream
}

// IsExternal reports whether e stores its body in the object store
// rather than inline in the entry.
func (e BodyEncoding) IsExternal() bool {
	return e.isExternal()
}

// ContentHash returns the SHA-256 hex digest of data, for content-
// addressing object store entries. Unlike BodyHash, it has no
// method-based "-" sentinel: callers that reach here have already
// decided the content is worth storing.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NoBodyHash is the literal sentinel used when a request has no body to
// hash.
const NoBodyHash = "-"

var bodyMethods = map[string]struct{}{
	http.MethodPost:  {},
	http.MethodPut:   {},
	http.MethodPatch: {},
}

// Headers is a mapping from lowercased header name to a single string
// value, deliberately simpler than net/http's multi-valued http.Header.
type Headers map[string]string

// HeadersFromHTTP lowercases header names and joins repeated values with
// ", ", producing the single-valued mapping the cassette entry model
// stores.
func HeadersFromHTTP(h http.Header) Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

// ToHTTP expands a Headers mapping back into an http.Header.
func (h Headers) ToHTTP() http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out.Set(k, v)
	}
	return out
}

// Clone returns a shallow copy of h.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Request is the recorded client request half of an Entry.
type Request struct {
	Method   string  `json:"method"`
	URL      string  `json:"url"`
	Headers  Headers `json:"headers"`
	BodyHash string  `json:"body_hash"`
}

// Response is the recorded server response half of an Entry.
type Response struct {
	Status          int            `json:"status"`
	Headers         Headers        `json:"headers"`
	BodyInline      []byte         `json:"-"`
	BodyEncoding    BodyEncoding   `json:"body_encoding"`
	BodyExternalRef *string        `json:"body_external_ref"`
	StreamMetadata  map[string]any `json:"stream_metadata"`

	// Extra holds any fields present in a decoded resp object beyond the
	// ones above, keyed by their original JSON name. Round-tripping a
	// Response through DecodeEntry/EncodeEntry writes them back out
	// unchanged, so a cassette written by a newer version of this
	// package (or hand-edited to add a field) doesn't lose data when
	// read and rewritten by this one.
	Extra map[string]json.RawMessage `json:"-"`
}

// Entry is the atomic, immutable unit of a cassette.
type Entry struct {
	Request    Request  `json:"req"`
	Response   Response `json:"resp"`
	RecordedAt int64    `json:"recorded_at"`

	fingerprint string
}

// BodyHash returns the SHA-256 hex digest of body, or NoBodyHash when
// method does not carry a body or body is empty.
func BodyHash(method string, body []byte) string {
	if _, ok := bodyMethods[strings.ToUpper(method)]; !ok {
		return NoBodyHash
	}
	if len(body) == 0 {
		return NoBodyHash
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func validMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func validBodyHash(hash string) bool {
	if hash == NoBodyHash {
		return true
	}
	if len(hash) != 64 {
		return false
	}
	for _, r := range hash {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// NewRequest constructs and validates a Request.
func NewRequest(method, url string, headers Headers, bodyHash string) (Request, error) {
	method = strings.ToUpper(method)
	if !validMethod(method) {
		return Request{}, &cherr.CassetteEntryInvalid{Reason: fmt.Sprintf("unsupported method %q", method)}
	}
	if !validBodyHash(bodyHash) {
		return Request{}, &cherr.CassetteEntryInvalid{Reason: fmt.Sprintf("malformed body_hash %q", bodyHash)}
	}
	if headers == nil {
		headers = Headers{}
	}
	return Request{Method: method, URL: url, Headers: headers, BodyHash: bodyHash}, nil
}

// NewResponse constructs and validates a Response. externalRef is
// non-nil only when the caller has already routed the body to the
// object store and wants the entry to reference it.
func NewResponse(status int, headers Headers, encoding BodyEncoding, inline []byte, externalRef *string, streamMeta map[string]any) (Response, error) {
	if status < 100 || status >= 600 {
		return Response{}, &cherr.CassetteEntryInvalid{Reason: fmt.Sprintf("status %d out of range", status)}
	}
	switch encoding {
	case EncodingText, EncodingBinary, EncodingStream, EncodingExternalBinary, EncodingExternalStream:
	default:
		return Response{}, &cherr.CassetteEntryInvalid{Reason: fmt.Sprintf("unknown body_encoding %q", encoding)}
	}
	if encoding.isExternal() {
		if externalRef == nil || *externalRef == "" {
			return Response{}, &cherr.CassetteEntryInvalid{Reason: "external encoding requires a non-empty body_external_ref"}
		}
		if len(inline) != 0 {
			return Response{}, &cherr.CassetteEntryInvalid{Reason: "external encoding requires an empty body_inline"}
		}
	} else if externalRef != nil {
		return Response{}, &cherr.CassetteEntryInvalid{Reason: "non-external encoding must not carry body_external_ref"}
	}
	if headers == nil {
		headers = Headers{}
	}
	return Response{
		Status:          status,
		Headers:         headers,
		BodyInline:      inline,
		BodyEncoding:    encoding,
		BodyExternalRef: externalRef,
		StreamMetadata:  streamMeta,
	}, nil
}

// NewEntry validates and assembles an Entry. recordedAt must be strictly
// positive.
func NewEntry(req Request, resp Response, recordedAt int64) (*Entry, error) {
	if recordedAt <= 0 {
		return nil, &cherr.CassetteEntryInvalid{Reason: "recorded_at must be strictly positive"}
	}
	e := &Entry{Request: req, Response: resp, RecordedAt: recordedAt}
	e.fingerprint = fingerprintOf(req)
	return e, nil
}

// Fingerprint returns the (method, URL, body hash) identity used to
// detect duplicate entries within a cassette. Callers that need
// matcher-style URL normalization applied should normalize req.URL
// before calling NewRequest.
func (e *Entry) Fingerprint() string {
	return e.fingerprint
}

func fingerprintOf(req Request) string {
	return req.Method + " " + req.URL + " " + req.BodyHash
}
