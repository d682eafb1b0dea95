// Package recorder implements the mode dispatcher: the per-cassette
// state machine that routes each intercepted request between replay,
// recording, and failure according to the cassette's active mode.
package recorder

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chronotape/chronotape/cherr"
	"github.com/chronotape/chronotape/pkg/cassette"
	"github.com/chronotape/chronotape/pkg/config"
	"github.com/chronotape/chronotape/pkg/content"
	"github.com/chronotape/chronotape/pkg/matcher"
	"github.com/chronotape/chronotape/pkg/objectstore"
	"github.com/chronotape/chronotape/pkg/redact"
	"github.com/chronotape/chronotape/pkg/writer"
)

// State is a position in a dispatcher's per-frame lifecycle.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Dispatcher is the mode-dispatching http.RoundTripper installed for one
// cassette/test-frame. One Dispatcher owns exactly one coordinator and
// cassette path for its lifetime, from install to cleanup.
type Dispatcher struct {
	mu    sync.Mutex
	state State
	id    string

	path          string
	mode          config.Mode
	matcherNames  []string
	maxInlineSize int64
	streamSpeed   float64

	coordinator     *cassette.Coordinator
	registry        *cassette.Registry
	storage         *cassette.Storage
	writer          *writer.Writer
	matcherEngine   *matcher.Engine
	redactor        *redact.Redactor
	objectStore     objectstore.Store
	volatileHeaders map[string]struct{}
	realTransport   http.RoundTripper
	log             *slog.Logger
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

func WithRealTransport(rt http.RoundTripper) Option {
	return func(d *Dispatcher) { d.realTransport = rt }
}

func WithMatcherNames(names []string) Option {
	return func(d *Dispatcher) { d.matcherNames = names }
}

func WithMaxInlineSize(n int64) Option {
	return func(d *Dispatcher) { d.maxInlineSize = n }
}

func WithStreamSpeed(speed float64) Option {
	return func(d *Dispatcher) { d.streamSpeed = speed }
}

func WithVolatileHeaders(names []string) Option {
	return func(d *Dispatcher) {
		set := make(map[string]struct{}, len(names))
		for _, n := range names {
			set[strings.ToLower(n)] = struct{}{}
		}
		d.volatileHeaders = set
	}
}

func WithRegistry(r *cassette.Registry) Option {
	return func(d *Dispatcher) { d.registry = r }
}

func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

var defaultVolatileHeaders = []string{
	"date", "server", "set-cookie", "request-id", "x-request-id", "x-amzn-trace-id",
}

// New installs a Dispatcher for path: it loads existing entries into the
// coordinator (unless mode is `all`, which never consults entries) and
// arms the state machine. Cleanup must be called when the test frame
// ends, even on failure.
func New(path string, mode config.Mode, coordinator *cassette.Coordinator, storage *cassette.Storage, w *writer.Writer, me *matcher.Engine, redactor *redact.Redactor, objStore objectstore.Store, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		id:            uuid.NewString(),
		path:          path,
		mode:          mode,
		matcherNames:  matcher.DefaultNames,
		maxInlineSize: 64 * 1024,
		streamSpeed:   0,
		coordinator:   coordinator,
		storage:       storage,
		writer:        w,
		matcherEngine: me,
		redactor:      redactor,
		objectStore:   objStore,
		realTransport: http.DefaultTransport,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.volatileHeaders == nil {
		WithVolatileHeaders(defaultVolatileHeaders)(d)
	}

	if d.mode != config.ModeAll {
		entries, err := storage.ReadEntries(path)
		if err != nil {
			return nil, err
		}
		coordinator.Seed(entries)
	}

	d.state = StateArmed
	return d, nil
}

// ID returns the dispatcher's diagnostic identifier, included in every
// log line it emits so concurrent test frames recording to different
// cassettes can be told apart in shared process logs.
func (d *Dispatcher) ID() string { return d.id }

// Mode returns the dispatcher's active mode.
func (d *Dispatcher) Mode() config.Mode { return d.mode }

// State returns the dispatcher's current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dispatcher) activate() {
	d.mu.Lock()
	if d.state == StateArmed {
		d.state = StateActive
	}
	d.mu.Unlock()
}

// Cleanup always runs at test-frame teardown, even on test failure: it
// flushes pending writes (or, in `all` mode, commits the atomic replace),
// terminates the state machine, and disposes the coordinator if a
// Registry was configured.
func (d *Dispatcher) Cleanup() error {
	d.mu.Lock()
	d.state = StateTerminated
	d.mu.Unlock()

	var err error
	if d.mode == config.ModeAll {
		err = d.writer.ReplaceAll(d.path)
		// A size-triggered flush may already have appended part of this
		// frame next to the old cassette contents, so the commit rewrites
		// the file from every entry the coordinator accumulated.
		if recorded := d.coordinator.GetEntries(); err == nil && len(recorded) > 0 {
			sort.SliceStable(recorded, func(i, j int) bool { return recorded[i].RecordedAt < recorded[j].RecordedAt })
			lines := make([][]byte, 0, len(recorded))
			for _, e := range recorded {
				if line, encErr := cassette.EncodeEntry(e); encErr == nil {
					lines = append(lines, line)
				}
			}
			err = d.storage.ReplaceAll(d.path, lines)
		}
	} else {
		err = d.writer.Flush(d.path)
	}

	if d.registry != nil {
		d.registry.Delete(d.path)
	}
	return err
}

// RoundTrip implements http.RoundTripper, dispatching req according to
// the active mode: replay a match if one exists, fail outright on a miss
// in none/once mode, or fall through to recording a live call.
func (d *Dispatcher) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	d.activate()

	reqBodyBytes, err := drainRequestBody(req)
	if err != nil {
		return nil, err
	}
	reqBodyHash := cassette.BodyHash(req.Method, reqBodyBytes)

	if d.mode != config.ModeAll {
		candidates := d.coordinator.GetEntries()
		if match := d.matcherEngine.FindMatch(req, reqBodyHash, candidates, d.matcherNames); match != nil {
			d.coordinator.AdvanceCursor()
			return d.replay(req, match)
		}

		switch d.mode {
		case config.ModeNone, config.ModeOnce:
			return nil, &cherr.CassetteMissError{
				Method: req.Method, URL: req.URL.String(), BodyHash: reqBodyHash, CassettePath: d.path,
			}
		}
		// new_episodes falls through to record.
	}

	return d.record(req, reqBodyBytes)
}

func drainRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// record makes the live call and persists the interaction. recorded_at
// is captured before the live call is dispatched, not when the response
// returns, so entries across a run sort in dispatch order even when
// responses come back out of order.
func (d *Dispatcher) record(req *http.Request, reqBodyBytes []byte) (*http.Response, error) {
	recordedAt := time.Now().UnixMicro()

	resp, err := d.realTransport.RoundTrip(req)
	if err != nil {
		return nil, &cherr.NetworkError{Method: req.Method, URL: req.URL.String(), Cause: err}
	}

	mediaType := parseMediaType(resp.Header.Get("Content-Type"))
	if content.Classify(mediaType, nil) == content.KindStream {
		d.recordStreaming(req, reqBodyBytes, resp, mediaType, recordedAt)
		return resp, nil
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, &cherr.NetworkError{Method: req.Method, URL: req.URL.String(), Cause: err}
	}
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	kind := content.Classify(mediaType, bodyBytes)
	d.persist(req, reqBodyBytes, resp.StatusCode, resp.Header, kind, bodyBytes, nil, recordedAt)

	return resp, nil
}

// recordStreaming tees resp.Body so the caller can consume it in real
// time while the dispatcher accumulates timestamped chunks, finalizing
// the entry asynchronously once the caller closes the body.
func (d *Dispatcher) recordStreaming(req *http.Request, reqBodyBytes []byte, resp *http.Response, mediaType string, recordedAt int64) {
	status := resp.StatusCode
	header := resp.Header.Clone()
	orig := resp.Body
	resp.Body = cassette.NewStreamCapture(orig, func(chunks []cassette.StreamChunk) {
		d.persistStream(req, reqBodyBytes, status, header, mediaType, chunks, recordedAt)
	})
}

func (d *Dispatcher) persist(req *http.Request, reqBodyBytes []byte, status int, respHeader http.Header, kind content.Kind, body []byte, streamMeta map[string]any, recordedAt int64) {
	encoding := cassette.EncodingText
	var inline []byte
	var externalRef *string

	switch kind {
	case content.KindText:
		encoding = cassette.EncodingText
		inline = body
	case content.KindBinary:
		if content.ShouldStoreExternally(kind, len(body), int(d.maxInlineSize)) {
			hash := cassette.ContentHash(body)
			if err := d.objectStore.Put(hash, body); err != nil {
				d.log.Warn("chronotape: object store put failed", "dispatcher", d.id, "path", d.path, "error", err)
				encoding = cassette.EncodingBinary
				inline = body
			} else {
				encoding = cassette.EncodingExternalBinary
				externalRef = &hash
			}
		} else {
			encoding = cassette.EncodingBinary
			inline = body
		}
	}

	d.buildAndWrite(req, reqBodyBytes, status, respHeader, encoding, inline, externalRef, streamMeta, recordedAt)
}

func (d *Dispatcher) persistStream(req *http.Request, reqBodyBytes []byte, status int, respHeader http.Header, mediaType string, chunks []cassette.StreamChunk, recordedAt int64) {
	body := cassette.ConcatChunks(chunks)
	size := cassette.TotalSize(chunks)
	streamMeta := map[string]any{"size": float64(size), "type": mediaType}

	encoding := cassette.EncodingStream
	var inline []byte
	var externalRef *string

	if content.ShouldStoreExternally(content.KindStream, size, int(d.maxInlineSize)) {
		hash := cassette.ContentHash(body)
		objChunks := make([]objectstore.Chunk, len(chunks))
		for i, c := range chunks {
			objChunks[i] = objectstore.Chunk{TimestampUs: c.OffsetUs, Data: c.Data}
		}
		if err := d.objectStore.PutStream(hash, objChunks); err != nil {
			d.log.Warn("chronotape: object store put_stream failed", "dispatcher", d.id, "path", d.path, "error", err)
			inline = body
		} else {
			encoding = cassette.EncodingExternalStream
			externalRef = &hash
		}
	} else {
		inline = body
	}

	d.buildAndWrite(req, reqBodyBytes, status, respHeader, encoding, inline, externalRef, streamMeta, recordedAt)
}

func (d *Dispatcher) buildAndWrite(req *http.Request, reqBodyBytes []byte, status int, respHeader http.Header, encoding cassette.BodyEncoding, inline []byte, externalRef *string, streamMeta map[string]any, recordedAt int64) {
	reqHash := cassette.BodyHash(req.Method, reqBodyBytes)

	redactedURL := d.redactor.RedactURL(req.URL.String())
	reqHeaders := cassette.HeadersFromHTTP(d.redactor.RedactRequestHeaders(req.Header))

	cassReq, err := cassette.NewRequest(req.Method, redactedURL, reqHeaders, reqHash)
	if err != nil {
		d.log.Warn("chronotape: dropping invalid request entry", "dispatcher", d.id, "path", d.path, "error", err)
		return
	}

	respHeader = d.redactor.RedactResponseHeaders(respHeader)
	for name := range respHeader {
		if _, volatile := d.volatileHeaders[strings.ToLower(name)]; volatile {
			respHeader.Del(name)
		}
	}
	if len(inline) > 0 && !encoding.IsExternal() {
		inline = d.redactor.RedactBody(inline)
	}
	respHeaders := cassette.HeadersFromHTTP(respHeader)

	cassResp, err := cassette.NewResponse(status, respHeaders, encoding, inline, externalRef, streamMeta)
	if err != nil {
		d.log.Warn("chronotape: dropping invalid response entry", "dispatcher", d.id, "path", d.path, "error", err)
		return
	}

	entry, err := cassette.NewEntry(cassReq, cassResp, recordedAt)
	if err != nil {
		d.log.Warn("chronotape: dropping invalid entry", "dispatcher", d.id, "path", d.path, "error", err)
		return
	}

	line, err := cassette.EncodeEntry(entry)
	if err != nil {
		d.log.Warn("chronotape: failed to encode entry", "dispatcher", d.id, "path", d.path, "error", err)
		return
	}

	d.coordinator.Append(entry)
	d.writer.WriteEntry(d.path, recordedAt, line)
}

// replay reconstructs an *http.Response from a matched cassette entry.
func (d *Dispatcher) replay(req *http.Request, entry *cassette.Entry) (*http.Response, error) {
	resp := &http.Response{
		Status:     fmt.Sprintf("%d %s", entry.Response.Status, http.StatusText(entry.Response.Status)),
		StatusCode: entry.Response.Status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     entry.Response.Headers.ToHTTP(),
		Request:    req,
	}

	switch entry.Response.BodyEncoding {
	case cassette.EncodingText, cassette.EncodingBinary, cassette.EncodingStream:
		resp.Body = io.NopCloser(bytes.NewReader(entry.Response.BodyInline))
		return resp, nil

	case cassette.EncodingExternalBinary:
		data, err := d.objectStore.Get(*entry.Response.BodyExternalRef)
		if err != nil {
			return nil, &cherr.ObjectNotFound{Hash: *entry.Response.BodyExternalRef}
		}
		resp.Body = io.NopCloser(bytes.NewReader(data))
		return resp, nil

	case cassette.EncodingExternalStream:
		chunks, err := d.objectStore.GetStream(*entry.Response.BodyExternalRef)
		if err != nil {
			return nil, &cherr.ObjectNotFound{Hash: *entry.Response.BodyExternalRef}
		}
		streamChunks := make([]cassette.StreamChunk, len(chunks))
		for i, c := range chunks {
			streamChunks[i] = cassette.StreamChunk{OffsetUs: c.TimestampUs, Data: c.Data}
		}
		pr, pw := io.Pipe()
		go func() {
			_ = cassette.ReplayStream(pw, streamChunks, d.streamSpeed)
			pw.Close()
		}()
		resp.Body = pr
		return resp, nil

	default:
		resp.Body = io.NopCloser(bytes.NewReader(nil))
		return resp, nil
	}
}

func parseMediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return mt
}

