package recorder

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/chronotape/chronotape/pkg/content"
)

// HTTPMiddleware wraps an inbound http.Handler so every request the
// server answers is persisted through d the same way an outbound
// RoundTrip would be: recorded_at is captured before next.ServeHTTP
// runs, not after, and the response is redacted and written via the
// same persistence path as a recorded client call. Every mode records
// every request here, since a server under test has no "replay" side of
// its own — replay is for the dispatcher's outbound RoundTrip instead.
func (d *Dispatcher) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.activate()

		reqBody := &bytes.Buffer{}
		if r.Body != nil {
			r.Body = io.NopCloser(io.TeeReader(r.Body, reqBody))
		}

		ww := newPassthrough(w)
		recordedAt := time.Now().UnixMicro()
		next.ServeHTTP(ww, r)

		r.Body = io.NopCloser(reqBody)
		reqBodyBytes := reqBody.Bytes()

		// Requests reaching a server handler carry no scheme/host of
		// their own; give them one so the cassette entry's URL round
		// trips through NewRequest/url.Parse the same as a client URL.
		if r.URL.Host == "" {
			r.URL.Host = "chronotape.local"
		}
		if r.URL.Scheme == "" {
			r.URL.Scheme = "http"
		}

		result := ww.recorder.Result()
		defer result.Body.Close()
		bodyBytes, err := io.ReadAll(result.Body)
		if err != nil {
			d.log.Warn("chronotape: failed to read middleware response body", "dispatcher", d.id, "error", err)
			return
		}

		// Handlers set headers on the real writer (see passthroughWriter.Header),
		// so the recorded headers come from there, not from the recorder.
		respHeader := w.Header().Clone()
		mediaType := parseMediaType(respHeader.Get("Content-Type"))
		kind := content.Classify(mediaType, bodyBytes)
		d.persist(r, reqBodyBytes, result.StatusCode, respHeader, kind, bodyBytes, nil, recordedAt)
	})
}

var _ http.ResponseWriter = &passthroughWriter{}

// passthroughWriter forwards every write to the real ResponseWriter while
// also capturing it in an httptest.ResponseRecorder, so the middleware
// can inspect the finished response after next.ServeHTTP returns without
// delaying or altering what the caller receives.
type passthroughWriter struct {
	recorder *httptest.ResponseRecorder
	real     http.ResponseWriter
}

func newPassthrough(real http.ResponseWriter) passthroughWriter {
	return passthroughWriter{recorder: httptest.NewRecorder(), real: real}
}

func (p passthroughWriter) Header() http.Header {
	return p.real.Header()
}

func (p passthroughWriter) Write(in []byte) (int, error) {
	_, _ = p.recorder.Write(in)
	return p.real.Write(in)
}

func (p passthroughWriter) WriteHeader(statusCode int) {
	p.recorder.WriteHeader(statusCode)
	p.real.WriteHeader(statusCode)
}

