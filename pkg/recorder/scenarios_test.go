package recorder_test

import (
	"bytes"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chronotape/chronotape/cherr"
	"github.com/chronotape/chronotape/pkg/cassette"
	"github.com/chronotape/chronotape/pkg/config"
	"github.com/chronotape/chronotape/pkg/recorder"
	"github.com/chronotape/chronotape/pkg/redact"
	"github.com/chronotape/chronotape/pkg/writer"
)

func writerWithLargeBatch(storage *cassette.Storage) *writer.Writer {
	return writer.New(storage, writer.WithBatchSize(100), writer.WithBatchTimeout(time.Hour))
}

// Concurrent POST/DELETE lifecycle: recorded_at ordering must hold across
// goroutines racing to record against the same cassette.
func TestScenario_ConcurrentPostDeleteLifecycle(t *testing.T) {
	h := newHarness(t)
	h.transport.resps = []*http.Response{
		textResp(200, "application/json", `{}`),
		textResp(200, "application/json", `{}`),
		textResp(200, "application/json", `{}`),
		textResp(200, "application/json", `{}`),
	}
	// A large batch size keeps all four entries pending until Cleanup's
	// atomic replace, which sorts the whole batch by
	// recorded_at: the invariant under test is "non-decreasing after a
	// flush", not "non-decreasing across however many concurrent partial
	// flushes happen to race".
	h.writer = writerWithLargeBatch(h.storage)
	d := h.newDispatcher(t, config.ModeAll)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(task int) {
			defer wg.Done()
			postReq, _ := http.NewRequest(http.MethodPost, "https://api.example.com/users", strings.NewReader("{}"))
			_, err := d.RoundTrip(postReq)
			require.NoError(t, err)

			time.Sleep(time.Duration(1+rand.Intn(10)) * time.Millisecond)

			delReq, _ := http.NewRequest(http.MethodDelete, "https://api.example.com/users/3", nil)
			_, err = d.RoundTrip(delReq)
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.NoError(t, d.Cleanup())

	entries, err := h.storage.ReadEntries(h.path)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	for i := 1; i < len(entries); i++ {
		require.LessOrEqual(t, entries[i-1].RecordedAt, entries[i].RecordedAt)
	}

	postCount, delCount := 0, 0
	for _, e := range entries {
		switch e.Request.Method {
		case http.MethodPost:
			postCount++
		case http.MethodDelete:
			delCount++
		}
	}
	require.Equal(t, 2, postCount)
	require.Equal(t, 2, delCount)
}

// A response body larger than max_inline_size routes to the object store
// instead of sitting inline in the entry.
func TestScenario_LargeBinaryExternalStorage(t *testing.T) {
	h := newHarness(t)
	payload := make([]byte, 2_000_000)
	copy(payload, []byte("REQORD_TEST_DATA"))
	for i := 16; i < len(payload); i++ {
		payload[i] = byte(i % 251)
	}
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"application/octet-stream"}},
		Body:       io.NopCloser(bytes.NewReader(payload)),
	}
	h.transport.resps = []*http.Response{resp}

	d := h.newDispatcher(t, config.ModeAll, recorder.WithMaxInlineSize(1000))
	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/blob", nil)
	got, err := d.RoundTrip(req)
	require.NoError(t, err)
	liveBody, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	require.Equal(t, payload, liveBody)

	require.NoError(t, d.Cleanup())

	entries, err := h.storage.ReadEntries(h.path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, cassette.EncodingExternalBinary, e.Response.BodyEncoding)
	require.NotNil(t, e.Response.BodyExternalRef)
	require.NotEmpty(t, *e.Response.BodyExternalRef)
	require.Empty(t, e.Response.BodyInline)

	stored, err := h.store.Get(*e.Response.BodyExternalRef)
	require.NoError(t, err)
	require.Equal(t, payload, stored)
}

// A text/event-stream response is classified as a stream and captured
// chunk by chunk while still passing through to the live caller untouched.
func TestScenario_SSEClassification(t *testing.T) {
	h := newHarness(t)
	body := "data: {\"event\": \"start\"}\n\ndata: {\"event\": \"end\"}\n\n"
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"text/event-stream"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
	h.transport.resps = []*http.Response{resp}

	d := h.newDispatcher(t, config.ModeAll)
	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/events", nil)
	got, err := d.RoundTrip(req)
	require.NoError(t, err)

	liveBody, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	require.NoError(t, got.Body.Close())
	require.Equal(t, body, string(liveBody))

	require.Eventually(t, func() bool {
		entries, err := h.storage.ReadEntries(h.path)
		return err == nil && len(entries) == 1
	}, time.Second, 5*time.Millisecond, "stream persistence finalizes once the caller closes the body")

	require.NoError(t, d.Cleanup())
	entries, err := h.storage.ReadEntries(h.path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, cassette.EncodingStream, entries[0].Response.BodyEncoding)
	require.Equal(t, "text/event-stream", entries[0].Response.StreamMetadata["type"])
	require.Equal(t, body, string(entries[0].Response.BodyInline))
}

// When two entries for the same request exist, replay returns the one
// that appears later in the cassette.
func TestScenario_LastMatchWinsReRecord(t *testing.T) {
	h := newHarness(t)
	req, err := cassette.NewRequest(http.MethodGet, "https://api/x", nil, cassette.NoBodyHash)
	require.NoError(t, err)

	oldResp, err := cassette.NewResponse(400, nil, cassette.EncodingText, []byte("old"), nil, nil)
	require.NoError(t, err)
	oldEntry, err := cassette.NewEntry(req, oldResp, 1000)
	require.NoError(t, err)

	newResp, err := cassette.NewResponse(201, nil, cassette.EncodingText, []byte("new"), nil, nil)
	require.NoError(t, err)
	newEntry, err := cassette.NewEntry(req, newResp, 2000)
	require.NoError(t, err)

	d := h.newDispatcher(t, config.ModeOnce)
	h.coordinator.Seed([]*cassette.Entry{oldEntry, newEntry})

	liveReq, _ := http.NewRequest(http.MethodGet, "https://api/x", nil)
	got, err := d.RoundTrip(liveReq)
	require.NoError(t, err)
	require.Equal(t, 201, got.StatusCode)
	body, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	require.Equal(t, "new", string(body))
}

// Auth query parameters, auth headers, and sensitive JSON body fields are
// redacted in what gets persisted, without touching the live response.
func TestScenario_RedactionRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.redactor = redact.New([]string{"token"}, []string{"authorization"})
	h.transport.resps = []*http.Response{textResp(200, "application/json", `{"api_key":"K","name":"n"}`)}

	d := h.newDispatcher(t, config.ModeAll)
	req, _ := http.NewRequest(http.MethodGet, "https://api/x?token=SECRET&u=1", nil)
	req.Header.Set("Authorization", "Bearer abc")

	_, err := d.RoundTrip(req)
	require.NoError(t, err)
	require.NoError(t, d.Cleanup())

	entries, err := h.storage.ReadEntries(h.path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]

	require.Contains(t, e.Request.URL, "token=%3CREDACTED%3E")
	require.Contains(t, e.Request.URL, "u=1")
	require.Equal(t, "<REDACTED>", e.Request.Headers["authorization"])
	require.Contains(t, string(e.Response.BodyInline), `"api_key":"<REDACTED>"`)
	require.Contains(t, string(e.Response.BodyInline), `"name":"n"`)
}

// A request with no matching entry in `none` mode fails outright and
// writes nothing to disk.
func TestScenario_CassetteMissInNoneMode(t *testing.T) {
	h := newHarness(t)
	d := h.newDispatcher(t, config.ModeNone)

	req, _ := http.NewRequest(http.MethodGet, "https://api/anything", nil)
	_, err := d.RoundTrip(req)
	require.Error(t, err)

	var missErr *cherr.CassetteMissError
	require.ErrorAs(t, err, &missErr)
	require.Equal(t, http.MethodGet, missErr.Method)
	require.Equal(t, "https://api/anything", missErr.URL)
	require.Equal(t, cassette.NoBodyHash, missErr.BodyHash)
	require.Equal(t, h.path, missErr.CassettePath)

	require.NoError(t, d.Cleanup())
	require.False(t, h.storage.Exists(h.path), "a pure-miss none-mode frame writes nothing")
}

