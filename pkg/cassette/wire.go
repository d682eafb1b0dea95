package cassette

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/chronotape/chronotape/cherr"
)

// wireEntry is the exact JSON shape a cassette line takes on disk. It
// exists separately from Entry/Request/Response so that the in-memory
// model is free to evolve without the wire format doing the same, and
// so that recorded_at being required is enforced explicitly instead of
// falling out of Go's zero-value JSON defaults.
//
// Resp is kept as raw JSON rather than a plain struct so that fields
// beyond the ones this version knows about (written by a newer
// chronotape, or added to a fixture by hand) survive a decode/encode
// round trip instead of being silently dropped.
type wireEntry struct {
	Req struct {
		Method   string  `json:"method"`
		URL      string  `json:"url"`
		Headers  Headers `json:"headers"`
		BodyHash string  `json:"body_hash"`
	} `json:"req"`
	Resp       json.RawMessage `json:"resp"`
	RecordedAt *int64          `json:"recorded_at"`
}

// wireResponse is the subset of a resp object this version of chronotape
// understands. Any other key present in the object is preserved via
// Response.Extra instead of being parsed here.
type wireResponse struct {
	Status          int             `json:"status"`
	Headers         Headers         `json:"headers"`
	BodyB64         string          `json:"body_b64"`
	BodyEncoding    BodyEncoding    `json:"body_encoding"`
	BodyExternalRef *string         `json:"body_external_ref"`
	StreamMetadata  *map[string]any `json:"stream_metadata"`
}

var knownRespKeys = map[string]struct{}{
	"status":            {},
	"headers":           {},
	"body_b64":          {},
	"body_encoding":     {},
	"body_external_ref": {},
	"stream_metadata":   {},
}

// EncodeEntry renders e as one line of the cassette's JSON Lines format.
// The returned slice has no trailing newline.
func EncodeEntry(e *Entry) ([]byte, error) {
	var w wireEntry
	w.Req.Method = e.Request.Method
	w.Req.URL = e.Request.URL
	w.Req.Headers = e.Request.Headers
	w.Req.BodyHash = e.Request.BodyHash

	var resp wireResponse
	resp.Status = e.Response.Status
	resp.Headers = e.Response.Headers
	resp.BodyB64 = base64.StdEncoding.EncodeToString(e.Response.BodyInline)
	resp.BodyEncoding = e.Response.BodyEncoding
	resp.BodyExternalRef = e.Response.BodyExternalRef
	if e.Response.StreamMetadata != nil {
		resp.StreamMetadata = &e.Response.StreamMetadata
	}

	respFields, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("chronotape: encode entry: %w", err)
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(respFields, &merged); err != nil {
		return nil, fmt.Errorf("chronotape: encode entry: %w", err)
	}
	for k, v := range e.Response.Extra {
		merged[k] = v
	}
	respJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("chronotape: encode entry: %w", err)
	}
	w.Resp = respJSON

	recordedAt := e.RecordedAt
	w.RecordedAt = &recordedAt

	return json.Marshal(w)
}

// DecodeEntry parses one cassette line into an Entry, validating it the
// same way NewEntry/NewRequest/NewResponse would. An absent recorded_at
// fails decode outright; there is no legacy fallback.
func DecodeEntry(line []byte) (*Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("chronotape: decode entry: %w", err)
	}

	if w.RecordedAt == nil {
		return nil, &cherr.CassetteEntryInvalid{Reason: "missing recorded_at"}
	}

	var resp wireResponse
	if err := json.Unmarshal(w.Resp, &resp); err != nil {
		return nil, fmt.Errorf("chronotape: decode entry: %w", err)
	}

	var rawResp map[string]json.RawMessage
	if err := json.Unmarshal(w.Resp, &rawResp); err != nil {
		return nil, fmt.Errorf("chronotape: decode entry: %w", err)
	}
	for k := range knownRespKeys {
		delete(rawResp, k)
	}
	var extra map[string]json.RawMessage
	if len(rawResp) > 0 {
		extra = rawResp
	}

	var inline []byte
	if resp.BodyB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(resp.BodyB64)
		if err != nil {
			return nil, &cherr.CassetteEntryInvalid{Reason: fmt.Sprintf("malformed body_b64: %v", err)}
		}
		inline = decoded
	}

	req, err := NewRequest(w.Req.Method, w.Req.URL, w.Req.Headers, w.Req.BodyHash)
	if err != nil {
		return nil, err
	}

	var streamMeta map[string]any
	if resp.StreamMetadata != nil {
		streamMeta = *resp.StreamMetadata
	}

	respModel, err := NewResponse(resp.Status, resp.Headers, resp.BodyEncoding, inline, resp.BodyExternalRef, streamMeta)
	if err != nil {
		return nil, err
	}
	respModel.Extra = extra

	return NewEntry(req, respModel, *w.RecordedAt)
}
