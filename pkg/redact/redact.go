// Package redact implements a four-layer redaction pipeline: URL query
// parameters, headers, response bodies shaped as JSON mappings, and a
// pattern scrub over raw text. User-defined filters and per-test
// overrides run before the built-in layers.
package redact

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Placeholder is the literal string substituted for every redacted value.
const Placeholder = "<REDACTED>"

// Filter is a user-registered (placeholder, value) pair. Any occurrence
// of Value in a URL, header, or body text is replaced with Placeholder
// before the built-in layers run.
type Filter struct {
	Placeholder string
	Value       string
}

// Overrides lets a single test replace any stage of redaction. A nil
// field means "use the built-in behavior for this stage". A set field runs
// in place of its stage: the built-in redaction of that stage is not
// applied to its result, and except for ResponseJSON (which receives the
// decoded JSON value after user filters have run) neither are the user
// filters.
type Overrides struct {
	URL             func(string) string
	RequestHeaders  func(http.Header) http.Header
	ResponseHeaders func(http.Header) http.Header
	ResponseJSON    func(any) any
	RawBody         func([]byte) []byte
}

// Redactor applies the redaction pipeline configured with a set of
// auth parameter names, auth header names, and optional user filters.
type Redactor struct {
	AuthParams  map[string]struct{}
	AuthHeaders map[string]struct{}
	Filters     []Filter
	Overrides   Overrides
}

// New builds a Redactor from lowercase-insensitive sets of auth parameter
// and header names.
func New(authParams, authHeaders []string, filters ...Filter) *Redactor {
	r := &Redactor{
		AuthParams:  toSet(authParams),
		AuthHeaders: toSet(authHeaders),
		Filters:     filters,
	}
	return r
}

// WithOverrides installs a per-test Overrides set, replacing any stage it
// defines while leaving the rest of the pipeline at its built-in
// behavior.
func (r *Redactor) WithOverrides(o Overrides) *Redactor {
	r.Overrides = o
	return r
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = struct{}{}
	}
	return set
}

// patternScrubbers are applied, in order, over raw response-body text as
// the final redaction layer, catching secret shapes that slip past the
// structured JSON-body pass (e.g. a token embedded in a plain-text body).
var patternScrubbers = []*regexp.Regexp{
	regexp.MustCompile(`Bearer [A-Za-z0-9._~+/=-]+`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{40}`),
	regexp.MustCompile(`sk_[A-Za-z0-9]+`),
	regexp.MustCompile(`pk_[A-Za-z0-9]+`),
	regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}`),
	regexp.MustCompile(`[A-Za-z0-9]{32,}`),
}

var sensitiveKeyWords = []string{"token", "key", "secret", "password"}

// RedactURL implements layer 1: any query parameter whose lowercased name
// is in AuthParams is replaced with Placeholder, URL-encoded on output.
// An Overrides.URL function, if set, replaces this stage entirely.
func (r *Redactor) RedactURL(rawURL string) string {
	if r.Overrides.URL != nil {
		return r.Overrides.URL(rawURL)
	}

	rawURL = r.applyFilters(rawURL)

	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	q := u.Query()
	changed := false
	for key, values := range q {
		if _, ok := r.AuthParams[strings.ToLower(key)]; ok {
			for i := range values {
				values[i] = Placeholder
			}
			q[key] = values
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// RedactHeaders implements layer 2: any header whose name is in
// AuthHeaders has its value replaced with Placeholder.
func (r *Redactor) RedactHeaders(h http.Header) http.Header {
	out := h.Clone()
	for name := range out {
		if _, ok := r.AuthHeaders[strings.ToLower(name)]; ok {
			out[name] = []string{Placeholder}
		}
	}
	for i, vv := range out {
		for j, v := range vv {
			out[i][j] = r.applyFilters(v)
		}
	}
	return out
}

// RedactRequestHeaders applies Overrides.RequestHeaders, if set, in place
// of the built-in header redaction for the request side of an entry.
func (r *Redactor) RedactRequestHeaders(h http.Header) http.Header {
	if r.Overrides.RequestHeaders != nil {
		return r.Overrides.RequestHeaders(h)
	}
	return r.RedactHeaders(h)
}

// RedactResponseHeaders applies Overrides.ResponseHeaders, if set, in
// place of the built-in header redaction for the response side of an
// entry.
func (r *Redactor) RedactResponseHeaders(h http.Header) http.Header {
	if r.Overrides.ResponseHeaders != nil {
		return r.Overrides.ResponseHeaders(h)
	}
	return r.RedactHeaders(h)
}

// RedactBody implements layers 3 and 4: if body parses as JSON,
// recursively redact sensitive keys; otherwise scrub the raw text against
// the pattern set. A body that parses as JSON is not pattern-scrubbed. An
// Overrides.RawBody function, if set, replaces this stage entirely;
// Overrides.ResponseJSON, if set, replaces only the JSON-shaped branch.
func (r *Redactor) RedactBody(body []byte) []byte {
	if r.Overrides.RawBody != nil {
		return r.Overrides.RawBody(body)
	}

	scrubbed := []byte(r.applyFilters(string(body)))

	var decoded any
	if err := json.Unmarshal(scrubbed, &decoded); err != nil {
		return r.scrubPatterns(scrubbed)
	}

	var redacted any
	if r.Overrides.ResponseJSON != nil {
		redacted = r.Overrides.ResponseJSON(decoded)
	} else {
		redacted = r.redactJSONValue(decoded, "")
	}
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(redacted); err != nil {
		return r.scrubPatterns(scrubbed)
	}
	return bytes.TrimSuffix(out.Bytes(), []byte("\n"))
}

func (r *Redactor) redactJSONValue(v any, key string) any {
	lowerKey := strings.ToLower(key)
	if key != "" {
		if _, ok := r.AuthParams[lowerKey]; ok {
			return Placeholder
		}
		for _, word := range sensitiveKeyWords {
			if strings.Contains(lowerKey, word) {
				return Placeholder
			}
		}
	}

	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = r.redactJSONValue(val[k], k)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redactJSONValue(item, "")
		}
		return out
	default:
		return v
	}
}

func (r *Redactor) scrubPatterns(body []byte) []byte {
	text := string(body)
	for _, re := range patternScrubbers {
		text = re.ReplaceAllString(text, Placeholder)
	}
	return []byte(text)
}

func (r *Redactor) applyFilters(s string) string {
	for _, f := range r.Filters {
		if f.Value == "" {
			continue
		}
		s = strings.ReplaceAll(s, f.Value, f.Placeholder)
	}
	return s
}
