// Package matcher implements the matcher engine: an ordered,
// named-predicate scan over (live request, candidate entry) pairs with
// last-match-wins semantics, built from a registry of small named
// matchers a caller assembles per cassette.
package matcher

import (
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/chronotape/chronotape/pkg/cassette"
)

// Predicate reports whether req matches candidate entry.
type Predicate func(req *http.Request, reqBodyHash string, entry *cassette.Entry) bool

// Engine holds a registry of named predicates and the ordered list of
// names to apply for a given cassette.
type Engine struct {
	log        *slog.Logger
	authParams map[string]struct{}
	predicates map[string]Predicate
}

// New returns an Engine seeded with the built-in matchers: method, uri,
// host, path, headers, and body. authParams names the query parameters
// stripped by normalizeURL; it should match the Redactor's
// auth-parameter set.
func New(log *slog.Logger, authParams []string) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:        log,
		authParams: toLowerSet(authParams),
		predicates: make(map[string]Predicate),
	}
	e.Register("method", e.matchMethod)
	e.Register("uri", e.matchURI)
	e.Register("host", e.matchHost)
	e.Register("path", e.matchPath)
	e.Register("headers", e.matchHeaders)
	e.Register("body", e.matchBody)
	return e
}

// Register adds or replaces a named matcher. Registering under a
// built-in name overrides it.
func (e *Engine) Register(name string, p Predicate) {
	e.predicates[name] = p
}

// Match scans names in order and applies each registered predicate:
// every named predicate in the list must return true for entry to be
// considered a match, and an unknown name counts as a
// non-match (logged, never a panic). Passing an empty names list never
// matches anything — a cassette with no matchers configured should use
// DefaultNames.
func (e *Engine) Match(req *http.Request, reqBodyHash string, entry *cassette.Entry, names []string) bool {
	if len(names) == 0 {
		return false
	}
	matched := false
	for _, name := range names {
		p, ok := e.predicates[name]
		if !ok {
			e.log.Warn("chronotape: unknown matcher name, treating as non-match", "name", name)
			return false
		}
		matched = p(req, reqBodyHash, entry)
		if !matched {
			return false
		}
	}
	return matched
}

// FindMatch scans candidates in order and returns the last one names
// matches — last-match-wins across the candidate list itself, so a
// re-recorded entry appended later in the cassette takes precedence
// over an older one for the same request — or nil if none match.
func (e *Engine) FindMatch(req *http.Request, reqBodyHash string, candidates []*cassette.Entry, names []string) *cassette.Entry {
	var last *cassette.Entry
	for _, entry := range candidates {
		if e.Match(req, reqBodyHash, entry, names) {
			last = entry
		}
	}
	return last
}

// DefaultNames is the matcher list used when a cassette does not
// configure one explicitly.
var DefaultNames = []string{"method", "uri", "body"}

func (e *Engine) matchMethod(req *http.Request, _ string, entry *cassette.Entry) bool {
	return strings.EqualFold(req.Method, entry.Request.Method)
}

func (e *Engine) matchURI(req *http.Request, _ string, entry *cassette.Entry) bool {
	return e.normalizeURL(req.URL.String()) == e.normalizeURL(entry.Request.URL)
}

func (e *Engine) matchHost(req *http.Request, _ string, entry *cassette.Entry) bool {
	entryURL, err := url.Parse(entry.Request.URL)
	if err != nil {
		return false
	}
	return req.URL.Host == entryURL.Host
}

func (e *Engine) matchPath(req *http.Request, _ string, entry *cassette.Entry) bool {
	entryURL, err := url.Parse(entry.Request.URL)
	if err != nil {
		return false
	}
	return req.URL.Path == entryURL.Path
}

func (e *Engine) matchHeaders(req *http.Request, _ string, entry *cassette.Entry) bool {
	for name, want := range entry.Request.Headers {
		if req.Header.Get(name) != want {
			return false
		}
	}
	return true
}

func (e *Engine) matchBody(_ *http.Request, reqBodyHash string, entry *cassette.Entry) bool {
	return reqBodyHash == entry.Request.BodyHash
}

// NormalizeURL exports the normalization rule used by the uri matcher so
// callers (e.g. the naming resolver or redactor) can apply the same
// canonical form before fingerprinting a request.
func (e *Engine) NormalizeURL(raw string) string {
	return e.normalizeURL(raw)
}

func (e *Engine) normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	if port := u.Port(); port != "" && isDefaultPort(u.Scheme, port) {
		u.Host = u.Hostname()
	}

	q := u.Query()
	for name := range q {
		if _, redacted := e.authParams[strings.ToLower(name)]; redacted {
			q.Del(name)
		}
	}

	if len(q) == 0 {
		u.RawQuery = ""
	} else {
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		for i, k := range keys {
			values := q[k]
			sort.Strings(values)
			for j, v := range values {
				if i > 0 || j > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}

	return u.String()
}

// isDefaultPort reports whether port is the scheme's implicit default,
// so an explicit ":443" on https (or ":80" on http) normalizes equal to
// the same URL written without a port at all.
func isDefaultPort(scheme, port string) bool {
	switch strings.ToLower(scheme) {
	case "https":
		return port == "443"
	case "http":
		return port == "80"
	default:
		return false
	}
}

func toLowerSet(vals []string) map[string]struct{} {
	out := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		out[strings.ToLower(v)] = struct{}{}
	}
	return out
}
