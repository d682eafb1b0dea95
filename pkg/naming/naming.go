// Package naming resolves a test context to a cassette path through a
// five-level priority chain: an explicit path, a named builder, a global
// builder, a name tag, and finally a default convention derived from the
// test and module identifiers.
package naming

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Context is the test frame information a builder function can draw on.
type Context struct {
	TestID     string
	ModuleID   string
	Tags       map[string]string
	MacroTimes map[string]string
}

// Builder computes a relative cassette path (no extension) from ctx.
type Builder func(ctx Context) string

// Resolver implements the five-level cassette path priority chain.
type Resolver struct {
	cassetteDir   string
	cassetteExt   string
	namedBuilders map[string]Builder
	globalBuilder Builder
}

// New returns a Resolver rooted at cassetteDir, appending cassetteExt
// (e.g. ".jsonl") to every resolved path.
func New(cassetteDir, cassetteExt string) *Resolver {
	return &Resolver{
		cassetteDir:   cassetteDir,
		cassetteExt:   cassetteExt,
		namedBuilders: make(map[string]Builder),
	}
}

// RegisterBuilder adds a named builder, selectable per-frame via ctx.Tags["builder"].
func (r *Resolver) RegisterBuilder(name string, b Builder) {
	r.namedBuilders[name] = b
}

// SetGlobalBuilder installs the fallback builder used when no explicit
// path, named builder, or per-test name tag applies.
func (r *Resolver) SetGlobalBuilder(b Builder) {
	r.globalBuilder = b
}

// Resolve computes the full cassette path for ctx, applying levels in
// priority order (first hit wins):
//  1. ctx.Tags["path"] — explicit per-test path tag.
//  2. ctx.Tags["builder"] — named builder selected at frame construction.
//  3. the resolver's global builder, if configured.
//  4. ctx.Tags["name"] — simple per-test name tag.
//  5. default: <StrippedModuleSuffix>/<normalized_test_name>.
func (r *Resolver) Resolve(ctx Context) string {
	var rel string
	switch {
	case ctx.Tags["path"] != "":
		rel = ctx.Tags["path"]
	case ctx.Tags["builder"] != "":
		if b, ok := r.namedBuilders[ctx.Tags["builder"]]; ok {
			rel = b(ctx)
		}
	}
	if rel == "" && r.globalBuilder != nil {
		rel = r.globalBuilder(ctx)
	}
	if rel == "" && ctx.Tags["name"] != "" {
		rel = ctx.Tags["name"]
	}
	if rel == "" {
		rel = filepath.Join(stripModuleSuffix(ctx.ModuleID), normalizeTestName(ctx.TestID))
	}
	return filepath.Join(r.cassetteDir, rel+r.cassetteExt)
}

// stripModuleSuffix drops a trailing "_test" from a Go-style package or
// file identifier, matching the way *_test.go files name their subject.
func stripModuleSuffix(moduleID string) string {
	return strings.TrimSuffix(moduleID, "_test")
}

var nonWordRun = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// normalizeTestName lowercases a test identifier and collapses runs of
// non-alphanumeric characters (spaces, slashes from subtests) into a
// single underscore, producing a filesystem-safe default cassette name.
func normalizeTestName(testID string) string {
	lowered := strings.ToLower(testID)
	collapsed := nonWordRun.ReplaceAllString(lowered, "_")
	return strings.Trim(collapsed, "_")
}
