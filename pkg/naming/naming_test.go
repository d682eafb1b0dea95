package naming_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronotape/chronotape/pkg/naming"
)

func TestResolve_ExplicitPathTagWins(t *testing.T) {
	r := naming.New("fixtures", ".jsonl")
	r.SetGlobalBuilder(func(naming.Context) string { return "from-global" })

	got := r.Resolve(naming.Context{Tags: map[string]string{"path": "custom/path", "name": "ignored"}})
	require.Equal(t, "fixtures/custom/path.jsonl", got)
}

func TestResolve_NamedBuilderBeatsGlobalAndNameTag(t *testing.T) {
	r := naming.New("fixtures", ".jsonl")
	r.RegisterBuilder("by-suite", func(ctx naming.Context) string { return "suite/" + ctx.TestID })
	r.SetGlobalBuilder(func(naming.Context) string { return "from-global" })

	got := r.Resolve(naming.Context{TestID: "Foo", Tags: map[string]string{"builder": "by-suite", "name": "ignored"}})
	require.Equal(t, "fixtures/suite/Foo.jsonl", got)
}

func TestResolve_GlobalBuilderBeatsNameTag(t *testing.T) {
	r := naming.New("fixtures", ".jsonl")
	r.SetGlobalBuilder(func(naming.Context) string { return "global/path" })

	got := r.Resolve(naming.Context{Tags: map[string]string{"name": "ignored"}})
	require.Equal(t, "fixtures/global/path.jsonl", got)
}

func TestResolve_NameTagBeatsDefault(t *testing.T) {
	r := naming.New("fixtures", ".jsonl")
	got := r.Resolve(naming.Context{TestID: "TestX", ModuleID: "pkg_test", Tags: map[string]string{"name": "my-cassette"}})
	require.Equal(t, "fixtures/my-cassette.jsonl", got)
}

func TestResolve_DefaultStripsModuleSuffixAndNormalizesTestName(t *testing.T) {
	r := naming.New("fixtures", ".jsonl")
	got := r.Resolve(naming.Context{TestID: "TestFoo/Bar Baz", ModuleID: "widget_test"})
	require.Equal(t, "fixtures/widget/testfoo_bar_baz.jsonl", got)
}

func TestResolve_UnknownBuilderNameFallsThroughChain(t *testing.T) {
	r := naming.New("fixtures", ".jsonl")
	got := r.Resolve(naming.Context{Tags: map[string]string{"builder": "nonexistent", "name": "fallback"}})
	require.Equal(t, "fixtures/fallback.jsonl", got)
}
