package redact_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronotape/chronotape/pkg/redact"
)

func newRedactor() *redact.Redactor {
	return redact.New(
		[]string{"token", "api_key"},
		[]string{"authorization"},
	)
}

func TestRedactURL(t *testing.T) {
	r := newRedactor()
	got := r.RedactURL("https://api/x?token=SECRET&u=1")
	require.Contains(t, got, "token=%3CREDACTED%3E")
	require.Contains(t, got, "u=1")
}

func TestRedactURL_IdentityWhenNoSecrets(t *testing.T) {
	r := newRedactor()
	in := "https://api/x?u=1&v=2"
	require.Equal(t, in, r.RedactURL(in))
}

func TestRedactURL_Idempotent(t *testing.T) {
	r := newRedactor()
	once := r.RedactURL("https://api/x?token=SECRET&u=1")
	twice := r.RedactURL(once)
	require.Equal(t, once, twice)
}

func TestRedactHeaders(t *testing.T) {
	r := newRedactor()
	h := http.Header{"Authorization": {"Bearer abc"}, "Content-Type": {"application/json"}}
	out := r.RedactHeaders(h)
	require.Equal(t, redact.Placeholder, out.Get("Authorization"))
	require.Equal(t, "application/json", out.Get("Content-Type"))
}

func TestRedactBody_JSONShape(t *testing.T) {
	r := newRedactor()
	in := []byte(`{"api_key":"K","name":"n"}`)
	out := r.RedactBody(in)
	require.Contains(t, string(out), `"api_key":"<REDACTED>"`)
	require.Contains(t, string(out), `"name":"n"`)
}

func TestRedactBody_NestedKeywordMatch(t *testing.T) {
	r := newRedactor()
	in := []byte(`{"user":{"password":"hunter2","name":"ann"}}`)
	out := r.RedactBody(in)
	require.Contains(t, string(out), `"password":"<REDACTED>"`)
	require.Contains(t, string(out), `"name":"ann"`)
}

func TestRedactBody_PatternScrubOnNonJSON(t *testing.T) {
	r := newRedactor()
	in := []byte("Authorization: Bearer abcdef123456")
	out := r.RedactBody(in)
	require.Contains(t, string(out), redact.Placeholder)
	require.NotContains(t, string(out), "abcdef123456")
}

func TestRedactBody_IdentityWhenNoSecrets(t *testing.T) {
	r := newRedactor()
	in := []byte(`{"name":"n","count":3}`)
	require.JSONEq(t, string(in), string(r.RedactBody(in)))
}

func TestOverrides_URLReplacesBuiltinStage(t *testing.T) {
	r := newRedactor()
	r.WithOverrides(redact.Overrides{URL: func(string) string { return "https://overridden" }})
	require.Equal(t, "https://overridden", r.RedactURL("https://api/x?token=SECRET"))
}

func TestOverrides_RequestVsResponseHeadersAreIndependent(t *testing.T) {
	r := newRedactor()
	r.WithOverrides(redact.Overrides{
		RequestHeaders: func(http.Header) http.Header { return http.Header{"X-Req": {"overridden"}} },
	})
	h := http.Header{"Authorization": {"Bearer abc"}}

	require.Equal(t, "overridden", r.RedactRequestHeaders(h).Get("X-Req"))
	require.Equal(t, redact.Placeholder, r.RedactResponseHeaders(h).Get("Authorization"))
}

func TestOverrides_RawBodyReplacesBuiltinStage(t *testing.T) {
	r := newRedactor()
	r.WithOverrides(redact.Overrides{RawBody: func([]byte) []byte { return []byte("overridden") }})
	require.Equal(t, "overridden", string(r.RedactBody([]byte(`{"api_key":"K"}`))))
}

func TestUserFilters_RunBeforeBuiltins(t *testing.T) {
	r := redact.New(nil, nil, redact.Filter{Placeholder: "<CUSTOM>", Value: "super-secret-value"})
	out := r.RedactBody([]byte(`{"note":"super-secret-value"}`))
	require.Contains(t, string(out), "<CUSTOM>")
	require.NotContains(t, string(out), "super-secret-value")
}
