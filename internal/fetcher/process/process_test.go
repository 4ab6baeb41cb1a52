package process

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const page = `<!doctype html>
<html><head>
<title>  Gopher   Facts </title>
<meta name="Description" content="All about gophers">
<meta name="robots" content="NOINDEX, follow">
</head>
<body>
<h1>Gophers</h1>
<script>var x = "ignored";</script>
<p>Gophers dig <a href="/tunnels#deep">tunnels</a>.</p>
<a href="https://other.org/page">other</a>
<a href="mailto:someone@example.org">mail</a>
<a href="#top">top</a>
<a href="/private" rel="nofollow">private</a>
</body></html>`

func TestHTMLProcessor(t *testing.T) {
	t.Parallel()
	content, err := NewHTMLProcessor().Process("https://example.org/animals/", []byte(page))
	require.NoError(t, err)

	require.Equal(t, "Gopher Facts", content.Title)
	require.Equal(t, "All about gophers", content.Description)
	require.Equal(t, []string{"noindex", "follow"}, content.RobotMeta)
	require.True(t, content.NoIndex())
	require.False(t, content.NoFollow())
	require.Equal(t, []string{"https://example.org/tunnels", "https://other.org/page"}, content.Links)
	require.Contains(t, content.Text, "Gophers dig tunnels.")
	require.NotContains(t, content.Text, "ignored")
}

func TestHTMLProcessorBaseHref(t *testing.T) {
	t.Parallel()
	body := `<html><head><base href="https://cdn.example.org/docs/"></head><body><a href="intro">x</a></body></html>`
	content, err := NewHTMLProcessor().Process("https://example.org/", []byte(body))
	require.NoError(t, err)
	require.Equal(t, []string{"https://cdn.example.org/docs/intro"}, content.Links)
}

func TestTextProcessor(t *testing.T) {
	t.Parallel()
	content, err := TextProcessor{}.Process("https://example.org/a.txt", []byte("\n  First line\nsecond   line\n"))
	require.NoError(t, err)
	require.Equal(t, "First line", content.Title)
	require.Equal(t, "First line second line", content.Text)
	require.Empty(t, content.Links)
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()
	r := Default()

	p, ok := r.Lookup("text/html; charset=utf-8")
	require.True(t, ok)
	require.IsType(t, &HTMLProcessor{}, p)

	p, ok = r.Lookup("TEXT/PLAIN")
	require.True(t, ok)
	require.IsType(t, TextProcessor{}, p)

	_, ok = r.Lookup("image/png")
	require.False(t, ok)

	_, ok = r.Lookup("")
	require.True(t, ok, "missing content type defaults to html")
}

func TestRegistryExtract(t *testing.T) {
	t.Parallel()
	r := Default()
	content, ok := r.Extract("https://example.org/", "text/html", []byte(page))
	require.True(t, ok)
	require.Equal(t, "Gopher Facts", content.Title)

	_, ok = r.Extract("https://example.org/logo.png", "image/png", []byte{0x89, 'P', 'N', 'G'})
	require.False(t, ok)
}
