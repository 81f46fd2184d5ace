package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

const samplePage = `<!doctype html>
<html>
<head>
  <title> Sample Shop </title>
  <meta name="description" content="Shop things">
  <meta property="og:title" content="OG Sample">
  <meta charset="utf-8">
  <link rel="stylesheet" href="/css/site.css">
  <link rel="icon" href="/favicon.ico">
  <link rel="preload" as="font" href="/fonts/brand.woff2">
  <script src="/js/head.js"></script>
  <style>body { color: red; }</style>
</head>
<body>
  <h1>Welcome</h1>
  <h2>Deals</h2>
  <h2>News</h2>
  <p>Hello   world</p>
  <script>var hidden = "not text";</script>
  <ul><li>one</li><li>two</li></ul>
  <table>
    <tr><th>Item</th><th>Price</th></tr>
    <tr><td>Tea</td><td>3</td></tr>
  </table>
  <a href="/about">About</a>
  <a href="https://www.example.com/contact#form">Contact</a>
  <a href="/about">About again</a>
  <a href="https://other.org/x">Other</a>
  <a href="mailto:me@example.com">Mail</a>
  <a href="#top">Top</a>
  <a href="javascript:void(0)">JS</a>
  <img src="img/hero.png" alt="Hero" width="640" height="480">
  <img data-src="/img/lazy.jpg" alt="Lazy">
  <img src="img/hero.png" alt="Duplicate">
  <img src="data:image/png;base64,AAAA">
  <video src="/media/clip.mp4"></video>
  <script src="https://cdn.example.net/app.js"></script>
</body>
</html>`

func TestExtractFullPage(t *testing.T) {
	t.Parallel()

	out := New(zap.NewNop()).Extract([]byte(samplePage), "https://example.com/shop/", true)

	require.Contains(t, out.Text, "Welcome")
	require.Contains(t, out.Text, "Hello   world")
	require.NotContains(t, out.Text, "not text")
	require.NotContains(t, out.Text, "color: red")
	for _, line := range splitLines(out.Text) {
		require.NotEmpty(t, line)
	}

	require.Equal(t, []string{"Welcome"}, out.Structured.Headings["h1"])
	require.Equal(t, []string{"Deals", "News"}, out.Structured.Headings["h2"])
	require.Len(t, out.Structured.Headings, 6)
	require.NotNil(t, out.Structured.Headings["h6"])
	require.Equal(t, []string{"onetwo"}, out.Structured.Lists)
	require.Equal(t, [][][]string{{{"Item", "Price"}, {"Tea", "3"}}}, out.Structured.Tables)

	require.Equal(t, "Sample Shop", out.Metadata["title"])
	require.Equal(t, "Shop things", out.Metadata["description"])
	require.Equal(t, "OG Sample", out.Metadata["og:title"])
	require.NotContains(t, out.Metadata, "charset")

	require.Equal(t, []string{
		"https://example.com/about",
		"https://www.example.com/contact",
	}, out.Links.Internal)
	require.Equal(t, []string{"https://other.org/x"}, out.Links.External)

	byURL := map[string]harvest.AssetRef{}
	for _, a := range out.Assets {
		byURL[a.URL] = a
	}
	require.Len(t, out.Assets, 8)
	require.Equal(t, "https://example.com/shop/img/hero.png", out.Assets[0].URL)

	hero := byURL["https://example.com/shop/img/hero.png"]
	require.Equal(t, harvest.AssetImage, hero.Type)
	require.Equal(t, "Hero", hero.Alt)
	require.Equal(t, 640, hero.Width)
	require.Equal(t, 480, hero.Height)
	require.False(t, hero.Lazy)

	require.True(t, byURL["https://example.com/img/lazy.jpg"].Lazy)
	require.Equal(t, harvest.AssetCSS, byURL["https://example.com/css/site.css"].Type)
	require.True(t, byURL["https://example.com/css/site.css"].Critical)
	require.Equal(t, harvest.AssetImage, byURL["https://example.com/favicon.ico"].Type)
	require.Equal(t, harvest.AssetFont, byURL["https://example.com/fonts/brand.woff2"].Type)
	require.True(t, byURL["https://example.com/js/head.js"].Critical)
	require.False(t, byURL["https://cdn.example.net/app.js"].Critical)
	require.Equal(t, harvest.AssetVideo, byURL["https://example.com/media/clip.mp4"].Type)
}

func TestExtractWithoutMedia(t *testing.T) {
	t.Parallel()

	out := New(nil).Extract([]byte(samplePage), "https://example.com/", false)
	require.NotNil(t, out.Assets)
	require.Empty(t, out.Assets)
	require.NotEmpty(t, out.Links.Internal)
}

func TestExtractMalformedHTML(t *testing.T) {
	t.Parallel()

	out := New(nil).Extract([]byte("<div><p>unclosed <b>bold<table><tr><td>x"), "https://example.com", true)
	require.Contains(t, out.Text, "unclosed")
	require.NotNil(t, out.Links.Internal)
	require.NotNil(t, out.Links.External)
	require.NotNil(t, out.Metadata)
	require.Len(t, out.Structured.Headings, 6)
}

func TestExtractEmptyInput(t *testing.T) {
	t.Parallel()

	out := New(nil).Extract(nil, "::bad url", true)
	require.Empty(t, out.Text)
	require.NotNil(t, out.Assets)
	require.NotNil(t, out.Structured.Tables)
}

func TestSameSiteComparesRegistrableDomain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want bool
	}{
		{"www.Example.com", "example.com", true},
		{"shop.example.com", "example.com", true},
		{"blog.example.co.uk", "www.example.co.uk", true},
		{"example.co.uk", "other.co.uk", false},
		{"example.com", "example.org", false},
		{"alice.github.io", "bob.github.io", false},
		{"127.0.0.1", "127.0.0.1", true},
		{"127.0.0.1", "127.0.0.2", false},
		{"localhost", "localhost", true},
		{"localhost", "example.com", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, sameSite(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func TestExtractSubdomainLinksAreInternal(t *testing.T) {
	t.Parallel()

	page := `<a href="https://blog.example.com/post">Blog</a>
<a href="https://other.org/">Other</a>
<a href="/local">Local</a>`
	out := New(nil).Extract([]byte(page), "https://example.com/", false)
	require.ElementsMatch(t, []string{"https://blog.example.com/post", "https://example.com/local"}, out.Links.Internal)
	require.Equal(t, []string{"https://other.org/"}, out.Links.External)
}

func TestExtractTextStripsOnlyScriptStyleMetaLink(t *testing.T) {
	t.Parallel()

	page := `<html><head><style>p{}</style></head><body>
<noscript>Enable JavaScript</noscript>
<script>var x = "hidden";</script>
<p>Visible</p></body></html>`
	out := New(nil).Extract([]byte(page), "https://example.com/", false)
	require.Contains(t, out.Text, "Enable JavaScript")
	require.Contains(t, out.Text, "Visible")
	require.NotContains(t, out.Text, "hidden")
	require.NotContains(t, out.Text, "p{}")
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}
