// Package extract turns rendered HTML into text, structured data, metadata,
// links and asset references.
package extract

import (
	"bytes"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

// nonTextSelectors are stripped before collecting visible text.
const nonTextSelectors = "script, style, meta, link"

var fontExtensions = map[string]struct{}{
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
}

// Extractor parses HTML with goquery.
type Extractor struct {
	logger *zap.Logger
}

// New returns an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger.Named("extract")}
}

// Extract parses html relative to baseURL. Asset references are collected
// only when wantMedia is set. Parsing is best effort; unparseable input
// yields empty content rather than an error.
func (e *Extractor) Extract(html []byte, baseURL string, wantMedia bool) harvest.ExtractedContent {
	out := empty()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		e.logger.Warn("parse html", zap.String("url", baseURL), zap.Error(err))
		return out
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		e.logger.Warn("parse base url", zap.String("url", baseURL), zap.Error(err))
		base = &url.URL{}
	}

	out.Structured = structured(doc)
	out.Metadata = metadata(doc)
	out.Links = links(doc, base)
	if wantMedia {
		out.Assets = assets(doc, base)
	}
	// Text last: it strips nodes from a clone.
	out.Text = visibleText(doc)
	return out
}

func empty() harvest.ExtractedContent {
	headings := make(map[string][]string, 6)
	for i := 1; i <= 6; i++ {
		headings["h"+strconv.Itoa(i)] = []string{}
	}
	return harvest.ExtractedContent{
		Structured: harvest.StructuredData{
			Headings: headings,
			Lists:    []string{},
			Tables:   [][][]string{},
		},
		Metadata: map[string]string{},
		Links:    harvest.Links{Internal: []string{}, External: []string{}},
		Assets:   []harvest.AssetRef{},
	}
}

func visibleText(doc *goquery.Document) string {
	root := doc.Selection.Clone()
	root.Find(nonTextSelectors).Remove()
	return collapseLines(root.Text())
}

// collapseLines trims every line and drops the empty ones.
func collapseLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func structured(doc *goquery.Document) harvest.StructuredData {
	data := empty().Structured
	for i := 1; i <= 6; i++ {
		tag := "h" + strconv.Itoa(i)
		doc.Find(tag).Each(func(_ int, s *goquery.Selection) {
			data.Headings[tag] = append(data.Headings[tag], strings.TrimSpace(s.Text()))
		})
	}
	doc.Find("ul, ol").Each(func(_ int, s *goquery.Selection) {
		data.Lists = append(data.Lists, strings.TrimSpace(s.Text()))
	})
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		rows := [][]string{}
		table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			cells := []string{}
			tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, strings.TrimSpace(cell.Text()))
			})
			rows = append(rows, cells)
		})
		data.Tables = append(data.Tables, rows)
	})
	return data
}

func metadata(doc *goquery.Document) map[string]string {
	meta := map[string]string{}
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		name := s.AttrOr("name", "")
		if name == "" {
			name = s.AttrOr("property", "")
		}
		content := s.AttrOr("content", "")
		if name != "" && content != "" {
			meta[name] = content
		}
	})
	if title := doc.Find("title").First(); title.Length() > 0 {
		meta["title"] = strings.TrimSpace(title.Text())
	}
	return meta
}

func links(doc *goquery.Document, base *url.URL) harvest.Links {
	out := harvest.Links{Internal: []string{}, External: []string{}}
	seen := map[string]struct{}{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if skipHref(href) {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref)
		resolved.Fragment = ""
		abs := resolved.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		if ref.Host == "" || sameSite(resolved.Hostname(), base.Hostname()) {
			out.Internal = append(out.Internal, abs)
			return
		}
		out.External = append(out.External, abs)
	})
	return out
}

func skipHref(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") {
		return true
	}
	lower := strings.ToLower(href)
	for _, scheme := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// sameSite reports whether two hosts share a registrable domain (eTLD+1),
// so blog.example.com and www.example.com are both internal to example.com.
// IP addresses and single-label hosts such as localhost only match themselves.
func sameSite(a, b string) bool {
	a = strings.TrimSuffix(strings.ToLower(a), ".")
	b = strings.TrimSuffix(strings.ToLower(b), ".")
	if a == b {
		return true
	}
	da, ok := registrableDomain(a)
	if !ok {
		return false
	}
	db, ok := registrableDomain(b)
	return ok && da == db
}

func registrableDomain(host string) (string, bool) {
	if host == "" || net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return "", false
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", false
	}
	return domain, true
}

type assetCollector struct {
	base *url.URL
	seen map[string]struct{}
	refs []harvest.AssetRef
}

func (c *assetCollector) add(raw string, ref harvest.AssetRef) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(strings.ToLower(raw), "data:") {
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		return
	}
	resolved := c.base.ResolveReference(u)
	resolved.Fragment = ""
	ref.URL = resolved.String()
	if _, dup := c.seen[ref.URL]; dup {
		return
	}
	c.seen[ref.URL] = struct{}{}
	c.refs = append(c.refs, ref)
}

func assets(doc *goquery.Document, base *url.URL) []harvest.AssetRef {
	c := &assetCollector{base: base, seen: map[string]struct{}{}, refs: []harvest.AssetRef{}}

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, lazy := s.AttrOr("src", ""), false
		if dataSrc := s.AttrOr("data-src", ""); src == "" && dataSrc != "" {
			src, lazy = dataSrc, true
		}
		if strings.EqualFold(s.AttrOr("loading", ""), "lazy") {
			lazy = true
		}
		c.add(src, harvest.AssetRef{
			Type:   harvest.AssetImage,
			Alt:    s.AttrOr("alt", ""),
			Width:  atoi(s.AttrOr("width", "")),
			Height: atoi(s.AttrOr("height", "")),
			Lazy:   lazy,
		})
	})

	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		rel := strings.Fields(strings.ToLower(s.AttrOr("rel", "")))
		href := s.AttrOr("href", "")
		switch {
		case hasToken(rel, "stylesheet"):
			c.add(href, harvest.AssetRef{Type: harvest.AssetCSS, Critical: true})
		case hasToken(rel, "icon") || hasToken(rel, "apple-touch-icon"):
			c.add(href, harvest.AssetRef{Type: harvest.AssetImage})
		case hasToken(rel, "preload") && strings.EqualFold(s.AttrOr("as", ""), "font"),
			isFontPath(href):
			c.add(href, harvest.AssetRef{Type: harvest.AssetFont})
		}
	})

	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		inHead := s.ParentsFiltered("head").Length() > 0
		c.add(s.AttrOr("src", ""), harvest.AssetRef{Type: harvest.AssetJS, Critical: inHead})
	})

	doc.Find("video[src], video source[src]").Each(func(_ int, s *goquery.Selection) {
		c.add(s.AttrOr("src", ""), harvest.AssetRef{Type: harvest.AssetVideo})
	})

	return c.refs
}

func hasToken(tokens []string, want string) bool {
	for _, t := range tokens {
		if t == want {
			return true
		}
	}
	return false
}

func isFontPath(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	_, ok := fontExtensions[strings.ToLower(path.Ext(u.Path))]
	return ok
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(s), "px"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
