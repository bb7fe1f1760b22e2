// Package assets discovers static files referenced by exported pages and copies them into the export tree.
package assets

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sitemirror/internal/pathutil"
)

// AllowedExt is the set of static extensions an export will copy.
var AllowedExt = map[string]struct{}{
	"css": {}, "js": {}, "map": {},
	"png": {}, "jpg": {}, "jpeg": {}, "gif": {}, "webp": {}, "svg": {}, "avif": {}, "ico": {},
	"woff": {}, "woff2": {}, "ttf": {}, "otf": {}, "eot": {},
	"mp4": {}, "webm": {}, "mp3": {}, "ogg": {}, "wav": {},
	"pdf": {}, "txt": {}, "json": {}, "xml": {},
}

var (
	cssURLPattern    = regexp.MustCompile(`(?i)url\(([^)]+)\)`)
	cssImportPattern = regexp.MustCompile(`(?i)@import\s+(?:url\()?\s*["']([^"']+)["']`)

	urlAttrs    = []string{"href", "src", "poster", "data-src", "data-lazy-src", "data-original", "data-bg"}
	srcsetAttrs = []string{"srcset", "data-srcset"}
)

const cssQuoteCutset = " \t\n\r\x00\x0b\"'"

// CollectFromMarkup returns every asset-looking URL referenced by an HTML document,
// deduplicated in first-seen order. Protocol-relative URLs take baseURL's scheme.
func CollectFromMarkup(html, baseURL string) []string {
	raw := cssRefs(html)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err == nil {
		for _, attr := range urlAttrs {
			doc.Find("[" + attr + "]").Each(func(_ int, s *goquery.Selection) {
				if v, ok := s.Attr(attr); ok && v != "" {
					raw = append(raw, v)
				}
			})
		}
		doc.Find("[srcset], [data-srcset]").Each(func(_ int, s *goquery.Selection) {
			for _, attr := range srcsetAttrs {
				if v, ok := s.Attr(attr); ok {
					raw = append(raw, ParseSrcset(v)...)
					break
				}
			}
		})
		doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			if looksLikeAsset(href) {
				raw = append(raw, href)
			}
		})
	}

	scheme := "https"
	if u, err := url.Parse(baseURL); err == nil && u.Scheme != "" {
		scheme = u.Scheme
	}
	return dedupe(raw, func(u string) string { return normalizeRef(u, scheme) })
}

// CollectFromCSS returns the url() and @import targets of a stylesheet, deduplicated in order.
func CollectFromCSS(css string) []string {
	return dedupe(cssRefs(css), func(u string) string { return u })
}

// ParseSrcset returns the URL part of each srcset candidate.
func ParseSrcset(srcset string) []string {
	var out []string
	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(part)
		if len(fields) > 0 {
			out = append(out, fields[0])
		}
	}
	return out
}

// ResolveCSSDep resolves a stylesheet dependency against the stylesheet's URL path.
// Absolute, protocol-relative, and root-relative references pass through unchanged.
func ResolveCSSDep(dep, cssURLPath string) (string, bool) {
	dep = strings.TrimSpace(dep)
	if dep == "" || strings.HasPrefix(strings.ToLower(dep), "data:") {
		return "", false
	}
	lower := strings.ToLower(dep)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(dep, "//") || strings.HasPrefix(dep, "/") {
		return dep, true
	}

	full := strings.TrimRight(path.Dir(cssURLPath), "/") + "/" + dep
	var parts []string
	for _, seg := range strings.Split(full, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, seg)
		}
	}
	return "/" + strings.Join(parts, "/"), true
}

func cssRefs(text string) []string {
	var out []string
	for _, m := range cssURLPattern.FindAllStringSubmatch(text, -1) {
		if u := strings.Trim(m[1], cssQuoteCutset); u != "" {
			out = append(out, u)
		}
	}
	for _, m := range cssImportPattern.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}

func normalizeRef(u, scheme string) string {
	lower := strings.ToLower(u)
	for _, skip := range []string{"data:", "mailto:", "tel:", "javascript:"} {
		if strings.HasPrefix(lower, skip) {
			return ""
		}
	}
	if strings.HasPrefix(u, "#") {
		return ""
	}
	if strings.HasPrefix(u, "//") {
		return scheme + ":" + u
	}
	return u
}

func looksLikeAsset(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	ext := pathutil.Ext(u.Path)
	if ext == "" {
		return false
	}
	_, ok := AllowedExt[ext]
	return ok
}

func dedupe(in []string, normalize func(string) string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, u := range in {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		u = normalize(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
