// Package rewrite swaps source-site origins in exported HTML for the public base URL.
package rewrite

import (
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	cssURLPattern    = regexp.MustCompile(`(?i)url\(\s*(['"]?)([^'")]+)(['"]?)\s*\)`)
	cssImportPattern = regexp.MustCompile(`(?i)@import\s+(?:url\()??\s*(['"]?)([^'")\s;]+)(['"]?)\s*\)?`)

	rewriteAttrs = []string{"href", "src", "poster", "content", "style", "data-src", "data-lazy-src", "data-original", "data-bg", "srcset", "data-srcset"}
)

// Rewriter maps URLs on any source origin to the public origin.
type Rewriter struct {
	enabled      bool
	publicOrigin string
	publicHost   string
	publicScheme string
	oldOrigins   []string
	oldHosts     []string
	replacer     *strings.Replacer
}

// New builds a Rewriter. sourceBases are the site's own base URLs (home and site URL);
// publicBase is where the mirror will be served. A publicBase without scheme and host
// yields a Rewriter that returns input unchanged.
func New(sourceBases []string, publicBase string) *Rewriter {
	r := &Rewriter{}
	publicBase = strings.TrimRight(strings.TrimSpace(publicBase), "/")
	if publicBase == "" {
		return r
	}
	pu, err := url.Parse(publicBase)
	if err != nil || pu.Scheme == "" || pu.Host == "" {
		return r
	}
	r.enabled = true
	r.publicScheme = pu.Scheme
	r.publicHost = pu.Host
	r.publicOrigin = pu.Scheme + "://" + pu.Host + strings.TrimRight(pu.Path, "/")

	addOrigin := func(o string) {
		if !slices.Contains(r.oldOrigins, o) {
			r.oldOrigins = append(r.oldOrigins, o)
		}
	}
	for _, b := range sourceBases {
		b = strings.TrimRight(strings.TrimSpace(b), "/")
		su, err := url.Parse(b)
		if err != nil || su.Host == "" {
			continue
		}
		p := strings.TrimRight(su.Path, "/")
		if !slices.Contains(r.oldHosts, su.Host) {
			r.oldHosts = append(r.oldHosts, su.Host)
		}
		addOrigin("https://" + su.Host + p)
		addOrigin("http://" + su.Host + p)
		if su.Scheme != "" {
			addOrigin(su.Scheme + "://" + su.Host + p)
		}
	}

	var pairs []string
	add := func(old, repl string) {
		if old != repl {
			pairs = append(pairs, old, repl)
		}
	}
	for _, o := range r.oldOrigins {
		if o == r.publicOrigin {
			continue
		}
		esc := escapeSlashes(o)
		pubEsc := escapeSlashes(r.publicOrigin)
		add(o+"/", r.publicOrigin+"/")
		add(o, r.publicOrigin)
		add(esc+`\/`, pubEsc+`\/`)
		add(esc, pubEsc)
	}
	for _, h := range r.oldHosts {
		add("//"+h+"/", "//"+r.publicHost+"/")
		add("//"+h, "//"+r.publicHost)
		add(`\/\/`+h+`\/`, `\/\/`+r.publicHost+`\/`)
		add(`\/\/`+h, `\/\/`+r.publicHost)
	}
	if len(pairs) > 0 {
		r.replacer = strings.NewReplacer(pairs...)
	}
	return r
}

// RewriteInternalURLs rewrites absolute, protocol-relative, and JSON-escaped references to
// the source origins, then remaps URL-bearing attributes and inline CSS through the DOM.
func (r *Rewriter) RewriteInternalURLs(html string) string {
	if r == nil || !r.enabled {
		return html
	}
	if r.replacer != nil {
		html = r.replacer.Replace(html)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	for _, attr := range rewriteAttrs {
		doc.Find("[" + attr + "]").Each(func(_ int, s *goquery.Selection) {
			val, _ := s.Attr(attr)
			if val == "" {
				return
			}
			switch attr {
			case "srcset", "data-srcset":
				s.SetAttr(attr, r.rewriteSrcset(val))
			case "style":
				s.SetAttr(attr, r.RewriteCSS(val))
			default:
				s.SetAttr(attr, r.RemapURL(val))
			}
		})
	}
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		s.SetText(r.RewriteCSS(s.Text()))
	})

	out, err := doc.Html()
	if err != nil {
		return html
	}
	return out
}

// RemapURL rewrites one URL if it points at a source origin.
func (r *Rewriter) RemapURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || !r.enabled {
		return u
	}
	lower := strings.ToLower(u)
	for _, skip := range []string{"data:", "mailto:", "tel:", "javascript:"} {
		if strings.HasPrefix(lower, skip) {
			return u
		}
	}
	if strings.HasPrefix(u, "#") || u == r.publicOrigin || strings.HasPrefix(u, r.publicOrigin+"/") {
		return u
	}

	if strings.HasPrefix(u, "//") {
		pu, err := url.Parse(r.publicScheme + ":" + u)
		if err == nil && r.isOldHost(pu.Host) {
			return "//" + r.publicHost + u[len("//"+pu.Host):]
		}
		return u
	}

	for _, o := range r.oldOrigins {
		if strings.HasPrefix(u, o) {
			return r.publicOrigin + u[len(o):]
		}
	}

	pu, err := url.Parse(u)
	if err != nil || !r.isOldHost(pu.Host) {
		return u
	}
	out := r.publicOrigin + pu.EscapedPath()
	if pu.RawQuery != "" {
		out += "?" + pu.RawQuery
	}
	if pu.Fragment != "" {
		out += "#" + pu.EscapedFragment()
	}
	return out
}

// RewriteCSS remaps url() and @import targets, keeping the original quoting.
func (r *Rewriter) RewriteCSS(css string) string {
	css = cssURLPattern.ReplaceAllStringFunc(css, func(m string) string {
		sub := cssURLPattern.FindStringSubmatch(m)
		if sub[1] != sub[3] {
			return m
		}
		return "url(" + sub[1] + r.RemapURL(sub[2]) + sub[1] + ")"
	})
	return cssImportPattern.ReplaceAllStringFunc(css, func(m string) string {
		sub := cssImportPattern.FindStringSubmatch(m)
		if sub[1] != sub[3] {
			return m
		}
		return "@import " + sub[1] + r.RemapURL(sub[2]) + sub[1]
	})
}

func (r *Rewriter) rewriteSrcset(srcset string) string {
	var out []string
	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		entry := r.RemapURL(fields[0])
		if len(fields) > 1 {
			entry += " " + strings.Join(fields[1:], " ")
		}
		out = append(out, entry)
	}
	return strings.Join(out, ", ")
}

func (r *Rewriter) isOldHost(host string) bool {
	return host != "" && slices.Contains(r.oldHosts, host)
}

func escapeSlashes(s string) string {
	return strings.ReplaceAll(s, "/", `\/`)
}
