package rewrite_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/sitemirror/internal/rewrite"
)

const publicBase = "https://cdn.example.org/site/"

func TestRewriteInternalURLs(t *testing.T) {
	t.Parallel()

	r := rewrite.New([]string{"https://old.example.com"}, publicBase)
	in := `<html><head><style>@import "http://old.example.com/s.css";</style></head><body>
<a href="https://old.example.com/about/">About</a>
<img src="//old.example.com/wp-content/a.png" srcset="https://old.example.com/a.png 1x,https://old.example.com/b.png 2x">
<div style="background:url(http://old.example.com/bg.png)"></div>
<a href="https://elsewhere.net/x">x</a>
<script>var api = "https:\/\/old.example.com\/wp-json";</script>
</body></html>`

	out := r.RewriteInternalURLs(in)

	assert.Contains(t, out, `href="https://cdn.example.org/site/about/"`)
	assert.Contains(t, out, `src="//cdn.example.org/wp-content/a.png"`)
	assert.Contains(t, out, `srcset="https://cdn.example.org/site/a.png 1x, https://cdn.example.org/site/b.png 2x"`)
	assert.Contains(t, out, `url(https://cdn.example.org/site/bg.png)`)
	assert.Contains(t, out, `@import "https://cdn.example.org/site/s.css"`)
	assert.Contains(t, out, `https:\/\/cdn.example.org\/site\/wp-json`)
	assert.Contains(t, out, `href="https://elsewhere.net/x"`)
	assert.NotContains(t, out, "old.example.com")
}

func TestRemapURL(t *testing.T) {
	t.Parallel()

	r := rewrite.New([]string{"https://old.example.com/blog"}, publicBase)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "prefix match", in: "http://old.example.com/blog/post/", want: "https://cdn.example.org/site/post/"},
		{name: "host fallback keeps query and fragment", in: "https://old.example.com/other?q=1#top", want: "https://cdn.example.org/site/other?q=1#top"},
		{name: "protocol relative", in: "//old.example.com/x.png", want: "//cdn.example.org/x.png"},
		{name: "foreign protocol relative", in: "//cdn.other.net/x.png", want: "//cdn.other.net/x.png"},
		{name: "already public", in: "https://cdn.example.org/site/a", want: "https://cdn.example.org/site/a"},
		{name: "mailto", in: "mailto:me@old.example.com", want: "mailto:me@old.example.com"},
		{name: "fragment", in: "#main", want: "#main"},
		{name: "relative", in: "/wp-content/a.png", want: "/wp-content/a.png"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, r.RemapURL(tc.in))
		})
	}
}

func TestRewriteCSSKeepsQuotes(t *testing.T) {
	t.Parallel()

	r := rewrite.New([]string{"https://old.example.com"}, publicBase)
	css := `a{background:url("//old.example.com/x.png")} @import 'https://old.example.com/y.css';`

	got := r.RewriteCSS(css)
	assert.Equal(t, `a{background:url("//cdn.example.org/x.png")} @import 'https://cdn.example.org/site/y.css';`, got)
}

func TestRewriteDisabledWithoutUsablePublicBase(t *testing.T) {
	t.Parallel()

	in := `<a href="https://old.example.com/">x</a>`
	for _, base := range []string{"", "   ", "relative/path"} {
		r := rewrite.New([]string{"https://old.example.com"}, base)
		assert.Equal(t, in, r.RewriteInternalURLs(in), base)
	}
}
