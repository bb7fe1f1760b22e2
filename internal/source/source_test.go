package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sitemapServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	xml := func(w http.ResponseWriter, body string) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = fmt.Fprint(w, body)
	}
	mux.HandleFunc("/sitemap_index.xml", func(w http.ResponseWriter, _ *http.Request) {
		xml(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>`+srv.URL+`/post-sitemap.xml</loc></sitemap>
  <sitemap><loc>`+srv.URL+`/page-sitemap.xml</loc></sitemap>
</sitemapindex>`)
	})
	mux.HandleFunc("/post-sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		xml(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>`+srv.URL+`/hello-world/</loc></url>
  <url><loc>`+srv.URL+`/</loc></url>
  <url><loc>https://elsewhere.example/offsite/</loc></url>
</urlset>`)
	})
	mux.HandleFunc("/page-sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		xml(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>`+srv.URL+`/about/</loc></url>
  <url><loc>`+srv.URL+`/contact/#form</loc></url>
</urlset>`)
	})
	mux.HandleFunc("/broken.xml", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverURLs(t *testing.T) {
	t.Parallel()

	srv := sitemapServer(t)
	src, err := New(Config{
		Origins:    []string{srv.URL},
		URLs:       []string{"/contact/", "https://elsewhere.example/nope/", "mailto:a@b.c"},
		SitemapURL: "/sitemap_index.xml",
	}, nil)
	require.NoError(t, err)

	urls, err := src.DiscoverURLs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		srv.URL + "/",
		srv.URL + "/contact/",
		srv.URL + "/hello-world/",
		srv.URL + "/about/",
	}, urls)
}

func TestDiscoverURLsWithoutSitemap(t *testing.T) {
	t.Parallel()

	src, err := New(Config{Origins: []string{"https://example.com/blog?x=1"}, URLs: []string{"shop/", "/shop/"}}, nil)
	require.NoError(t, err)

	urls, err := src.DiscoverURLs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/", "https://example.com/shop/"}, urls)
}

func TestDiscoverURLsSitemapFailure(t *testing.T) {
	t.Parallel()

	srv := sitemapServer(t)
	src, err := New(Config{Origins: []string{srv.URL}, SitemapURL: srv.URL + "/broken.xml"}, nil)
	require.NoError(t, err)

	_, err = src.DiscoverURLs(context.Background())
	require.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origins []string
	}{
		{name: "none"},
		{name: "no host", origins: []string{"/just/a/path"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(Config{Origins: tc.origins}, nil)
			require.Error(t, err)
		})
	}
}
