package github_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemirror/internal/github"
)

type recorded struct {
	method string
	path   string
	header http.Header
	body   map[string]any
}

func newServer(t *testing.T, status int, reply string, rec *recorded) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.EscapedPath()
		rec.header = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			require.NoError(t, json.Unmarshal(raw, &rec.body))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientSendsHeadersAndDecodes(t *testing.T) {
	t.Parallel()

	var rec recorded
	srv := newServer(t, http.StatusOK, `{"object":{"sha":"abc123"}}`, &rec)
	c := github.NewClient(github.Config{BaseURL: srv.URL, Token: "tkn", UserAgent: "ua/1"}, nil)
	require.True(t, c.HasToken())

	resp, err := c.GetBranchRef(context.Background(), github.Repo{Owner: "me", Name: "site"}, "main")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc123", resp.String("object", "sha"))
	assert.Empty(t, resp.String("object", "missing"))

	assert.Equal(t, http.MethodGet, rec.method)
	assert.Equal(t, "/repos/me/site/git/ref/heads/main", rec.path)
	assert.Equal(t, "Bearer tkn", rec.header.Get("Authorization"))
	assert.Equal(t, "application/vnd.github+json", rec.header.Get("Accept"))
	assert.Equal(t, "2022-11-28", rec.header.Get("X-GitHub-Api-Version"))
	assert.Equal(t, "ua/1", rec.header.Get("User-Agent"))
}

func TestCreateTreeEncodesDeletionsAsNull(t *testing.T) {
	t.Parallel()

	var rec recorded
	srv := newServer(t, http.StatusCreated, `{"sha":"tree2"}`, &rec)
	c := github.NewClient(github.Config{BaseURL: srv.URL, Token: "tkn"}, nil)

	resp, err := c.CreateTree(context.Background(), github.Repo{Owner: "me", Name: "site"}, "tree1", []github.TreeEntry{
		github.FileEntry("docs/index.html", "blob1"),
		github.DeleteEntry("docs/old.html"),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "tree2", resp.String("sha"))

	assert.Equal(t, http.MethodPost, rec.method)
	assert.Equal(t, "tree1", rec.body["base_tree"])
	tree, ok := rec.body["tree"].([]any)
	require.True(t, ok)
	require.Len(t, tree, 2)
	first := tree[0].(map[string]any)
	assert.Equal(t, "blob1", first["sha"])
	assert.Equal(t, "100644", first["mode"])
	second := tree[1].(map[string]any)
	assert.Contains(t, second, "sha")
	assert.Nil(t, second["sha"])
}

func TestCommitBlobAndRefBodies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := github.Repo{Owner: "me", Name: "site"}

	var rec recorded
	srv := newServer(t, http.StatusCreated, `{"sha":"c2"}`, &rec)
	c := github.NewClient(github.Config{BaseURL: srv.URL}, nil)
	assert.False(t, c.HasToken())

	_, err := c.CreateBlob(ctx, repo, "aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"content": "aGVsbG8=", "encoding": "base64"}, rec.body)
	assert.Empty(t, rec.header.Get("Authorization"))

	rec.body = nil
	_, err = c.CreateCommit(ctx, repo, "msg", "t1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "/repos/me/site/git/commits", rec.path)
	assert.Equal(t, []any{"p1"}, rec.body["parents"])

	rec.body = nil
	_, err = c.UpdateRef(ctx, repo, "gh-pages", "c2", false)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, rec.method)
	assert.Equal(t, "/repos/me/site/git/refs/heads/gh-pages", rec.path)
	assert.Equal(t, false, rec.body["force"])
	assert.Equal(t, "c2", rec.body["sha"])
}

func TestNon2xxIsNotAnError(t *testing.T) {
	t.Parallel()

	var rec recorded
	srv := newServer(t, http.StatusUnprocessableEntity, `{"message":"Validation Failed"}`, &rec)
	c := github.NewClient(github.Config{BaseURL: srv.URL}, nil)

	resp, err := c.TestConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/user", rec.path)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "HTTP 422: Validation Failed", resp.Detail())
}

func TestTransportErrorIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := github.NewClient(github.Config{BaseURL: url, Timeout: time.Second}, nil)
	_, err := c.GetCommit(context.Background(), github.Repo{Owner: "me", Name: "site"}, "abc")
	require.Error(t, err)
}

func TestIsRateLimited(t *testing.T) {
	t.Parallel()

	h := func(kv ...string) http.Header {
		out := http.Header{}
		for i := 0; i+1 < len(kv); i += 2 {
			out.Set(kv[i], kv[i+1])
		}
		return out
	}
	tests := []struct {
		name   string
		status int
		header http.Header
		want   bool
	}{
		{name: "403 exhausted", status: 403, header: h("X-RateLimit-Remaining", "0"), want: true},
		{name: "429 with reset", status: 429, header: h("X-RateLimit-Reset", "1700000000"), want: true},
		{name: "403 permission denied", status: 403, header: h("X-RateLimit-Remaining", "42"), want: false},
		{name: "403 bare", status: 403, header: h(), want: false},
		{name: "200 exhausted", status: 200, header: h("X-RateLimit-Remaining", "0"), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, github.IsRateLimited(tc.status, tc.header))
		})
	}
}

func TestResumeAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	withReset := http.Header{}
	withReset.Set("X-RateLimit-Reset", "1700000000")
	assert.Equal(t, time.Unix(1700000010, 0).UTC(), github.ResumeAt(withReset, now))
	assert.Equal(t, now.Add(time.Minute), github.ResumeAt(http.Header{}, now))
}
