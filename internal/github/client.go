// Package github speaks the subset of the GitHub Git Data API used to publish an export tree.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/metrics"
	"github.com/JakeFAU/sitemirror/internal/policy/ratelimit"
	"github.com/JakeFAU/sitemirror/internal/telemetry"
)

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com"

const (
	apiVersion     = "2022-11-28"
	defaultTimeout = 20 * time.Second
)

// Config configures a Client.
type Config struct {
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration
	// RequestsPerSecond paces calls client-side; zero disables pacing.
	RequestsPerSecond float64
}

// Repo names a repository.
type Repo struct {
	Owner string
	Name  string
}

// TreeEntry is one element of a create-tree request. A nil SHA deletes the path.
type TreeEntry struct {
	Path string  `json:"path"`
	Mode string  `json:"mode"`
	Type string  `json:"type"`
	SHA  *string `json:"sha"`
}

// FileEntry returns a regular-file tree entry pointing at blobSHA.
func FileEntry(path, blobSHA string) TreeEntry {
	return TreeEntry{Path: path, Mode: "100644", Type: "blob", SHA: &blobSHA}
}

// DeleteEntry returns a tree entry that removes path.
func DeleteEntry(path string) TreeEntry {
	return TreeEntry{Path: path, Mode: "100644", Type: "blob"}
}

// Response is a decoded API reply. Non-2xx statuses are returned here, not as errors.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       map[string]any
	Raw        []byte
}

// String walks nested object keys and returns the string found there, or "".
func (r *Response) String(keys ...string) string {
	if r == nil {
		return ""
	}
	var cur any = r.Body
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[k]
	}
	s, _ := cur.(string)
	return s
}

// Detail summarizes the response for error logs.
func (r *Response) Detail() string {
	if r == nil {
		return ""
	}
	if msg := r.String("message"); msg != "" {
		return fmt.Sprintf("HTTP %d: %s", r.StatusCode, msg)
	}
	body := strings.TrimSpace(string(r.Raw))
	if len(body) > 300 {
		body = body[:300]
	}
	return fmt.Sprintf("HTTP %d: %s", r.StatusCode, body)
}

// Client issues authenticated Git Data API calls.
type Client struct {
	http     *resty.Client
	limiter  *ratelimit.Limiter
	baseURL  string
	hasToken bool
	logger   *zap.Logger
}

// NewClient builds a Client. The token is held in memory only.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultAPIURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "sitemirror"
	}

	client := resty.New()
	client.SetBaseURL(base)
	client.SetTimeout(timeout)
	client.SetRedirectPolicy(resty.NoRedirectPolicy())
	client.SetHeader("Accept", "application/vnd.github+json")
	client.SetHeader("X-GitHub-Api-Version", apiVersion)
	client.SetHeader("User-Agent", ua)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	var limiter *ratelimit.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RequestsPerSecond, DefaultBurst: 1})
	}
	return &Client{http: client, limiter: limiter, baseURL: base, hasToken: cfg.Token != "", logger: logger}
}

// HasToken reports whether the client will authenticate.
func (c *Client) HasToken() bool {
	return c.hasToken
}

func (c *Client) do(ctx context.Context, op, method, path string, params map[string]string, body any) (*Response, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "github."+op)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("github.owner", params["owner"]))

	if err := c.limiter.Wait(ctx, c.baseURL); err != nil {
		span.RecordError(err)
		return nil, err
	}
	req := c.http.R().SetContext(ctx).SetPathParams(params)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		metrics.ObserveGitHubRequest(op, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	metrics.ObserveGitHubRequest(op, resp.StatusCode())
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))

	out := &Response{StatusCode: resp.StatusCode(), Header: resp.Header(), Raw: resp.Body(), Body: map[string]any{}}
	if len(out.Raw) > 0 {
		if err := json.Unmarshal(out.Raw, &out.Body); err != nil {
			out.Body = map[string]any{}
		}
	}
	c.logger.Debug("github request",
		zap.String("op", op),
		zap.Int("status", out.StatusCode),
		zap.String("remaining", out.Header.Get("X-RateLimit-Remaining")))
	return out, nil
}

func repoParams(repo Repo, extra ...string) map[string]string {
	params := map[string]string{"owner": repo.Owner, "repo": repo.Name}
	for i := 0; i+1 < len(extra); i += 2 {
		params[extra[i]] = extra[i+1]
	}
	return params
}

// TestConnection fetches the authenticated user.
func (c *Client) TestConnection(ctx context.Context) (*Response, error) {
	return c.do(ctx, "test_connection", http.MethodGet, "/user", nil, nil)
}

// GetBranchRef reads refs/heads/<branch>. The commit SHA is at object.sha.
func (c *Client) GetBranchRef(ctx context.Context, repo Repo, branch string) (*Response, error) {
	return c.do(ctx, "get_ref", http.MethodGet, "/repos/{owner}/{repo}/git/ref/heads/{branch}",
		repoParams(repo, "branch", branch), nil)
}

// GetCommit reads a commit. The tree SHA is at tree.sha.
func (c *Client) GetCommit(ctx context.Context, repo Repo, sha string) (*Response, error) {
	return c.do(ctx, "get_commit", http.MethodGet, "/repos/{owner}/{repo}/git/commits/{sha}",
		repoParams(repo, "sha", sha), nil)
}

// CreateBlob uploads base64 content. The blob SHA is at sha.
func (c *Client) CreateBlob(ctx context.Context, repo Repo, contentBase64 string) (*Response, error) {
	return c.do(ctx, "create_blob", http.MethodPost, "/repos/{owner}/{repo}/git/blobs",
		repoParams(repo), map[string]string{"content": contentBase64, "encoding": "base64"})
}

// CreateTree builds a tree on top of baseTree.
func (c *Client) CreateTree(ctx context.Context, repo Repo, baseTree string, entries []TreeEntry) (*Response, error) {
	body := struct {
		BaseTree string      `json:"base_tree"`
		Tree     []TreeEntry `json:"tree"`
	}{BaseTree: baseTree, Tree: entries}
	return c.do(ctx, "create_tree", http.MethodPost, "/repos/{owner}/{repo}/git/trees", repoParams(repo), body)
}

// CreateCommit creates a commit of tree with a single parent.
func (c *Client) CreateCommit(ctx context.Context, repo Repo, message, tree, parent string) (*Response, error) {
	body := struct {
		Message string   `json:"message"`
		Tree    string   `json:"tree"`
		Parents []string `json:"parents"`
	}{Message: message, Tree: tree, Parents: []string{parent}}
	return c.do(ctx, "create_commit", http.MethodPost, "/repos/{owner}/{repo}/git/commits", repoParams(repo), body)
}

// UpdateRef moves refs/heads/<branch> to sha.
func (c *Client) UpdateRef(ctx context.Context, repo Repo, branch, sha string, force bool) (*Response, error) {
	body := struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}{SHA: sha, Force: force}
	return c.do(ctx, "update_ref", http.MethodPatch, "/repos/{owner}/{repo}/git/refs/heads/{branch}",
		repoParams(repo, "branch", branch), body)
}

// IsRateLimited reports whether a response signals primary or secondary rate limiting.
func IsRateLimited(status int, header http.Header) bool {
	if status != http.StatusForbidden && status != http.StatusTooManyRequests {
		return false
	}
	if raw := strings.TrimSpace(header.Get("X-RateLimit-Remaining")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n <= 0 {
			return true
		}
	}
	return header.Get("X-RateLimit-Reset") != ""
}

// ResumeAt returns when a rate-limited client may retry: ten seconds after the advertised
// reset, or one minute from now when no reset is given.
func ResumeAt(header http.Header, now time.Time) time.Time {
	if raw := strings.TrimSpace(header.Get("X-RateLimit-Reset")); raw != "" {
		if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil && epoch > 0 {
			return time.Unix(epoch+10, 0).UTC()
		}
	}
	return now.Add(time.Minute).UTC()
}
