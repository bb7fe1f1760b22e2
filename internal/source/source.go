// Package source discovers the canonical URL list an export renders.
//
// The list is the site home, any configured paths, and every <loc> reachable
// from the configured sitemap (sitemap indexes are followed). URLs on hosts
// other than the configured origins are dropped.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Config lists where URLs come from.
type Config struct {
	// Origins are the site's own base URLs; the first one is the home URL.
	Origins    []string
	URLs       []string
	SitemapURL string
	UserAgent  string
	Timeout    time.Duration
	// MaxSitemaps caps how many sitemap documents one discovery reads.
	MaxSitemaps int
}

// Source implements mirror.URLSource.
type Source struct {
	cfg    Config
	hosts  map[string]bool
	home   *url.URL
	logger *zap.Logger
}

// New validates cfg and builds a Source.
func New(cfg Config, logger *zap.Logger) (*Source, error) {
	if len(cfg.Origins) == 0 {
		return nil, fmt.Errorf("at least one source origin is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSitemaps <= 0 {
		cfg.MaxSitemaps = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	s := &Source{cfg: cfg, hosts: make(map[string]bool), logger: logger}
	for i, origin := range cfg.Origins {
		u, err := url.Parse(strings.TrimSpace(origin))
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid source origin %q", origin)
		}
		s.hosts[strings.ToLower(u.Host)] = true
		if i == 0 {
			u.Path = "/"
			u.RawQuery, u.Fragment = "", ""
			s.home = u
		}
	}
	return s, nil
}

// DiscoverURLs returns the deduplicated URL list in discovery order.
func (s *Source) DiscoverURLs(ctx context.Context) ([]string, error) {
	list := newOrderedSet()
	list.add(s.home.String())
	for _, raw := range s.cfg.URLs {
		if u, ok := s.resolve(raw); ok {
			list.add(u)
		}
	}
	if s.cfg.SitemapURL != "" {
		locs, err := s.sitemapLocs(ctx)
		if err != nil {
			return nil, err
		}
		for _, loc := range locs {
			if u, ok := s.resolve(loc); ok {
				list.add(u)
			}
		}
	}
	return list.items, nil
}

// resolve makes raw absolute against the home URL and keeps it only when it
// points at one of the origins.
func (s *Source) resolve(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	u := s.home.ResolveReference(ref)
	u.Fragment = ""
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !s.hosts[strings.ToLower(u.Host)] {
		s.logger.Debug("dropping off-site url", zap.String("url", u.String()))
		return "", false
	}
	return u.String(), true
}

func (s *Source) sitemapLocs(ctx context.Context) ([]string, error) {
	sitemap, ok := s.resolveAny(s.cfg.SitemapURL)
	if !ok {
		return nil, fmt.Errorf("invalid sitemap url %q", s.cfg.SitemapURL)
	}

	c := colly.NewCollector(colly.Async(false))
	c.SetRequestTimeout(s.cfg.Timeout)
	if s.cfg.UserAgent != "" {
		c.UserAgent = s.cfg.UserAgent
	}

	var (
		locs     []string
		visited  int
		firstErr error
	)
	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		visited++
	})
	c.OnXML("//urlset/url/loc", func(e *colly.XMLElement) {
		locs = append(locs, strings.TrimSpace(e.Text))
	})
	c.OnXML("//sitemapindex/sitemap/loc", func(e *colly.XMLElement) {
		if visited >= s.cfg.MaxSitemaps {
			return
		}
		child := strings.TrimSpace(e.Text)
		var alreadyVisited *colly.AlreadyVisitedError
		if err := e.Request.Visit(child); err != nil && !errors.As(err, &alreadyVisited) {
			s.logger.Warn("child sitemap failed", zap.String("url", child), zap.Error(err))
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.Request != nil && r.Request.URL.String() != sitemap {
			s.logger.Warn("child sitemap failed", zap.String("url", r.Request.URL.String()), zap.Error(err))
			return
		}
		if firstErr == nil {
			firstErr = err
		}
	})

	if err := c.Visit(sitemap); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discover sitemap: %w", err)
	}
	if firstErr != nil {
		return nil, fmt.Errorf("fetch sitemap %s: %w", sitemap, firstErr)
	}
	s.logger.Info("sitemap read", zap.Int("documents", visited), zap.Int("locs", len(locs)))
	return locs, nil
}

// resolveAny resolves raw against the home URL without the origin check, since
// sitemaps may live on a CDN host.
func (s *Source) resolveAny(raw string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	return s.home.ResolveReference(ref).String(), true
}

type orderedSet struct {
	seen  map[string]bool
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]bool), items: []string{}}
}

func (o *orderedSet) add(v string) {
	if o.seen[v] {
		return
	}
	o.seen[v] = true
	o.items = append(o.items, v)
}
