package assets

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/sitemirror/internal/mirror"
	"github.com/JakeFAU/sitemirror/internal/pathutil"
)

// MapperConfig describes where static files live on disk.
type MapperConfig struct {
	// ContentRoot is the directory that URL paths resolve against.
	ContentRoot string
	// StaticRoots are the top-level URL path segments that may be copied, e.g. "wp-content".
	StaticRoots []string
	// PublicBaseURL is stripped of its path prefix before mapping.
	PublicBaseURL string
	// Hosts limits mapping to URLs on these hosts; relative URLs always qualify.
	Hosts []string
}

// Mapper turns asset URLs into copy tasks.
type Mapper struct {
	contentRoot string
	roots       []string
	basePath    string
	hosts       map[string]struct{}
}

// NewMapper validates cfg and builds a Mapper.
func NewMapper(cfg MapperConfig) (*Mapper, error) {
	if strings.TrimSpace(cfg.ContentRoot) == "" {
		return nil, fmt.Errorf("content root is required")
	}
	root, err := filepath.Abs(cfg.ContentRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve content root: %w", err)
	}
	m := &Mapper{contentRoot: root, hosts: make(map[string]struct{})}
	for _, r := range cfg.StaticRoots {
		if r = strings.Trim(r, "/ "); r != "" {
			m.roots = append(m.roots, "/"+r+"/")
		}
	}
	if len(m.roots) == 0 {
		return nil, fmt.Errorf("at least one static root is required")
	}
	if cfg.PublicBaseURL != "" {
		u, err := url.Parse(cfg.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse public base url: %w", err)
		}
		m.basePath = strings.TrimRight(u.Path, "/")
		if u.Hostname() != "" {
			m.hosts[strings.ToLower(u.Hostname())] = struct{}{}
		}
	}
	for _, h := range cfg.Hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			m.hosts[h] = struct{}{}
		}
	}
	return m, nil
}

// ContentRoot returns the absolute content root.
func (m *Mapper) ContentRoot() string {
	return m.contentRoot
}

// MapURLToFile resolves an asset URL to a source file under the content root and
// its destination under exportDir. It returns false for anything that must not be copied.
func (m *Mapper) MapURLToFile(rawURL, exportDir string) (mirror.AssetTask, bool) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return mirror.AssetTask{}, false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return mirror.AssetTask{}, false
	}
	if host := strings.ToLower(u.Hostname()); host != "" && len(m.hosts) > 0 {
		if _, ok := m.hosts[host]; !ok {
			return mirror.AssetTask{}, false
		}
	}

	p := u.Path
	if m.basePath != "" && strings.HasPrefix(p, m.basePath+"/") {
		p = strings.TrimPrefix(p, m.basePath)
	}
	p = path.Clean(p)
	if pathutil.IsExecutable(p) {
		return mirror.AssetTask{}, false
	}
	if ext := pathutil.Ext(p); ext != "" {
		if _, ok := AllowedExt[ext]; !ok {
			return mirror.AssetTask{}, false
		}
	}
	if !m.underStaticRoot(p) {
		return mirror.AssetTask{}, false
	}

	rel := strings.TrimLeft(p, "/")
	src, err := pathutil.Join(m.contentRoot, rel)
	if err != nil {
		return mirror.AssetTask{}, false
	}
	info, err := os.Stat(src)
	if err != nil || info.IsDir() {
		return mirror.AssetTask{}, false
	}
	dest, err := pathutil.Join(exportDir, rel)
	if err != nil {
		return mirror.AssetTask{}, false
	}
	return mirror.AssetTask{Src: src, Dest: dest, Rel: rel}, true
}

func (m *Mapper) underStaticRoot(p string) bool {
	for _, r := range m.roots {
		if strings.HasPrefix(p, r) {
			return true
		}
	}
	return false
}
