package assets

import (
	"strings"

	"github.com/gobwas/glob"
)

// DefaultIgnorePatterns skip caches, backups, logs, and vendored trees in balanced mode.
var DefaultIgnorePatterns = []string{
	"cache", "caches", "backup", "backups", "log", "logs",
	"node_modules", ".git", "vendor", "wflogs",
	"wp-content/cache", "wp-content/backups",
}

// ParseIgnorePatterns splits newline-separated patterns, dropping blanks.
func ParseIgnorePatterns(text string) []string {
	var out []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

type compiledPattern struct {
	full      glob.Glob
	substring glob.Glob
}

// IgnoreMatcher tests relative paths against shell-style patterns. A path is ignored
// when a pattern matches it whole (with '/' as separator) or matches any substring.
type IgnoreMatcher struct {
	patterns []compiledPattern
}

// NewIgnoreMatcher compiles patterns. Patterns are normalized like paths (backslashes
// become '/', surrounding slashes are dropped). Patterns that fail to compile are skipped.
func NewIgnoreMatcher(patterns []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	for _, p := range patterns {
		p = strings.Trim(strings.ReplaceAll(strings.TrimSpace(p), "\\", "/"), "/")
		if p == "" {
			continue
		}
		full, err := glob.Compile(p, '/')
		if err != nil {
			continue
		}
		sub, err := glob.Compile("*" + p + "*")
		if err != nil {
			continue
		}
		m.patterns = append(m.patterns, compiledPattern{full: full, substring: sub})
	}
	return m
}

// IsIgnored reports whether rel matches any pattern.
func (m *IgnoreMatcher) IsIgnored(rel string) bool {
	if m == nil || len(m.patterns) == 0 {
		return false
	}
	rel = strings.Trim(strings.ReplaceAll(rel, "\\", "/"), "/")
	for _, p := range m.patterns {
		if p.full.Match(rel) || p.substring.Match(rel) {
			return true
		}
	}
	return false
}
