// Package pathutil holds the path rules shared by export, archive, and restore.
package pathutil

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// ArchivesDir is the export subdirectory that holds built archives.
const ArchivesDir = "_archives"

var executableExt = map[string]struct{}{
	"php":   {},
	"phtml": {},
	"phar":  {},
}

// Ext returns the lowercase extension of name without the dot.
func Ext(name string) string {
	return strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
}

// IsExecutable reports whether name is a server-side script that must never be exported.
func IsExecutable(name string) bool {
	_, ok := executableExt[Ext(name)]
	return ok
}

// InArchives reports whether a slash-separated relative path lives under ArchivesDir.
func InArchives(rel string) bool {
	return rel == ArchivesDir || strings.HasPrefix(rel, ArchivesDir+"/")
}

// Rel returns target relative to root using forward slashes.
func Rel(root, target string) (string, error) {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", fmt.Errorf("relative path: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// Within reports whether target resolves inside root.
func Within(root, target string) bool {
	cleanRoot := filepath.Clean(root)
	cleanTarget := filepath.Clean(target)
	if cleanTarget == cleanRoot {
		return true
	}
	return strings.HasPrefix(cleanTarget, cleanRoot+string(filepath.Separator))
}

// Join joins a slash-separated relative path onto root and rejects escapes.
func Join(root, rel string) (string, error) {
	full := filepath.Join(root, filepath.FromSlash(rel))
	if !Within(root, full) {
		return "", fmt.Errorf("path %q escapes %q", rel, root)
	}
	return full, nil
}

// PageFile returns where the HTML for rawURL is written: every page becomes
// <path>/index.html, and the site root becomes index.html at exportDir.
func PageFile(exportDir, rawURL string) (string, error) {
	p := "/"
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return filepath.Join(exportDir, "index.html"), nil
	}
	return Join(exportDir, p+"/index.html")
}
