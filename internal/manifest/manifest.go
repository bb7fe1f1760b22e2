// Package manifest fingerprints an export tree and diffs it against the last deployed one.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/JakeFAU/sitemirror/internal/pathutil"
)

// FileName is the manifest written into every export root.
const FileName = ".sitemirror-manifest.json"

// Entry fingerprints one file.
type Entry struct {
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest maps slash-separated relative paths to their fingerprint.
// encoding/json writes map keys sorted, so serialization is deterministic.
type Manifest map[string]Entry

// FileHasher computes a hex digest of a file's contents.
type FileHasher interface {
	HashFile(path string) (string, error)
}

// Paths returns the manifest keys in sorted order.
func (m Manifest) Paths() []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Excluded reports whether rel is left out of manifests, stats, and archives.
func Excluded(rel string) bool {
	return pathutil.InArchives(rel) || rel == FileName || pathutil.IsExecutable(rel)
}

// Build walks root and fingerprints every included file.
func Build(root string, hasher FileHasher) (Manifest, error) {
	m := Manifest{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := pathutil.Rel(root, path)
		if err != nil {
			return err
		}
		if Excluded(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", rel, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		sum, err := hasher.HashFile(path)
		if err != nil {
			return fmt.Errorf("hash %s: %w", rel, err)
		}
		m[rel] = Entry{Size: info.Size(), SHA256: sum}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("build manifest: %w", err)
	}
	return m, nil
}

// Stats counts included files and bytes under root.
func Stats(root string) (files int, bytes int64, err error) {
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := pathutil.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if pathutil.InArchives(rel) || pathutil.IsExecutable(rel) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return fmt.Errorf("stat %s: %w", rel, infoErr)
		}
		files++
		bytes += info.Size()
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("export stats: %w", err)
	}
	return files, bytes, nil
}

// Save writes m as indented JSON.
func Save(path string, m Manifest) error {
	if m == nil {
		m = Manifest{}
	}
	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ErrCorrupt is returned when a manifest file exists but cannot be decoded.
var ErrCorrupt = errors.New("manifest corrupt")

// Load reads a manifest file. A missing file returns fs.ErrNotExist.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the export settings.
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, path)
	}
	return m, nil
}

// LoadOrBuild loads the manifest at path, rebuilding and rewriting it when missing or corrupt.
func LoadOrBuild(path, root string, hasher FileHasher) (Manifest, bool, error) {
	m, err := Load(path)
	if err == nil {
		return m, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, ErrCorrupt) {
		return nil, false, err
	}
	m, err = Build(root, hasher)
	if err != nil {
		return nil, false, err
	}
	if err := Save(path, m); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// Diff returns the paths that must be uploaded (new or changed hash) and, when
// cleanRemoved is set, the paths present only in last. Both are sorted.
func Diff(current, last Manifest, cleanRemoved bool) (queue, deletions []string) {
	queue = []string{}
	deletions = []string{}
	for _, p := range current.Paths() {
		old, ok := last[p]
		if !ok || old.SHA256 != current[p].SHA256 {
			queue = append(queue, p)
		}
	}
	if !cleanRemoved {
		return queue, deletions
	}
	for _, p := range last.Paths() {
		if _, ok := current[p]; !ok {
			deletions = append(deletions, p)
		}
	}
	return queue, deletions
}
