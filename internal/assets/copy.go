package assets

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/JakeFAU/sitemirror/internal/mirror"
	"github.com/JakeFAU/sitemirror/internal/pathutil"
)

// ErrExecutable is returned when a copy would place a server-side script in the export.
var ErrExecutable = errors.New("refusing to copy executable file")

// SameSize reports whether dest exists and has the same size as src.
func SameSize(src, dest string) bool {
	s, err := os.Stat(src)
	if err != nil {
		return false
	}
	d, err := os.Stat(dest)
	if err != nil || d.IsDir() {
		return false
	}
	return s.Size() == d.Size()
}

// CopyOne copies src to dest, creating parent directories.
func CopyOne(src, dest string) error {
	if pathutil.IsExecutable(src) || pathutil.IsExecutable(dest) {
		return fmt.Errorf("%w: %s", ErrExecutable, src)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	in, err := os.Open(src) // #nosec G304 -- src is resolved under the content root.
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close() //nolint:errcheck // read-only handle

	out, err := os.Create(dest) // #nosec G304 -- dest is resolved under the export dir.
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}

// WalkBalanced enumerates every copyable file under dirs (relative to contentRoot) and
// passes each task to visit. Executables and ignored paths are skipped.
func WalkBalanced(contentRoot string, dirs []string, exportDir string, ignore *IgnoreMatcher, visit func(mirror.AssetTask)) error {
	for _, dir := range dirs {
		base, err := pathutil.Join(contentRoot, dir)
		if err != nil {
			return err
		}
		info, err := os.Stat(base)
		if err != nil || !info.IsDir() {
			continue
		}
		err = filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				return nil
			}
			rel, err := pathutil.Rel(contentRoot, p)
			if err != nil {
				return err
			}
			if pathutil.IsExecutable(rel) || ignore.IsIgnored(rel) {
				return nil
			}
			dest, err := pathutil.Join(exportDir, rel)
			if err != nil {
				return nil
			}
			visit(mirror.AssetTask{Src: p, Dest: dest, Rel: rel})
			return nil
		})
		if err != nil {
			return fmt.Errorf("walk %s: %w", dir, err)
		}
	}
	return nil
}
