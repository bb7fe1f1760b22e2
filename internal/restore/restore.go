// Package restore extracts a previously built archive back over the export tree.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/pathutil"
)

var (
	// ErrBadEntry is returned for empty entry names.
	ErrBadEntry = errors.New("invalid archive entry")
	// ErrTraversal is returned when an entry name climbs out of the destination.
	ErrTraversal = errors.New("blocked path traversal in archive")
	// ErrBlockedType is returned for executable or non-static entries.
	ErrBlockedType = errors.New("blocked file type in archive")
	// ErrUnsupportedType marks entries rejected only by the static allow-list. It is
	// always wrapped together with ErrBlockedType.
	ErrUnsupportedType = errors.New("not a restorable static type")
)

var allowedExt = map[string]struct{}{
	"html": {}, "htm": {}, "css": {}, "js": {}, "json": {}, "xml": {}, "txt": {}, "map": {},
	"png": {}, "jpg": {}, "jpeg": {}, "gif": {}, "svg": {}, "webp": {}, "ico": {},
	"woff": {}, "woff2": {}, "ttf": {}, "otf": {}, "eot": {},
	"pdf": {}, "webmanifest": {}, "rss": {}, "atom": {},
}

// SanitizeEntryName normalizes an archive entry name into a safe relative slash path.
func SanitizeEntryName(name string) (string, error) {
	name = strings.TrimLeft(strings.ReplaceAll(name, `\`, "/"), "/")
	if name == "" {
		return "", ErrBadEntry
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrTraversal, name)
		}
	}
	if pathutil.IsExecutable(name) {
		return "", fmt.Errorf("%w: %q", ErrBlockedType, name)
	}
	if _, ok := allowedExt[pathutil.Ext(name)]; !ok {
		return "", fmt.Errorf("%w: %w: %q", ErrBlockedType, ErrUnsupportedType, name)
	}
	return name, nil
}

// ExtractEntry streams one archive entry to dest, creating parent directories.
func ExtractEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close() //nolint:errcheck // read-only stream

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("create restore dir: %w", err)
	}
	out, err := os.Create(dest) // #nosec G304 -- dest is built from a sanitized entry name.
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, rc); err != nil { // #nosec G110 -- archives are produced by this tool.
		_ = out.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dest, err)
	}
	return nil
}

// MovePath renames src to dst, falling back to copy and delete when a rename is not possible.
func MovePath(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if info.IsDir() {
		if err := CopyTree(src, dst); err != nil {
			return err
		}
		return DeleteTree(src)
	}
	if err := copyFile(src, dst, info.Mode().Perm()); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove %s: %w", src, err)
	}
	return nil
}

// CopyTree copies the directory src into dst recursively.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		return copyFile(p, target, info.Mode().Perm())
	})
}

// DeleteTree removes path and everything below it. A missing path is not an error.
func DeleteTree(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src) // #nosec G304 -- internal move of restore staging.
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close() //nolint:errcheck // read-only handle
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm) // #nosec G304 -- see above.
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}

// Restorer replaces an export tree with the contents of one of its archives.
type Restorer struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewRestorer builds a Restorer.
func NewRestorer(logger *zap.Logger) *Restorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Restorer{logger: logger, now: time.Now}
}

// Result summarizes a completed restore.
type Result struct {
	Archive string `json:"archive"`
	Files   int    `json:"files"`
	// Skipped lists entries left out because their type is not restorable.
	Skipped []string `json:"skipped,omitempty"`
}

// Restore extracts archivePath into a staging directory next to exportDir, then swaps it in,
// carrying the archives directory over. Every entry is validated before anything is written,
// so a rejected archive leaves the live tree untouched. Entries outside the static allow-list
// (media the export copies but restore does not accept) are skipped and reported.
func (r *Restorer) Restore(ctx context.Context, archivePath, exportDir string) (Result, error) {
	archivesDir := filepath.Join(exportDir, pathutil.ArchivesDir)
	if filepath.Dir(filepath.Clean(archivePath)) != filepath.Clean(archivesDir) {
		return Result{}, fmt.Errorf("archive %q is not inside %s", archivePath, archivesDir)
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return Result{}, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close() //nolint:errcheck // read-only handle

	type planned struct {
		file *zip.File
		rel  string
	}
	plan := make([]planned, 0, len(zr.File))
	var skipped []string
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		rel, err := SanitizeEntryName(f.Name)
		if errors.Is(err, ErrUnsupportedType) {
			r.logger.Warn("skipping archive entry", zap.String("entry", f.Name), zap.Error(err))
			skipped = append(skipped, f.Name)
			continue
		}
		if err != nil {
			return Result{}, err
		}
		if pathutil.InArchives(rel) {
			continue
		}
		plan = append(plan, planned{file: f, rel: rel})
	}

	stamp := r.now().UTC().Format("20060102-150405")
	staging := filepath.Clean(exportDir) + ".restore-" + stamp
	previous := filepath.Clean(exportDir) + ".previous-" + stamp
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return Result{}, fmt.Errorf("create staging dir: %w", err)
	}
	for _, p := range plan {
		if err := ctx.Err(); err != nil {
			_ = DeleteTree(staging)
			return Result{}, err
		}
		dest, err := pathutil.Join(staging, p.rel)
		if err != nil {
			_ = DeleteTree(staging)
			return Result{}, fmt.Errorf("%w: %q", ErrTraversal, p.rel)
		}
		if err := ExtractEntry(p.file, dest); err != nil {
			_ = DeleteTree(staging)
			return Result{}, err
		}
	}
	// The archive handle must be released before its directory moves.
	_ = zr.Close()

	if err := MovePath(exportDir, previous); err != nil {
		_ = DeleteTree(staging)
		return Result{}, fmt.Errorf("move live export aside: %w", err)
	}
	if _, err := os.Stat(filepath.Join(previous, pathutil.ArchivesDir)); err == nil {
		if err := MovePath(filepath.Join(previous, pathutil.ArchivesDir), filepath.Join(staging, pathutil.ArchivesDir)); err != nil {
			_ = MovePath(previous, exportDir)
			return Result{}, fmt.Errorf("carry archives: %w", err)
		}
	}
	if err := MovePath(staging, exportDir); err != nil {
		_ = MovePath(filepath.Join(staging, pathutil.ArchivesDir), filepath.Join(previous, pathutil.ArchivesDir))
		_ = MovePath(previous, exportDir)
		return Result{}, fmt.Errorf("move restored tree into place: %w", err)
	}
	if err := DeleteTree(previous); err != nil {
		r.logger.Warn("failed to delete previous export tree", zap.String("path", previous), zap.Error(err))
	}

	r.logger.Info("archive restored",
		zap.String("archive", filepath.Base(archivePath)),
		zap.Int("files", len(plan)),
		zap.Int("skipped", len(skipped)))
	return Result{Archive: filepath.Base(archivePath), Files: len(plan), Skipped: skipped}, nil
}
