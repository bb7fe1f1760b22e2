// Package archive builds zip snapshots of an export tree in resumable batches.
package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/JakeFAU/sitemirror/internal/pathutil"
)

// NamePrefix starts every archive file name.
const NamePrefix = "sitemirror-export-"

// ErrOutsideArchives is returned when a path does not name a file directly inside the archives dir.
var ErrOutsideArchives = errors.New("path is not an archive")

// Info describes a built archive.
type Info struct {
	Name    string    `json:"filename"`
	Path    string    `json:"file"`
	Bytes   int64     `json:"bytes"`
	ModTime time.Time `json:"mtime"`
}

// Dir returns the archives directory for exportDir.
func Dir(exportDir string) string {
	return filepath.Join(exportDir, pathutil.ArchivesDir)
}

// EnsureArchivesDir creates the archives dir and checks it is writable.
func EnsureArchivesDir(exportDir string) (string, error) {
	dir := Dir(exportDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create archives dir: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return "", fmt.Errorf("archives dir not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return dir, nil
}

// ListExportFiles returns the absolute paths of every archivable file under exportDir, sorted.
func ListExportFiles(exportDir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(exportDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := pathutil.Rel(exportDir, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if rel == pathutil.ArchivesDir {
				return fs.SkipDir
			}
			return nil
		}
		if pathutil.Ext(rel) == "php" {
			return nil
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list export files: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// BuildZipPath names a new archive inside archivesDir using now in UTC.
func BuildZipPath(archivesDir string, now time.Time) string {
	return filepath.Join(archivesDir, NamePrefix+now.UTC().Format("20060102-150405")+".zip")
}

// AddBatch appends files[start:start+batch] to the archive at zipPath, creating it on first use.
// Entry names are slash paths relative to root. It returns the next cursor and how many entries
// were written. Existing entries are carried over without recompression and the result replaces
// zipPath atomically, so an interrupted batch leaves the previous archive intact.
func AddBatch(zipPath, root string, files []string, start, batch int) (int, int, error) {
	if start < 0 {
		start = 0
	}
	end := min(len(files), start+max(batch, 0))
	if start >= end {
		return start, 0, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(zipPath), ".zip-batch-*")
	if err != nil {
		return start, 0, fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	zw := zip.NewWriter(tmp)
	if err := copyExisting(zw, zipPath); err != nil {
		_ = tmp.Close()
		return start, 0, err
	}

	added := 0
	i := start
	for ; i < end; i++ {
		rel, err := pathutil.Rel(root, files[i])
		if err != nil || strings.HasPrefix(rel, "../") {
			continue
		}
		if pathutil.IsExecutable(rel) {
			continue
		}
		if err := addFile(zw, files[i], rel); err != nil {
			_ = tmp.Close()
			return start, 0, err
		}
		added++
	}

	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		return start, 0, fmt.Errorf("finalize archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return start, 0, fmt.Errorf("close temp archive: %w", err)
	}
	if err := os.Rename(tmpName, zipPath); err != nil {
		return start, 0, fmt.Errorf("replace archive: %w", err)
	}
	committed = true
	return i, added, nil
}

func copyExisting(zw *zip.Writer, zipPath string) error {
	zr, err := zip.OpenReader(zipPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close() //nolint:errcheck // read-only handle
	for _, f := range zr.File {
		if err := zw.Copy(f); err != nil {
			return fmt.Errorf("carry entry %s: %w", f.Name, err)
		}
	}
	return nil
}

func addFile(zw *zip.Writer, abs, rel string) error {
	in, err := os.Open(abs) // #nosec G304 -- abs comes from ListExportFiles.
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer in.Close() //nolint:errcheck // read-only handle

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("header %s: %w", rel, err)
	}
	hdr.Name = rel
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", rel, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("write entry %s: %w", rel, err)
	}
	return nil
}

// ListArchives returns the zip files in exportDir's archives dir, newest first.
func ListArchives(exportDir string) ([]Info, error) {
	dir := Dir(exportDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Info{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archives dir: %w", err)
	}
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || pathutil.Ext(e.Name()) != "zip" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			Bytes:   info.Size(),
			ModTime: info.ModTime().UTC(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}

// Resolve returns the absolute path of the archive called name, refusing anything that is not
// a plain zip file name inside the archives dir.
func Resolve(exportDir, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || pathutil.Ext(name) != "zip" {
		return "", fmt.Errorf("%w: %q", ErrOutsideArchives, name)
	}
	dir := Dir(exportDir)
	full := filepath.Join(dir, name)
	if !pathutil.Within(dir, full) || full == filepath.Clean(dir) {
		return "", fmt.Errorf("%w: %q", ErrOutsideArchives, name)
	}
	return full, nil
}

// DeleteArchive removes the named archive.
func DeleteArchive(exportDir, name string) error {
	full, err := Resolve(exportDir, name)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %q", ErrOutsideArchives, name)
	}
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("delete archive: %w", err)
	}
	return nil
}
