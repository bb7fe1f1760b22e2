package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/archive"
	"github.com/JakeFAU/sitemirror/internal/assets"
	"github.com/JakeFAU/sitemirror/internal/manifest"
	"github.com/JakeFAU/sitemirror/internal/metrics"
	"github.com/JakeFAU/sitemirror/internal/mirror"
	"github.com/JakeFAU/sitemirror/internal/pathutil"
)

const offsitePrefix = "archives/"

func (o *Orchestrator) runExportTick(ctx context.Context, st *mirror.JobState) (time.Duration, error) {
	ex := st.Export
	if ex == nil {
		return 0, &StageError{Stage: st.Stage, Message: "Export state is missing."}
	}
	if err := ensureWritableDir(ex.ExportDir); err != nil {
		return 0, stageErr(st.Stage, "Export directory is not writable. Check permissions.", err)
	}

	switch st.Stage {
	case mirror.StageDiscover:
		return o.discover(ctx, st)
	case mirror.StageExportHTML:
		return o.exportHTML(ctx, st)
	case mirror.StageCopyAssets:
		return o.copyAssets(st)
	case mirror.StageFinalize:
		return o.finalizeExport(st)
	case mirror.StageZipPrepare:
		return o.zipPrepare(st)
	case mirror.StageZipBuild:
		return o.zipBuild(ctx, st)
	default:
		return 0, &StageError{Stage: st.Stage, Message: fmt.Sprintf("Unknown export stage %q.", st.Stage)}
	}
}

func (o *Orchestrator) discover(ctx context.Context, st *mirror.JobState) (time.Duration, error) {
	now := o.clock.Now()
	st.Logf(now, "Discovering URLs...")
	urls, err := o.source.DiscoverURLs(ctx)
	if err != nil {
		return 0, stageErr(mirror.StageDiscover, "Failed to discover URLs.", err)
	}
	st.Export.URLs = urls
	st.Export.URLsIndex = 0
	st.SetStage(mirror.StageExportHTML, "Exporting HTML...", len(urls))
	st.Logf(now, "Discovered %d URLs.", len(urls))
	return o.settings.TickDelay, nil
}

func (o *Orchestrator) exportHTML(ctx context.Context, st *mirror.JobState) (time.Duration, error) {
	ex := st.Export
	ignore := ignoreMatcher(ex)
	batch := o.settings.Batch.ExportURLs

	for processed := 0; ex.URLsIndex < len(ex.URLs) && processed < batch; processed++ {
		u := ex.URLs[ex.URLsIndex]
		ex.URLsIndex++
		o.exportPage(ctx, st, u, ignore)
	}
	st.Advance(ex.URLsIndex)

	if ex.URLsIndex < len(ex.URLs) {
		return o.settings.TickDelay, nil
	}

	if ex.AssetScope == mirror.AssetScopeBalanced {
		st.Logf(o.clock.Now(), "Balanced mode: adding media and theme assets.")
		err := assets.WalkBalanced(o.mapper.ContentRoot(), o.settings.BalancedDirs, ex.ExportDir, ignore,
			func(task mirror.AssetTask) { ex.Enqueue(task) })
		if err != nil {
			st.Logf(o.clock.Now(), "Balanced scan incomplete: %v", err)
			st.AddError("balanced: " + err.Error())
		}
	}
	st.SetStage(mirror.StageCopyAssets, "Copying assets...", len(ex.AssetQueue))
	return o.settings.TickDelay, nil
}

func (o *Orchestrator) exportPage(ctx context.Context, st *mirror.JobState, u string, ignore *assets.IgnoreMatcher) {
	ex := st.Export
	page, err := o.fetcher.Fetch(ctx, u)
	if err == nil && (page.StatusCode < 200 || page.StatusCode >= 300) {
		err = fmt.Errorf("unexpected HTTP status %d", page.StatusCode)
	}
	if err != nil {
		st.Logf(o.clock.Now(), "Fetch failed: %s (%v)", u, err)
		st.AddError(u + ": " + err.Error())
		metrics.ObserveItem(mirror.StageExportHTML, "failed")
		o.logger.Warn("fetch failed", zap.String("job_id", st.JobID), zap.String("url", u), zap.Error(err))
		return
	}

	html := string(page.Body)
	if o.rewriter != nil {
		html = o.rewriter.RewriteInternalURLs(html)
	}
	dest, err := pathutil.PageFile(ex.ExportDir, u)
	if err == nil {
		err = writeFile(dest, []byte(html))
	}
	if err != nil {
		st.Logf(o.clock.Now(), "Write failed: %s (%v)", dest, err)
		st.AddError(dest + ": " + err.Error())
		metrics.ObserveItem(mirror.StageExportHTML, "failed")
		return
	}

	for _, ref := range assets.CollectFromMarkup(html, ex.PublicBaseURL) {
		o.enqueueAsset(ex, ref, ignore)
	}
	st.Logf(o.clock.Now(), "Exported: %s", u)
	metrics.ObserveItem(mirror.StageExportHTML, "ok")
}

func (o *Orchestrator) enqueueAsset(ex *mirror.ExportState, ref string, ignore *assets.IgnoreMatcher) bool {
	task, ok := o.mapper.MapURLToFile(ref, ex.ExportDir)
	if !ok || ignore.IsIgnored(task.Rel) {
		return false
	}
	return ex.Enqueue(task)
}

func (o *Orchestrator) copyAssets(st *mirror.JobState) (time.Duration, error) {
	ex := st.Export
	ignore := ignoreMatcher(ex)
	batch := o.settings.Batch.AssetFiles

	for processed := 0; ex.AssetIndex < len(ex.AssetQueue) && processed < batch; processed++ {
		task := ex.AssetQueue[ex.AssetIndex]
		ex.AssetIndex++
		if task.Src == "" || task.Dest == "" || ignore.IsIgnored(task.Rel) {
			continue
		}
		if assets.SameSize(task.Src, task.Dest) {
			metrics.ObserveItem(mirror.StageCopyAssets, "skipped")
			continue
		}
		if err := assets.CopyOne(task.Src, task.Dest); err != nil {
			st.Logf(o.clock.Now(), "Asset copy failed: %s (%v)", task.Rel, err)
			st.AddError("asset:" + task.Rel + ": " + err.Error())
			metrics.ObserveItem(mirror.StageCopyAssets, "failed")
			continue
		}
		if pathutil.Ext(task.Dest) == "css" {
			if o.enqueueStylesheetDeps(ex, task, ignore) > 0 {
				st.Progress.Total = len(ex.AssetQueue)
			}
		}
		st.Logf(o.clock.Now(), "Copied asset: %s", task.Rel)
		metrics.ObserveItem(mirror.StageCopyAssets, "ok")
	}
	st.Advance(ex.AssetIndex)

	if ex.AssetIndex >= len(ex.AssetQueue) {
		st.SetStage(mirror.StageFinalize, "Finalizing export...", 0)
	}
	return o.settings.TickDelay, nil
}

// enqueueStylesheetDeps scans a copied stylesheet for url() and @import
// references and returns how many new tasks were queued.
func (o *Orchestrator) enqueueStylesheetDeps(ex *mirror.ExportState, task mirror.AssetTask, ignore *assets.IgnoreMatcher) int {
	css, err := os.ReadFile(task.Dest) // #nosec G304 -- dest is inside the export dir.
	if err != nil {
		return 0
	}
	added := 0
	cssURLPath := "/" + strings.TrimLeft(task.Rel, "/")
	for _, dep := range assets.CollectFromCSS(string(css)) {
		resolved, ok := assets.ResolveCSSDep(dep, cssURLPath)
		if !ok {
			continue
		}
		if strings.HasPrefix(resolved, "/") && !strings.HasPrefix(resolved, "//") {
			resolved = strings.TrimRight(ex.PublicBaseURL, "/") + resolved
		}
		if o.enqueueAsset(ex, resolved, ignore) {
			added++
		}
	}
	return added
}

func (o *Orchestrator) finalizeExport(st *mirror.JobState) (time.Duration, error) {
	ex := st.Export
	now := o.clock.Now()
	manifestPath := filepath.Join(ex.ExportDir, manifest.FileName)

	m, err := manifest.Build(ex.ExportDir, o.hasher)
	if err != nil {
		return 0, stageErr(mirror.StageFinalize, "Failed to build export manifest.", err)
	}
	if err := manifest.Save(manifestPath, m); err != nil {
		return 0, stageErr(mirror.StageFinalize, "Failed to write export manifest.", err)
	}
	files, size, err := manifest.Stats(ex.ExportDir)
	if err != nil {
		return 0, stageErr(mirror.StageFinalize, "Failed to measure export directory.", err)
	}
	ex.Result = mirror.ExportResult{
		FileCount:    files,
		TotalBytes:   size,
		FinishedAt:   now,
		ManifestPath: manifestPath,
	}
	st.Logf(now, "Export complete. Files: %d, Size: %s", files, humanize.Bytes(uint64(max(size, 0))))

	if ex.ZipEnabled {
		st.SetStage(mirror.StageZipPrepare, "Preparing ZIP...", 0)
		return o.settings.TickDelay, nil
	}
	st.Status = mirror.StatusCompleted
	st.Message = "Export completed."
	return 0, nil
}

func (o *Orchestrator) zipPrepare(st *mirror.JobState) (time.Duration, error) {
	ex := st.Export
	dir, err := archive.EnsureArchivesDir(ex.ExportDir)
	if err != nil {
		return 0, stageErr(mirror.StageZipPrepare, "Archive directory is not writable.", err)
	}
	files, err := archive.ListExportFiles(ex.ExportDir)
	if err != nil {
		return 0, stageErr(mirror.StageZipPrepare, "Failed to list export files.", err)
	}
	zipPath := archive.BuildZipPath(dir, o.clock.Now())
	ex.Zip = mirror.ZipState{Path: zipPath, Files: files, Index: 0}
	st.SetStage(mirror.StageZipBuild, "Building ZIP...", len(files))
	st.Logf(o.clock.Now(), "ZIP started: %s (%d files).", filepath.Base(zipPath), len(files))
	return o.settings.TickDelay, nil
}

func (o *Orchestrator) zipBuild(ctx context.Context, st *mirror.JobState) (time.Duration, error) {
	ex := st.Export
	zs := &ex.Zip
	next, added, err := archive.AddBatch(zs.Path, ex.ExportDir, zs.Files, zs.Index, o.settings.Batch.ZipFiles)
	if err != nil {
		return 0, stageErr(mirror.StageZipBuild, "Failed to build ZIP archive.", err)
	}
	for range added {
		metrics.ObserveItem(mirror.StageZipBuild, "ok")
	}
	zs.Index = next
	st.Advance(next)
	if next < len(zs.Files) {
		return o.settings.TickDelay, nil
	}

	ex.Result.ZipPath = zs.Path
	st.Status = mirror.StatusCompleted
	st.Message = "Export completed (ZIP created)."
	st.Logf(o.clock.Now(), "ZIP complete: %s", filepath.Base(zs.Path))
	o.copyOffsite(ctx, st)
	return 0, nil
}

// copyOffsite uploads the finished archive to the configured blob store.
// Failures are recorded but never fail the export.
func (o *Orchestrator) copyOffsite(ctx context.Context, st *mirror.JobState) {
	if o.archives == nil {
		return
	}
	ex := st.Export
	f, err := os.Open(ex.Result.ZipPath) // #nosec G304 -- path was built by the archive stage.
	if err != nil {
		st.Logf(o.clock.Now(), "Offsite copy failed: %v", err)
		st.AddError("offsite: " + err.Error())
		return
	}
	defer f.Close() //nolint:errcheck // read-only handle

	uri, err := o.archives.PutObject(ctx, offsitePrefix+filepath.Base(ex.Result.ZipPath), "application/zip", f)
	if err != nil {
		st.Logf(o.clock.Now(), "Offsite copy failed: %v", err)
		st.AddError("offsite: " + err.Error())
		o.logger.Warn("offsite archive copy failed", zap.String("job_id", st.JobID), zap.Error(err))
		return
	}
	ex.Result.OffsiteURI = uri
	st.Logf(o.clock.Now(), "Archive copied to %s", uri)
}

func ignoreMatcher(ex *mirror.ExportState) *assets.IgnoreMatcher {
	if !ex.IgnoreEnabled {
		return nil
	}
	return assets.NewIgnoreMatcher(ex.IgnorePatterns)
}

func ensureWritableDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("export directory is not configured")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".write-probe-*")
	if err != nil {
		return fmt.Errorf("probe export dir: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

func writeFile(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil { // #nosec G306 -- exported pages are public.
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}
