package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/github"
	"github.com/JakeFAU/sitemirror/internal/manifest"
	"github.com/JakeFAU/sitemirror/internal/metrics"
	"github.com/JakeFAU/sitemirror/internal/mirror"
	"github.com/JakeFAU/sitemirror/internal/pathutil"
)

func (o *Orchestrator) runDeployTick(ctx context.Context, st *mirror.JobState) (time.Duration, error) {
	if st.CancelRequested {
		st.Status = mirror.StatusCancelled
		st.Message = "Deploy cancelled."
		st.Logf(o.clock.Now(), "Deploy cancelled by user.")
		return 0, nil
	}
	if st.Deploy == nil {
		return 0, &StageError{Stage: st.Stage, Message: "Deploy state is missing."}
	}
	if o.remote == nil {
		return 0, &StageError{Stage: st.Stage, Message: "GitHub client is not configured."}
	}

	switch st.Stage {
	case mirror.StageDeployInit:
		return o.deployInit(ctx, st)
	case mirror.StagePushBatches:
		return o.pushBatch(ctx, st)
	default:
		return 0, &StageError{Stage: st.Stage, Message: fmt.Sprintf("Unknown deploy stage %q.", st.Stage)}
	}
}

func repoOf(d mirror.DeployState) github.Repo {
	return github.Repo{Owner: d.Owner, Name: d.Repo}
}

// deployInit computes the upload queue and reads the branch head. The sub-state
// is only adopted once the remote base is known.
func (o *Orchestrator) deployInit(ctx context.Context, st *mirror.JobState) (time.Duration, error) {
	const stage = mirror.StageDeployInit
	st.Logf(o.clock.Now(), "Initializing GitHub deploy...")
	d := st.Deploy.Clone()

	current, rebuilt, err := manifest.LoadOrBuild(d.ManifestFile, d.ExportDir, o.hasher)
	if err != nil {
		return 0, stageErr(stage, "Failed to load export manifest.", err)
	}
	if rebuilt {
		st.Logf(o.clock.Now(), "Manifest rebuilt from export directory.")
	}
	last, err := o.store.LoadLastManifest(ctx)
	if err != nil {
		return 0, stageErr(stage, "Failed to load last deployed manifest.", err)
	}

	queue, deletions := manifest.Diff(current, last, d.CleanRemoved)
	prefix := d.PathPrefixClean()
	if d.NoJekyll {
		queue = append(queue, mirror.VirtualPrefix+prefix+".nojekyll")
	}
	if d.CNAME != "" {
		queue = append(queue, mirror.VirtualPrefix+prefix+"CNAME")
	}
	d.Queue = queue
	d.QueueIndex = 0
	d.Deletions = deletions
	d.DelIndex = 0
	d.Failed = []string{}
	d.Manifest = current

	repo := repoOf(d)
	ref, err := o.remote.GetBranchRef(ctx, repo, d.Branch)
	if err != nil {
		return 0, stageErr(stage, "Failed to read branch ref.", err)
	}
	if github.IsRateLimited(ref.StatusCode, ref.Header) {
		return o.pause(st, ref.Header, "Rate limited while reading branch ref."), nil
	}
	baseCommit := ref.String("object", "sha")
	if ref.StatusCode != http.StatusOK || baseCommit == "" {
		return 0, &StageError{Stage: stage,
			Message: "Failed to read branch ref. Ensure the branch exists and the token has repo permissions.",
			Detail:  ref.Detail()}
	}

	commit, err := o.remote.GetCommit(ctx, repo, baseCommit)
	if err != nil {
		return 0, stageErr(stage, "Failed to read base commit.", err)
	}
	if github.IsRateLimited(commit.StatusCode, commit.Header) {
		return o.pause(st, commit.Header, "Rate limited while reading commit."), nil
	}
	baseTree := commit.String("tree", "sha")
	if commit.StatusCode != http.StatusOK || baseTree == "" {
		return 0, &StageError{Stage: stage, Message: "Failed to read base commit tree.", Detail: commit.Detail()}
	}

	d.BaseCommit = baseCommit
	d.BaseTree = baseTree
	*st.Deploy = d
	st.SetStage(mirror.StagePushBatches, "Deploying to GitHub...", len(queue)+len(deletions))
	st.Logf(o.clock.Now(), "Deploy queue prepared. Changed/new files: %d, deletions: %d", len(queue), len(deletions))
	o.logger.Info("deploy queue prepared",
		zap.String("job_id", st.JobID),
		zap.Int("queue", len(queue)),
		zap.Int("deletions", len(deletions)))
	return o.settings.TickDelay, nil
}

// pushBatch uploads one batch of blobs and chains a commit on top of the current base.
// It works on a copy of the deploy sub-state: a rate limit anywhere in the batch leaves
// the persisted cursors and failed list exactly as they were before the batch.
func (o *Orchestrator) pushBatch(ctx context.Context, st *mirror.JobState) (time.Duration, error) {
	const stage = mirror.StagePushBatches
	d := st.Deploy.Clone()
	repo := repoOf(d)
	prefix := d.PathPrefixClean()
	batch := o.settings.Batch.DeployFiles

	var entries []github.TreeEntry
	processed := 0
	for d.QueueIndex < len(d.Queue) && processed < batch {
		item := d.Queue[d.QueueIndex]
		d.QueueIndex++
		processed++

		treePath, content, ok := o.itemContent(d, item, prefix)
		if !ok {
			continue
		}
		if content == nil {
			d.Failed = append(d.Failed, item)
			metrics.ObserveItem(stage, "failed")
			continue
		}
		blob, err := o.remote.CreateBlob(ctx, repo, base64.StdEncoding.EncodeToString(content))
		if err != nil {
			d.Failed = append(d.Failed, item)
			metrics.ObserveItem(stage, "failed")
			o.logger.Warn("create blob failed", zap.String("job_id", st.JobID), zap.String("path", item), zap.Error(err))
			continue
		}
		if github.IsRateLimited(blob.StatusCode, blob.Header) {
			return o.pause(st, blob.Header, "Rate limited while creating blob."), nil
		}
		sha := blob.String("sha")
		if blob.StatusCode != http.StatusCreated || sha == "" {
			d.Failed = append(d.Failed, item)
			metrics.ObserveItem(stage, "failed")
			continue
		}
		entries = append(entries, github.FileEntry(treePath, sha))
		metrics.ObserveItem(stage, "ok")
	}

	if d.QueueIndex >= len(d.Queue) {
		for d.DelIndex < len(d.Deletions) && processed < batch {
			entries = append(entries, github.DeleteEntry(prefix+d.Deletions[d.DelIndex]))
			d.DelIndex++
			processed++
		}
	}

	if len(entries) == 0 {
		*st.Deploy = d
		st.Advance(d.QueueIndex + d.DelIndex)
		if deployDone(d) {
			return o.finalizeDeploy(ctx, st)
		}
		return o.settings.TickDelay, nil
	}

	tree, err := o.remote.CreateTree(ctx, repo, d.BaseTree, entries)
	if err != nil {
		return 0, stageErr(stage, "Failed to create tree.", err)
	}
	if github.IsRateLimited(tree.StatusCode, tree.Header) {
		return o.pause(st, tree.Header, "Rate limited while creating tree."), nil
	}
	treeSHA := tree.String("sha")
	if tree.StatusCode != http.StatusCreated || treeSHA == "" {
		return 0, &StageError{Stage: stage, Message: "Failed to create tree.", Detail: tree.Detail()}
	}

	msg := fmt.Sprintf("sitemirror deploy: %s UTC", o.clock.Now().UTC().Format(time.DateTime))
	commit, err := o.remote.CreateCommit(ctx, repo, msg, treeSHA, d.BaseCommit)
	if err != nil {
		return 0, stageErr(stage, "Failed to create commit.", err)
	}
	if github.IsRateLimited(commit.StatusCode, commit.Header) {
		return o.pause(st, commit.Header, "Rate limited while creating commit."), nil
	}
	commitSHA := commit.String("sha")
	commitTree := commit.String("tree", "sha")
	if commit.StatusCode != http.StatusCreated || commitSHA == "" || commitTree == "" {
		return 0, &StageError{Stage: stage, Message: "Failed to create commit.", Detail: commit.Detail()}
	}

	upd, err := o.remote.UpdateRef(ctx, repo, d.Branch, commitSHA, o.settings.Deploy.ForceUpdate)
	if err != nil {
		return 0, stageErr(stage, "Failed to update branch ref.", err)
	}
	if github.IsRateLimited(upd.StatusCode, upd.Header) {
		return o.pause(st, upd.Header, "Rate limited while updating ref."), nil
	}
	if upd.StatusCode != http.StatusOK {
		return 0, &StageError{Stage: stage, Message: "Failed to update branch ref.", Detail: upd.Detail()}
	}

	d.BaseCommit = commitSHA
	d.BaseTree = commitTree
	d.LastCommit = commitSHA
	*st.Deploy = d
	st.Advance(d.QueueIndex + d.DelIndex)
	st.Logf(o.clock.Now(), "Committed batch. Queue: %d/%d", d.QueueIndex, len(d.Queue))
	o.logger.Info("committed batch",
		zap.String("job_id", st.JobID),
		zap.String("commit", commitSHA),
		zap.Int("entries", len(entries)))

	if deployDone(d) {
		return o.finalizeDeploy(ctx, st)
	}
	return o.settings.TickDelay, nil
}

// itemContent resolves a queue item to its tree path and bytes. ok is false for
// items that are skipped outright; a nil content with ok set marks a failed item.
func (o *Orchestrator) itemContent(d mirror.DeployState, item, prefix string) (string, []byte, bool) {
	if virtual, found := strings.CutPrefix(item, mirror.VirtualPrefix); found {
		content := []byte{}
		if strings.HasSuffix(virtual, "CNAME") {
			content = []byte(d.CNAME)
		}
		return virtual, content, true
	}
	if pathutil.IsExecutable(item) {
		return "", nil, false
	}
	abs, err := pathutil.Join(d.ExportDir, item)
	if err != nil {
		return prefix + item, nil, true
	}
	data, err := os.ReadFile(abs) // #nosec G304 -- abs is confined to the export dir.
	if err != nil {
		return prefix + item, nil, true
	}
	if data == nil {
		data = []byte{}
	}
	return prefix + item, data, true
}

func deployDone(d mirror.DeployState) bool {
	return d.QueueIndex >= len(d.Queue) && d.DelIndex >= len(d.Deletions)
}

func (o *Orchestrator) finalizeDeploy(ctx context.Context, st *mirror.JobState) (time.Duration, error) {
	d := st.Deploy
	now := o.clock.Now()
	if len(d.Failed) > 0 {
		st.Status = mirror.StatusFailed
		st.Message = "Deploy finished with failures. Retry the failed items."
		for _, item := range d.Failed {
			st.AddError(item)
		}
		st.Logf(now, "Deploy finished with %d failed items.", len(d.Failed))
		return 0, nil
	}
	if err := o.store.SaveLastManifest(ctx, d.Manifest); err != nil {
		return 0, stageErr(mirror.StagePushBatches, "Failed to save deploy baseline.", err)
	}
	st.Status = mirror.StatusCompleted
	st.Message = "Deploy completed."
	st.Logf(now, "Deploy completed successfully.")
	return 0, nil
}

// pause parks the job until the remote quota resets and returns the reschedule delay.
func (o *Orchestrator) pause(st *mirror.JobState, header http.Header, reason string) time.Duration {
	now := o.clock.Now()
	until := github.ResumeAt(header, now)
	if !until.After(now) {
		until = now.Add(time.Minute)
	}
	st.Status = mirror.StatusPaused
	st.Message = "Paused due to GitHub rate limit."
	st.Deploy.PauseUntil = until
	st.Deploy.PauseReason = reason
	st.Logf(now, "Paused (rate limit). Resume after %s UTC.", until.UTC().Format(time.DateTime))
	metrics.ObserveRateLimitPause()
	o.logger.Warn("deploy paused by rate limit",
		zap.String("job_id", st.JobID),
		zap.String("reason", reason),
		zap.Time("until", until))
	return clamp(until.Sub(now), rateLimitMin, rateLimitMax)
}
