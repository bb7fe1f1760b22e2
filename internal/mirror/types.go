// Package mirror defines the job state model shared by the export and deploy pipelines.
package mirror

import (
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/sitemirror/internal/manifest"
)

// JobType identifies which pipeline owns the current job.
type JobType string

// Job types.
const (
	JobTypeNone   JobType = ""
	JobTypeExport JobType = "export"
	JobTypeDeploy JobType = "deploy"
)

// JobStatus enumerates lifecycle states.
type JobStatus string

// Job statuses.
const (
	StatusIdle      JobStatus = "idle"
	StatusRunning   JobStatus = "running"
	StatusPaused    JobStatus = "paused"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Active reports whether the job still has ticks to run.
func (s JobStatus) Active() bool {
	return s == StatusRunning || s == StatusPaused
}

// Terminal reports whether the job has reached a stable end state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Export stages.
const (
	StageDiscover   = "discover"
	StageExportHTML = "export_html"
	StageCopyAssets = "copy_assets"
	StageFinalize   = "finalize"
	StageZipPrepare = "zip_prepare"
	StageZipBuild   = "zip_build"
)

// Deploy stages.
const (
	StageDeployInit  = "init"
	StagePushBatches = "push_batches"
)

// AssetScope selects how much of the static tree an export copies.
type AssetScope string

// Asset scope modes.
const (
	AssetScopeReferenced AssetScope = "referenced"
	AssetScopeBalanced   AssetScope = "balanced"
)

// VirtualPrefix marks deploy queue entries whose content is synthesized.
const VirtualPrefix = "__virtual__:"

// Log bounds.
const (
	LogCap      = 500
	ErrorCap    = 500
	LogTailSize = 200
	ErrTailSize = 50
)

// Progress tracks the cursor of the current stage.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// AssetTask is a single file copy from the content root into the export tree.
type AssetTask struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
	Rel  string `json:"rel"`
}

// ZipState tracks incremental archive construction.
type ZipState struct {
	Path  string   `json:"zip_path"`
	Files []string `json:"files"`
	Index int      `json:"index"`
}

// ExportResult summarizes a finished export.
type ExportResult struct {
	FileCount    int       `json:"file_count"`
	TotalBytes   int64     `json:"total_bytes"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
	ManifestPath string    `json:"manifest_path,omitempty"`
	ZipPath      string    `json:"zip_path,omitempty"`
	OffsiteURI   string    `json:"offsite_uri,omitempty"`
}

// ExportState holds the settings snapshot and cursors of an export job.
type ExportState struct {
	ExportDir      string          `json:"export_dir"`
	PublicBaseURL  string          `json:"public_base_url"`
	AssetScope     AssetScope      `json:"asset_scope_mode"`
	IgnoreEnabled  bool            `json:"ignore_enabled"`
	IgnorePatterns []string        `json:"ignore_patterns"`
	ZipEnabled     bool            `json:"zip_enabled"`
	URLs           []string        `json:"urls"`
	URLsIndex      int             `json:"urls_index"`
	AssetQueue     []AssetTask     `json:"asset_queue"`
	AssetSeen      map[string]bool `json:"asset_seen"`
	AssetIndex     int             `json:"asset_index"`
	Zip            ZipState        `json:"zip_state"`
	Result         ExportResult    `json:"result"`
}

// Enqueue adds an asset task unless its relative path was already seen.
// It reports whether the task was added.
func (e *ExportState) Enqueue(task AssetTask) bool {
	if e.AssetSeen == nil {
		e.AssetSeen = make(map[string]bool)
	}
	if e.AssetSeen[task.Rel] {
		return false
	}
	e.AssetSeen[task.Rel] = true
	e.AssetQueue = append(e.AssetQueue, task)
	return true
}

// DeployState holds the repository coordinates and cursors of a deploy job.
// The access token is never persisted; the remote client carries it.
type DeployState struct {
	Owner        string            `json:"owner"`
	Repo         string            `json:"repo"`
	Branch       string            `json:"branch"`
	PathPrefix   string            `json:"path_prefix"`
	NoJekyll     bool              `json:"nojekyll"`
	CNAME        string            `json:"cname"`
	CleanRemoved bool              `json:"clean_removed"`
	ExportDir    string            `json:"export_dir"`
	ManifestFile string            `json:"manifest_file"`
	Queue        []string          `json:"queue"`
	QueueIndex   int               `json:"queue_index"`
	Deletions    []string          `json:"deletions"`
	DelIndex     int               `json:"del_index"`
	Failed       []string          `json:"failed"`
	Manifest     manifest.Manifest `json:"manifest,omitempty"`
	BaseCommit   string            `json:"base_commit"`
	BaseTree     string            `json:"base_tree"`
	LastCommit   string            `json:"last_commit"`
	PauseUntil   time.Time         `json:"pause_until,omitzero"`
	PauseReason  string            `json:"pause_reason"`
}

// Clone returns a copy whose slices can be mutated without touching d.
func (d DeployState) Clone() DeployState {
	out := d
	out.Queue = append([]string(nil), d.Queue...)
	out.Deletions = append([]string(nil), d.Deletions...)
	out.Failed = append([]string(nil), d.Failed...)
	return out
}

// PathPrefixClean returns the prefix normalized to "dir/" or "".
func (d DeployState) PathPrefixClean() string {
	return CleanPrefix(d.PathPrefix)
}

// JobState is the single persisted job record.
type JobState struct {
	JobID           string       `json:"job_id"`
	Type            JobType      `json:"type"`
	Status          JobStatus    `json:"status"`
	Stage           string       `json:"stage"`
	Progress        Progress     `json:"progress"`
	Message         string       `json:"message"`
	StartedAt       time.Time    `json:"started_at,omitzero"`
	UpdatedAt       time.Time    `json:"updated_at,omitzero"`
	Log             []string     `json:"log"`
	Errors          []string     `json:"errors"`
	CancelRequested bool         `json:"cancel_requested"`
	Export          *ExportState `json:"export,omitempty"`
	Deploy          *DeployState `json:"deploy,omitempty"`
}

// DefaultState returns the quiescent record used when nothing is persisted.
func DefaultState() JobState {
	return JobState{
		Status: StatusIdle,
		Log:    []string{},
		Errors: []string{},
	}
}

// NewJob returns a fresh running record for the given job type.
func NewJob(id string, jobType JobType, stage string, now time.Time) JobState {
	st := DefaultState()
	st.JobID = id
	st.Type = jobType
	st.Status = StatusRunning
	st.Stage = stage
	st.StartedAt = now
	st.UpdatedAt = now
	return st
}

// Logf appends a timestamped line, evicting the oldest beyond LogCap.
func (s *JobState) Logf(now time.Time, format string, args ...any) {
	line := fmt.Sprintf("[%s UTC] %s", now.UTC().Format(time.DateTime), fmt.Sprintf(format, args...))
	s.Log = appendCapped(s.Log, LogCap, line)
}

// AddError records an error string, evicting the oldest beyond ErrorCap.
func (s *JobState) AddError(msg string) {
	s.Errors = appendCapped(s.Errors, ErrorCap, msg)
}

// Fail marks the job failed with a user-facing message and optional detail.
func (s *JobState) Fail(now time.Time, message, detail string) {
	s.Status = StatusFailed
	s.Message = message
	if detail != "" {
		s.AddError(detail)
	}
	s.Logf(now, "ERROR: %s", message)
}

// SetStage moves to a new stage and resets progress.
func (s *JobState) SetStage(stage, message string, total int) {
	s.Stage = stage
	s.Message = message
	s.Progress = Progress{Current: 0, Total: total}
}

// Advance sets progress.current, clamped to the total.
func (s *JobState) Advance(current int) {
	s.Progress.Current = min(current, s.Progress.Total)
}

// CleanPrefix normalizes a repository path prefix to "dir/" or "".
func CleanPrefix(prefix string) string {
	p := strings.Trim(strings.TrimSpace(prefix), "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func appendCapped(list []string, limit int, v string) []string {
	list = append(list, v)
	if len(list) > limit {
		list = append([]string(nil), list[len(list)-limit:]...)
	}
	return list
}

// Tail returns the last n entries of list.
func Tail(list []string, n int) []string {
	if len(list) <= n {
		return append([]string(nil), list...)
	}
	return append([]string(nil), list[len(list)-n:]...)
}
