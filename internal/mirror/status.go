package mirror

import "time"

// StatusView is the polling payload returned to dashboards and the CLI.
type StatusView struct {
	JobID     string        `json:"job_id"`
	Type      JobType       `json:"type"`
	Status    JobStatus     `json:"status"`
	Stage     string        `json:"stage"`
	Message   string        `json:"message"`
	Progress  Progress      `json:"progress"`
	UpdatedAt time.Time     `json:"updated_at,omitzero"`
	Log       []string      `json:"log"`
	Errors    []string      `json:"errors"`
	Export    ExportSummary `json:"export"`
	Deploy    DeploySummary `json:"deploy"`
}

// ExportSummary is the export portion of StatusView.
type ExportSummary struct {
	ExportDir string       `json:"export_dir"`
	Result    ExportResult `json:"result"`
	ZipPath   string       `json:"zip_path"`
}

// DeploySummary is the deploy portion of StatusView.
type DeploySummary struct {
	PauseReason string    `json:"pause_reason"`
	PauseUntil  time.Time `json:"pause_until,omitzero"`
	LastCommit  string    `json:"last_commit"`
	FailedCount int       `json:"failed_count"`
}

// View projects the job record onto the status surface.
func (s JobState) View() StatusView {
	v := StatusView{
		JobID:     s.JobID,
		Type:      s.Type,
		Status:    s.Status,
		Stage:     s.Stage,
		Message:   s.Message,
		Progress:  s.Progress,
		UpdatedAt: s.UpdatedAt,
		Log:       Tail(s.Log, LogTailSize),
		Errors:    Tail(s.Errors, ErrTailSize),
	}
	if s.Export != nil {
		v.Export = ExportSummary{
			ExportDir: s.Export.ExportDir,
			Result:    s.Export.Result,
			ZipPath:   s.Export.Result.ZipPath,
		}
	}
	if s.Deploy != nil {
		v.Deploy = DeploySummary{
			PauseReason: s.Deploy.PauseReason,
			PauseUntil:  s.Deploy.PauseUntil,
			LastCommit:  s.Deploy.LastCommit,
			FailedCount: len(s.Deploy.Failed),
		}
	}
	return v
}
