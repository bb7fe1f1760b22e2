package mirror

import "time"

// Settings is the validated configuration snapshot the orchestrator runs with.
type Settings struct {
	ExportDir      string
	PublicBaseURL  string
	AssetScope     AssetScope
	IgnoreEnabled  bool
	IgnorePatterns []string
	ZipEnabled     bool
	BalancedDirs   []string

	Deploy DeploySettings
	Batch  BatchSizes

	TickDelay time.Duration
	LockTTL   time.Duration
	// EventTopic names the topic terminal job events are published to.
	EventTopic string
}

// DeploySettings holds the repository coordinates copied into each deploy job.
type DeploySettings struct {
	Enabled      bool
	Owner        string
	Repo         string
	Branch       string
	PathPrefix   string
	CNAME        string
	NoJekyll     bool
	CleanRemoved bool
	ForceUpdate  bool
}

// BatchSizes bounds the work done by one tick in each stage.
type BatchSizes struct {
	ExportURLs  int
	AssetFiles  int
	ZipFiles    int
	DeployFiles int
}

// Default batch sizes and timings.
const (
	DefaultExportURLs  = 5
	DefaultAssetFiles  = 25
	DefaultZipFiles    = 200
	DefaultDeployFiles = 15
	DefaultTickDelay   = 3 * time.Second
	DefaultLockTTL     = 60 * time.Second
)

// WithDefaults fills zero values so a partially populated Settings is usable.
func (s Settings) WithDefaults() Settings {
	if s.AssetScope == "" {
		s.AssetScope = AssetScopeReferenced
	}
	if s.Batch.ExportURLs <= 0 {
		s.Batch.ExportURLs = DefaultExportURLs
	}
	if s.Batch.AssetFiles <= 0 {
		s.Batch.AssetFiles = DefaultAssetFiles
	}
	if s.Batch.ZipFiles <= 0 {
		s.Batch.ZipFiles = DefaultZipFiles
	}
	if s.Batch.DeployFiles <= 0 {
		s.Batch.DeployFiles = DefaultDeployFiles
	}
	if s.TickDelay <= 0 {
		s.TickDelay = DefaultTickDelay
	}
	if s.LockTTL <= 0 {
		s.LockTTL = DefaultLockTTL
	}
	return s
}
