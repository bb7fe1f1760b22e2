package mirror

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/sitemirror/internal/manifest"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// StateStore persists the job record, the last-deployed manifest, and the tick lock.
type StateStore interface {
	// LoadState returns DefaultState when nothing has been saved yet.
	LoadState(ctx context.Context) (JobState, error)
	SaveState(ctx context.Context, state JobState) error
	// LoadLastManifest returns an empty manifest when no deploy has completed.
	LoadLastManifest(ctx context.Context) (manifest.Manifest, error)
	SaveLastManifest(ctx context.Context, m manifest.Manifest) error
	Locker
}

// Locker is an advisory lock with a hard expiry so a crashed holder cannot wedge ticks.
type Locker interface {
	// TryLock returns false without error when another owner holds an unexpired lock.
	TryLock(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, owner string) error
}

// Page is a fetched HTML document.
type Page struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher retrieves a single page. Transport failures are errors; HTTP status is reported in Page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// URLSource yields the canonical list of URLs to export.
type URLSource interface {
	DiscoverURLs(ctx context.Context) ([]string, error)
}

// BlobStore persists an artifact and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher emits job lifecycle notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Scheduler asks the caller-owned timer to invoke the next tick after delay.
type Scheduler interface {
	Schedule(delay time.Duration)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and lock-owner identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// JobEvent is published when a job reaches a terminal status.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	Type       JobType   `json:"type"`
	Status     JobStatus `json:"status"`
	Message    string    `json:"message"`
	FinishedAt time.Time `json:"finished_at"`
	LastCommit string    `json:"last_commit,omitempty"`
	ZipPath    string    `json:"zip_path,omitempty"`
	Failed     int       `json:"failed_count"`
}
