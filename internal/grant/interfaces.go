package grant

import (
	"context"
	"io"
	"time"
)

// Clock abstracts time so scheduling and backoff can be driven by tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Engine fetches a source and extracts candidate records.
type Engine interface {
	Kind() EngineKind
	Fetch(ctx context.Context, src Source) (FetchResult, error)
}

// SourceStore persists sources and their health.
type SourceStore interface {
	ListSources(ctx context.Context) ([]Source, error)
	GetSource(ctx context.Context, id string) (Source, error)
	// UpsertSource writes configuration fields and leaves health untouched.
	UpsertSource(ctx context.Context, src Source) error
	UpdateSourceHealth(ctx context.Context, id string, health Health, at time.Time) error
	SetSourceStatus(ctx context.Context, id string, status SourceStatus, at time.Time) error
}

// JobStore persists job records.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	MarkJobRunning(ctx context.Context, id string, startedAt time.Time) error
	// CompleteJob records the terminal state. Inserted and updated counters are
	// owned by CatalogStore.UpsertGrant and are not overwritten.
	CompleteJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobsSince(ctx context.Context, since time.Time) ([]Job, error)
	LatestJobs(ctx context.Context) (map[string]Job, error)
}

// CatalogStore persists funders and grants.
type CatalogStore interface {
	// UpsertGrant resolves the funder, upserts the grant by fingerprint and
	// bumps the job counters in a single transaction.
	UpsertGrant(ctx context.Context, in GrantUpsert) (UpsertOutcome, error)
	GetGrantByFingerprint(ctx context.Context, fingerprint string) (Grant, error)
}

// Store is the full persistent catalog.
type Store interface {
	SourceStore
	JobStore
	CatalogStore
	Close()
}

// BlobStore archives raw page bodies.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher delivers payloads to a message backend.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
