package crawler

import (
	"context"
	"time"
)

// Fetcher retrieves the raw or rendered content of a URL.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, request FetchRequest) (FetchResponse, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error) {
	return f(ctx, request)
}

// Store is the idempotent write-through layer plus the reads the pipeline needs.
type Store interface {
	UpsertEntity(ctx context.Context, scope Scope, entity Entity) (int64, error)
	UpsertWork(ctx context.Context, scope Scope, ownerID int64, work WorkRecord) (int64, error)
	UpsertMagnet(ctx context.Context, scope Scope, workID int64, magnet MagnetRecord) (int64, error)

	GetEntity(ctx context.Context, scope Scope, name string) (StoredEntity, error)
	ListEntities(ctx context.Context, scope Scope, afterID int64) ([]StoredEntity, error)
	ListWorks(ctx context.Context, scope Scope, afterID, ownerID int64) ([]StoredWork, error)
	ListMagnets(ctx context.Context, scope Scope, workID int64) ([]StoredMagnet, error)
}

// CheckpointStore persists checkpoint rows.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, key CheckpointKey) (Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	ListCheckpoints(ctx context.Context) ([]Checkpoint, error)
}

// RetryPolicy decides whether and when a failed fetch is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Gate enforces the politeness interval between requests to one site.
type Gate interface {
	Wait(ctx context.Context, rawURL string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
