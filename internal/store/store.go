// Package store defines the persistence boundary for the request
// processing pipeline and provides two implementations: a Postgres-backed
// Store for production, and an in-memory Store for fast unit tests.
package store

import (
	"context"
	"time"

	"mediabroker/internal/domain"
)

// ErrNoRows is returned by Get-style methods when nothing matches.
// Callers translate this into apierr.NewNotFound at the boundary where
// enough context exists to name what wasn't found.
var ErrNoRows = newSentinel("store: no rows")

type sentinelErr string

func newSentinel(s string) error { return sentinelErr(s) }
func (e sentinelErr) Error() string { return string(e) }

// Store is the full persistence surface every coordinator package depends
// on. PostgresStore backs production and MemoryStore backs tests, so every
// collaborator can be exercised against either.
type Store interface {
	CreateRequest(ctx context.Context, r *domain.Request) error
	GetRequest(ctx context.Context, id string) (*domain.Request, error)
	ListRequests(ctx context.Context) ([]*domain.Request, error)
	UpdateRequest(ctx context.Context, r *domain.Request) error
	DeleteRequestCascade(ctx context.Context, id string) error

	CreateItem(ctx context.Context, it *domain.ProcessingItem) error
	GetItem(ctx context.Context, id string) (*domain.ProcessingItem, error)
	ListItemsByRequest(ctx context.Context, requestID string) ([]*domain.ProcessingItem, error)
	ListAwaitingRetry(ctx context.Context, before time.Time) ([]*domain.ProcessingItem, error)
	ListStuckExecutions(ctx context.Context, updatedBefore time.Time) ([]*domain.ProcessingItem, error)
	// UpdateItem persists it unconditionally.
	UpdateItem(ctx context.Context, it *domain.ProcessingItem) error
	// UpdateItemIfStatus persists it only if the stored row's status still
	// equals expected, returning false (no error) if it had already moved
	// on, so a concurrent status transition is not overwritten.
	UpdateItemIfStatus(ctx context.Context, it *domain.ProcessingItem, expected domain.ItemStatus) (bool, error)

	CreateExecution(ctx context.Context, e *domain.Execution) error
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	UpdateExecution(ctx context.Context, e *domain.Execution) error
	ListChildExecutions(ctx context.Context, parentID string) ([]*domain.Execution, error)
	// ListExecutionsByRequest returns every top-level Execution (no parent)
	// created for a request, newest first — a request can have more than
	// one across its lifetime (retry re-enters with a fresh Execution).
	ListExecutionsByRequest(ctx context.Context, requestID string) ([]*domain.Execution, error)

	CreateDownload(ctx context.Context, d *domain.Download) error
	GetDownload(ctx context.Context, id string) (*domain.Download, error)
	GetDownloadByHash(ctx context.Context, hash string) (*domain.Download, error)
	UpdateDownload(ctx context.Context, d *domain.Download) error
	ListActiveDownloads(ctx context.Context) ([]*domain.Download, error)

	GetDefaultTemplate(ctx context.Context, kind domain.MediaKind) (*domain.PipelineTemplate, error)
	GetTemplate(ctx context.Context, id string) (*domain.PipelineTemplate, error)
	PutTemplate(ctx context.Context, t *domain.PipelineTemplate) error

	AppendActivity(ctx context.Context, a *domain.ActivityLog) error
	ListActivity(ctx context.Context, requestID string, limit int) ([]*domain.ActivityLog, error)

	UpsertLibraryCache(ctx context.Context, e *domain.LibraryCacheEntry) error
	HasLibraryCache(ctx context.Context, catalogID string, kind domain.MediaKind, serverID string) (bool, error)
	UpsertEpisodeLibraryItem(ctx context.Context, it *domain.EpisodeLibraryItem) error
	HasEpisodeLibraryItem(ctx context.Context, catalogID string, season, episode int, serverID string) (bool, error)
}
