// Package domain holds the persisted entity types shared across the
// request processing pipeline: Request, ProcessingItem, Download,
// Execution, Release, PipelineTemplate, ActivityLog and the library
// caches.
package domain

import "time"

// MediaKind distinguishes a movie request from a TV request.
type MediaKind string

const (
	KindMovie MediaKind = "movie"
	KindTV    MediaKind = "tv"
)

// Target identifies where an encoded artifact should be delivered and,
// optionally, which encode profile to use for that destination.
// MaxResolution is the highest resolution that server can receive (e.g.
// a 1080p-only Plex library); it feeds deriveRequiredResolution so Search
// never fetches a release the target can't use.
type Target struct {
	ServerID      string `json:"serverId"`
	ProfileID     string `json:"profileId,omitempty"`
	MaxResolution string `json:"maxResolution,omitempty"`
}

// Request is the top-level user intent: one movie, or a set of TV
// episodes. Status and progress are never stored here — they are
// derived from the owned ProcessingItems by the StatusAggregator.
type Request struct {
	ID         string    `json:"id"`
	Kind       MediaKind `json:"kind"`
	CatalogID  string    `json:"catalogId"`
	Title      string    `json:"title"`
	Year       int       `json:"year"`

	Seasons  []int `json:"seasons,omitempty"`
	Episodes []int `json:"episodes,omitempty"`
	Subscribe bool `json:"subscribe,omitempty"`

	Targets []Target `json:"targets"`

	SelectedRelease   *Release   `json:"selectedRelease,omitempty"`
	AvailableReleases []Release  `json:"availableReleases,omitempty"`

	RequiredResolution string `json:"requiredResolution"`

	TemplateID string `json:"templateId,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// ItemKind distinguishes a movie ProcessingItem from a TV episode one.
type ItemKind string

const (
	ItemMovie   ItemKind = "movie"
	ItemEpisode ItemKind = "episode"
)

// ItemStatus enumerates the ProcessingItem state machine (spec.md §3).
type ItemStatus string

const (
	StatusPending            ItemStatus = "pending"
	StatusSearching          ItemStatus = "searching"
	StatusAwaiting           ItemStatus = "awaiting"
	StatusQualityUnavailable ItemStatus = "quality_unavailable"
	StatusDownloading        ItemStatus = "downloading"
	StatusDownloaded         ItemStatus = "downloaded"
	StatusEncoding           ItemStatus = "encoding"
	StatusEncoded            ItemStatus = "encoded"
	StatusDelivering         ItemStatus = "delivering"
	StatusCompleted          ItemStatus = "completed"
	StatusFailed             ItemStatus = "failed"
	StatusCancelled          ItemStatus = "cancelled"
)

// IsTerminal reports whether the status is one of the three terminal
// states a ProcessingItem cannot leave except via an explicit reset.
func (s ItemStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// ProcessingItem is the pipeline's unit of work: one per movie, one per
// TV episode. StepContext is the authoritative resumable state for the
// item (spec.md §3, §9).
type ProcessingItem struct {
	ID        string   `json:"id"`
	RequestID string   `json:"requestId"`
	Kind      ItemKind `json:"kind"`

	Season  *int       `json:"season,omitempty"`
	Episode *int       `json:"episode,omitempty"`
	AirDate *time.Time `json:"airDate,omitempty"`
	Title   string     `json:"title,omitempty"`

	Status      ItemStatus     `json:"status"`
	CurrentStep string         `json:"currentStep,omitempty"`
	StepContext map[string]any `json:"stepContext"`

	Progress     int        `json:"progress"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"maxAttempts"`
	LastError    string     `json:"lastError,omitempty"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"`

	DownloadID string `json:"downloadId,omitempty"`
	EncodeJobID string `json:"encodeJobId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CoreContextKeys are the context fields that a step's output must never
// be allowed to overwrite (spec.md §4.1 invariant, §8 invariant 5).
var CoreContextKeys = map[string]bool{
	"requestId":         true,
	"mediaType":         true,
	"tmdbId":            true,
	"title":             true,
	"year":              true,
	"targets":           true,
	"processingItemId":  true,
}

// StripCoreKeys returns a copy of data with every core context key
// removed, so step output can never clobber identity fields.
func StripCoreKeys(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if CoreContextKeys[k] {
			continue
		}
		out[k] = v
	}
	return out
}
