package domain

import "time"

// ExecutionStatus enumerates the lifecycle of an Execution (spec.md §3).
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// StepDefinition is one addressable unit of work in a template tree.
// It is interpreted, not compiled, by the PipelineExecutor.
type StepDefinition struct {
	Kind            string                 `json:"kind"`
	Name            string                 `json:"name"`
	Config          map[string]any         `json:"config,omitempty"`
	Condition       string                 `json:"condition,omitempty"`
	Required        *bool                  `json:"required,omitempty"` // default true
	ContinueOnError bool                   `json:"continueOnError,omitempty"`
	Retryable       bool                   `json:"retryable,omitempty"`
	Timeout         time.Duration          `json:"timeout,omitempty"`
	Children        []StepDefinition       `json:"children,omitempty"`
}

// IsRequired returns the effective required-ness, defaulting to true.
func (s StepDefinition) IsRequired() bool {
	return s.Required == nil || *s.Required
}

// PipelineTemplate is a persisted, versioned tree of step definitions
// keyed by media kind. Exactly one template per kind has IsDefault set.
type PipelineTemplate struct {
	ID        string           `json:"id"`
	Kind      MediaKind        `json:"kind"`
	Name      string           `json:"name"`
	Version   int              `json:"version"`
	IsDefault bool             `json:"isDefault"`
	Steps     []StepDefinition `json:"steps"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Execution is one activation of a template against a Request. Its
// embedded Context is advisory only; the ProcessingItem's StepContext is
// the authoritative resumable state (spec.md §9).
type Execution struct {
	ID         string          `json:"id"`
	RequestID  string          `json:"requestId"`
	TemplateID string          `json:"templateId"`
	Steps      []StepDefinition `json:"steps"` // snapshot, immune to later template edits

	Status       ExecutionStatus `json:"status"`
	CurrentStep  int             `json:"currentStep"`
	PauseReason  string          `json:"pauseReason,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`

	ParentExecutionID string `json:"parentExecutionId,omitempty"`
	EpisodeID         string `json:"episodeId,omitempty"`

	Context map[string]any `json:"context"`

	StartedAt   time.Time  `json:"startedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// ActivityLog is an append-only event stream entry per request.
type ActivityLog struct {
	ID        string         `json:"id"`
	RequestID string         `json:"requestId"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// LibraryCacheEntry reflects a successful delivery: (tmdbId, kind, serverId).
type LibraryCacheEntry struct {
	CatalogID string    `json:"catalogId"`
	Kind      MediaKind `json:"kind"`
	ServerID  string    `json:"serverId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EpisodeLibraryItem reflects what a media server already has, keyed by
// (tmdbId, season, episode, serverId) — used to skip work that would be
// redundant (spec.md §3).
type EpisodeLibraryItem struct {
	CatalogID string `json:"catalogId"`
	Season    int    `json:"season"`
	Episode   int    `json:"episode"`
	ServerID  string `json:"serverId"`
}
