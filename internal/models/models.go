// Package models defines the domain models for ocrbase.
// Tenancy is flat: every record belongs to one organization, identified by
// an "org_" prefixed ID carried on the caller's credential.
package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// ID prefixes per entity kind. IDs are the prefix plus a ULID, so they stay
// lexicographically time-ordered within a kind.
const (
	JobIDPrefix    = "job_"
	TenantIDPrefix = "org_"
	SchemaIDPrefix = "schema_"
	APIKeyIDPrefix = "key_"
	ItemIDPrefix   = "item_"
)

// NewID returns a fresh prefixed ULID.
func NewID(prefix string) string {
	return prefix + ulid.Make().String()
}

// JobStatus represents the lifecycle state of a job.
// Transitions are monotonic toward a terminal state and never leave one:
//
//	pending -> processing -> completed | failed
//	pending -> processing -> extracting -> completed | failed
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusExtracting JobStatus = "extracting"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status is completed or failed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo reports whether the lifecycle permits moving from s to
// next. Terminal states permit nothing.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing || next == JobStatusFailed
	case JobStatusProcessing:
		return next == JobStatusExtracting || next == JobStatusCompleted || next == JobStatusFailed
	case JobStatusExtracting:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// JobType represents the kind of processing a job performs.
type JobType string

const (
	// JobTypeParse runs OCR only and produces Markdown.
	JobTypeParse JobType = "parse"
	// JobTypeExtract runs OCR then projects the Markdown into a JSON shape.
	JobTypeExtract JobType = "extract"
)

// Job represents one unit of document processing from submission to terminal
// state. The job row in the store is the source of truth; realtime events
// are advisory.
type Job struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenant_id"`
	Type     JobType   `json:"type"`
	Status   JobStatus `json:"status"`

	// Source: exactly one admission shape sets these. A direct upload sets
	// BlobKey; URL ingest sets SourceURL; the presign path sets BlobKey with
	// PendingUpload=true until the confirm call clears it.
	BlobKey       string `json:"blob_key,omitempty"`
	SourceURL     string `json:"source_url,omitempty"`
	PendingUpload bool   `json:"pending_upload,omitempty"`

	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`

	// Extract-only fields.
	SchemaRef string `json:"schema_ref,omitempty"`
	Hints     string `json:"hints,omitempty"`

	// MarkdownResult is written while the job is still processing, so a
	// retried attempt can skip OCR. JSONResult is written at most once, only
	// for completed extract jobs.
	MarkdownResult string `json:"markdown_result,omitempty"`
	JSONResult     string `json:"json_result,omitempty"`

	// Present iff the terminal state is failed.
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Retry bookkeeping mirrored from the queue.
	AttemptsMade int `json:"attempts_made"`
	MaxAttempts  int `json:"max_attempts"`

	ProcessingTimeMs int64  `json:"processing_time_ms,omitempty"`
	PageCount        int    `json:"page_count,omitempty"`
	LLMModel         string `json:"llm_model,omitempty"`
	TokenCount       int    `json:"token_count,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"-"`
}

// HasSource reports whether the job has a usable input source.
func (j *Job) HasSource() bool {
	return (j.BlobKey != "" && !j.PendingUpload) || j.SourceURL != ""
}

// JobPatch is a field-scoped update to a job row. Only non-nil fields are
// written, so concurrent writers on disjoint fields never clobber each other.
type JobPatch struct {
	Status         *JobStatus
	BlobKey        *string
	PendingUpload  *bool
	MimeType       *string
	FileSize       *int64
	MarkdownResult *string
	JSONResult     *string
	ErrorCode      *string
	ErrorMessage   *string
	AttemptsMade   *int

	ProcessingTimeMs *int64
	PageCount        *int
	LLMModel         *string
	TokenCount       *int

	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Ptr returns a pointer to v, for building patches inline.
func Ptr[T any](v T) *T { return &v }

// WorkItem is the queue-level descriptor pointing at a job to process. The
// queue owns attempt count, delay, and backoff; the job row only mirrors
// them for observability.
type WorkItem struct {
	ID          string
	JobID       string
	TenantID    string
	SubmitterID string
	RequestID   string

	Attempts    int
	MaxAttempts int
	LastError   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SchemaDoc is a stored JSON Schema document referenced by extract jobs via
// schemaRef. SchemaJSON always holds the canonical JSON Schema form;
// shorthand inputs are normalized at the boundary.
type SchemaDoc struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	SchemaJSON  string    `json:"schema_json"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// APIKey represents a tenant credential for programmatic access. Only the
// SHA-256 hash of the secret is stored.
type APIKey struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}
