// Package repository provides data access over the libsql database.
// Timestamps are stored as RFC3339 text.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ocrbase/ocrbase/internal/models"
)

// ErrNotFound is returned when a row does not exist or is soft-deleted.
var ErrNotFound = errors.New("not found")

// JobRepository persists jobs.
type JobRepository struct {
	db *sql.DB
}

// NewJobRepository creates a job repository.
func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, tenant_id, type, status, blob_key, source_url, pending_upload,
	file_name, mime_type, file_size, schema_ref, hints,
	markdown_result, json_result, error_code, error_message,
	attempts_made, max_attempts, processing_time_ms, page_count, llm_model, token_count,
	created_at, started_at, completed_at, updated_at, deleted_at`

// Create inserts a new job row.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, type, status, blob_key, source_url, pending_upload,
			file_name, mime_type, file_size, schema_ref, hints,
			attempts_made, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TenantID, job.Type, job.Status,
		nullString(job.BlobKey), nullString(job.SourceURL), boolInt(job.PendingUpload),
		nullString(job.FileName), nullString(job.MimeType), job.FileSize,
		nullString(job.SchemaRef), nullString(job.Hints),
		job.AttemptsMade, job.MaxAttempts,
		fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

// GetByID returns a job by ID, excluding soft-deleted rows.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND deleted_at IS NULL`, id)
	return scanJob(row)
}

// GetByIDForTenant returns a job only if it belongs to the tenant. Cross-tenant
// reads get ErrNotFound, never a permission error, so job IDs do not leak.
func (r *JobRepository) GetByIDForTenant(ctx context.Context, id, tenantID string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL`,
		id, tenantID)
	return scanJob(row)
}

// Update applies a field-scoped patch: only non-nil fields in the patch are
// written. The SET list is built dynamically so concurrent writers touching
// disjoint fields never overwrite each other.
func (r *JobRepository) Update(ctx context.Context, id string, patch models.JobPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{fmtTime(time.Now().UTC())}

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.BlobKey != nil {
		add("blob_key", nullString(*patch.BlobKey))
	}
	if patch.PendingUpload != nil {
		add("pending_upload", boolInt(*patch.PendingUpload))
	}
	if patch.MimeType != nil {
		add("mime_type", nullString(*patch.MimeType))
	}
	if patch.FileSize != nil {
		add("file_size", *patch.FileSize)
	}
	if patch.MarkdownResult != nil {
		add("markdown_result", *patch.MarkdownResult)
	}
	if patch.JSONResult != nil {
		add("json_result", *patch.JSONResult)
	}
	if patch.ErrorCode != nil {
		add("error_code", nullString(*patch.ErrorCode))
	}
	if patch.ErrorMessage != nil {
		add("error_message", nullString(*patch.ErrorMessage))
	}
	if patch.AttemptsMade != nil {
		add("attempts_made", *patch.AttemptsMade)
	}
	if patch.ProcessingTimeMs != nil {
		add("processing_time_ms", *patch.ProcessingTimeMs)
	}
	if patch.PageCount != nil {
		add("page_count", *patch.PageCount)
	}
	if patch.LLMModel != nil {
		add("llm_model", nullString(*patch.LLMModel))
	}
	if patch.TokenCount != nil {
		add("token_count", *patch.TokenCount)
	}
	if patch.StartedAt != nil {
		add("started_at", fmtTime(*patch.StartedAt))
	}
	if patch.CompletedAt != nil {
		add("completed_at", fmtTime(*patch.CompletedAt))
	}

	args = append(args, id)
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND deleted_at IS NULL`, args...)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus updates the status only when the current status permits the
// transition, guarding terminal immutability at the SQL level. Returns
// ErrNotFound when the job is missing, and false when the lifecycle forbids
// the move or the row already moved on.
func (r *JobRepository) TransitionStatus(ctx context.Context, id string, from, to models.JobStatus) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, nil
	}
	now := fmtTime(time.Now().UTC())
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ? AND deleted_at IS NULL`,
		to, now, id, from)
	if err != nil {
		return false, fmt.Errorf("transitioning job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// MarkFailed flips a non-terminal job to failed with the given error. Returns
// false when the row is missing or already terminal, so a late terminal
// failure (e.g. a reaped lease racing a slow worker) cannot overwrite a
// completed job.
func (r *JobRepository) MarkFailed(ctx context.Context, id, code, message string, attempts int) (bool, error) {
	now := fmtTime(time.Now().UTC())
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_code = ?, error_message = ?, attempts_made = ?,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?) AND deleted_at IS NULL`,
		models.JobStatusFailed, code, message, attempts, now, now,
		id, models.JobStatusCompleted, models.JobStatusFailed)
	if err != nil {
		return false, fmt.Errorf("failing job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns a tenant's jobs newest first.
func (r *JobRepository) List(ctx context.Context, tenantID string, limit, offset int) ([]*models.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE tenant_id = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SoftDelete marks a tenant's job deleted; the row and blobs are purged later
// by the cleanup pass.
func (r *JobRepository) SoftDelete(ctx context.Context, id, tenantID string) error {
	now := fmtTime(time.Now().UTC())
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET deleted_at = ?, updated_at = ? WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL`,
		now, now, id, tenantID)
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStaleProcessingFailed fails non-terminal jobs that have been in flight
// longer than maxAge. Run at startup to clean up after a crash; normal lease
// expiry handles the live case.
func (r *JobRepository) MarkStaleProcessingFailed(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := fmtTime(time.Now().UTC().Add(-maxAge))
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_code = ?, error_message = 'worker lost before completion',
			completed_at = ?, updated_at = ?
		 WHERE status IN (?, ?) AND updated_at < ? AND deleted_at IS NULL`,
		models.JobStatusFailed, models.ErrCodeTimeout,
		fmtTime(time.Now().UTC()), fmtTime(time.Now().UTC()),
		models.JobStatusProcessing, models.JobStatusExtracting, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failing stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpired hard-deletes soft-deleted and aged-out terminal rows, and
// returns their blob keys so the caller can purge storage. Pending presigned
// jobs never confirmed within pendingTTL are included.
func (r *JobRepository) DeleteExpired(ctx context.Context, retention, pendingTTL time.Duration) ([]string, error) {
	now := time.Now().UTC()
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, blob_key FROM jobs
		 WHERE deleted_at IS NOT NULL
		    OR (status IN (?, ?) AND completed_at < ?)
		    OR (pending_upload = 1 AND created_at < ?)`,
		models.JobStatusCompleted, models.JobStatusFailed,
		fmtTime(now.Add(-retention)), fmtTime(now.Add(-pendingTTL)))
	if err != nil {
		return nil, fmt.Errorf("selecting expired jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	var blobKeys []string
	for rows.Next() {
		var id string
		var blobKey sql.NullString
		if err := rows.Scan(&id, &blobKey); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		if blobKey.Valid && blobKey.String != "" {
			blobKeys = append(blobKeys, blobKey.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
			return blobKeys, fmt.Errorf("purging job %s: %w", id, err)
		}
	}
	return blobKeys, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.Job, error) {
	var j models.Job
	var blobKey, sourceURL, fileName, mimeType, schemaRef, hints sql.NullString
	var markdown, jsonResult, errCode, errMsg, llmModel sql.NullString
	var pendingUpload int
	var createdAt, updatedAt string
	var startedAt, completedAt, deletedAt sql.NullString

	err := row.Scan(
		&j.ID, &j.TenantID, &j.Type, &j.Status, &blobKey, &sourceURL, &pendingUpload,
		&fileName, &mimeType, &j.FileSize, &schemaRef, &hints,
		&markdown, &jsonResult, &errCode, &errMsg,
		&j.AttemptsMade, &j.MaxAttempts, &j.ProcessingTimeMs, &j.PageCount, &llmModel, &j.TokenCount,
		&createdAt, &startedAt, &completedAt, &updatedAt, &deletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}

	j.BlobKey = blobKey.String
	j.SourceURL = sourceURL.String
	j.PendingUpload = pendingUpload != 0
	j.FileName = fileName.String
	j.MimeType = mimeType.String
	j.SchemaRef = schemaRef.String
	j.Hints = hints.String
	j.MarkdownResult = markdown.String
	j.JSONResult = jsonResult.String
	j.ErrorCode = errCode.String
	j.ErrorMessage = errMsg.String
	j.LLMModel = llmModel.String
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	j.StartedAt = parseNullTime(startedAt)
	j.CompletedAt = parseNullTime(completedAt)
	j.DeletedAt = parseNullTime(deletedAt)
	return &j, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
