package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ocrbase/ocrbase/internal/config"
	"github.com/ocrbase/ocrbase/internal/metrics"
	"github.com/ocrbase/ocrbase/internal/models"
	"github.com/ocrbase/ocrbase/internal/queue"
	"github.com/ocrbase/ocrbase/internal/repository"
)

// BlobStore is the storage surface admission needs.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	PresignPut(ctx context.Context, key, contentType string) (url string, expiresAt time.Time, err error)
}

// Enqueuer is the queue surface admission needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, item *models.WorkItem, dedupKey string) error
}

// SchemaResolver checks schemaRef at admission time.
type SchemaResolver interface {
	Resolve(ctx context.Context, tenantID, ref string) (*models.SchemaDoc, error)
}

// SubmissionService admits jobs via direct upload, URL ingest, or the
// presign + confirm handshake. Job creation, blob write, and enqueue are not
// atomic: failures after the row exists are written onto the row as
// UPLOAD_FAILED / ENQUEUE_FAILED so the caller always has a job to inspect.
type SubmissionService struct {
	jobs    *repository.JobRepository
	blobs   BlobStore
	queue   Enqueuer
	schemas SchemaResolver
	cfg     *config.Config
	logger  *slog.Logger
}

// NewSubmissionService wires admission.
func NewSubmissionService(jobs *repository.JobRepository, blobs BlobStore, q Enqueuer, schemas SchemaResolver, cfg *config.Config, logger *slog.Logger) *SubmissionService {
	return &SubmissionService{
		jobs: jobs, blobs: blobs, queue: q, schemas: schemas, cfg: cfg,
		logger: logger.With("component", "submission"),
	}
}

// SubmitRequest carries one admission request. Exactly one of Data or
// SourceURL must be set.
type SubmitRequest struct {
	TenantID  string
	Type      models.JobType
	FileName  string
	MimeType  string
	Data      []byte
	SourceURL string
	SchemaRef string
	Hints     string
}

var allowedMimeTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
	"image/tiff":      true,
}

// Submit admits a direct-upload or URL job.
func (s *SubmissionService) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if err := s.validate(ctx, &req); err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:          models.NewID(models.JobIDPrefix),
		TenantID:    req.TenantID,
		Type:        req.Type,
		Status:      models.JobStatusPending,
		SourceURL:   req.SourceURL,
		FileName:    req.FileName,
		MimeType:    req.MimeType,
		FileSize:    int64(len(req.Data)),
		SchemaRef:   req.SchemaRef,
		Hints:       req.Hints,
		MaxAttempts: s.cfg.MaxAttempts,
	}
	if len(req.Data) > 0 {
		job.BlobKey = BlobKey(req.TenantID, job.ID, req.FileName)
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job row: %w", err)
	}

	if len(req.Data) > 0 {
		if err := s.blobs.Put(ctx, job.BlobKey, req.MimeType, req.Data); err != nil {
			s.failAdmission(ctx, job, models.ErrCodeUploadFailed, err)
			return job, models.Unrecoverable(models.ErrCodeUploadFailed, "storing document", err)
		}
	}

	if err := s.enqueue(ctx, job); err != nil {
		return job, err
	}

	metrics.JobsSubmitted.WithLabelValues(string(job.Type)).Inc()
	s.logger.Info("job admitted", "job_id", job.ID, "type", job.Type, "tenant_id", job.TenantID)
	return job, nil
}

// PresignResult is the two-phase upload handshake's first response.
type PresignResult struct {
	Job       *models.Job
	UploadURL string
	ExpiresAt time.Time
}

// Presign creates a pending job and a time-limited PUT URL. The job is not
// enqueued until Confirm.
func (s *SubmissionService) Presign(ctx context.Context, req SubmitRequest) (*PresignResult, error) {
	if req.FileName == "" {
		return nil, models.Unrecoverable(models.ErrCodeValidation, "file_name is required", nil)
	}
	if !allowedMimeTypes[req.MimeType] {
		return nil, models.Unrecoverable(models.ErrCodeValidation,
			fmt.Sprintf("unsupported mime type %q", req.MimeType), nil)
	}
	if err := s.validateExtract(ctx, &req); err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:            models.NewID(models.JobIDPrefix),
		TenantID:      req.TenantID,
		Type:          req.Type,
		Status:        models.JobStatusPending,
		PendingUpload: true,
		FileName:      req.FileName,
		MimeType:      req.MimeType,
		SchemaRef:     req.SchemaRef,
		Hints:         req.Hints,
		MaxAttempts:   s.cfg.MaxAttempts,
	}
	job.BlobKey = BlobKey(req.TenantID, job.ID, req.FileName)

	uploadURL, expiresAt, err := s.blobs.PresignPut(ctx, job.BlobKey, req.MimeType)
	if err != nil {
		return nil, models.Unrecoverable(models.ErrCodeUploadFailed, "presigning upload", err)
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job row: %w", err)
	}

	return &PresignResult{Job: job, UploadURL: uploadURL, ExpiresAt: expiresAt}, nil
}

// Confirm completes a presigned upload: verifies ownership, the pending flag,
// and blob existence, then enqueues exactly once. A second confirm observes
// the cleared flag and returns ALREADY_CONFIRMED; the queue's dedup key backs
// that up against races.
func (s *SubmissionService) Confirm(ctx context.Context, tenantID, jobID string) (*models.Job, error) {
	job, err := s.jobs.GetByIDForTenant(ctx, jobID, tenantID)
	if err == repository.ErrNotFound {
		return nil, models.Unrecoverable(models.ErrCodeJobNotFound, "job not found", nil)
	}
	if err != nil {
		return nil, err
	}

	if !job.PendingUpload {
		return job, models.Unrecoverable(models.ErrCodeAlreadyConfirmed, "upload already confirmed", nil)
	}

	exists, err := s.blobs.Exists(ctx, job.BlobKey)
	if err != nil {
		return job, models.Transient(models.ErrCodeUploadFailed, "checking uploaded object", err)
	}
	if !exists {
		return job, models.Unrecoverable(models.ErrCodeUploadFailed, "document was not uploaded", nil)
	}

	if err := s.jobs.Update(ctx, job.ID, models.JobPatch{PendingUpload: models.Ptr(false)}); err != nil {
		return job, err
	}
	job.PendingUpload = false

	if err := s.enqueue(ctx, job); err != nil {
		return job, err
	}

	metrics.JobsSubmitted.WithLabelValues(string(job.Type)).Inc()
	s.logger.Info("upload confirmed", "job_id", job.ID, "tenant_id", tenantID)
	return job, nil
}

func (s *SubmissionService) enqueue(ctx context.Context, job *models.Job) error {
	item := &models.WorkItem{
		JobID:       job.ID,
		TenantID:    job.TenantID,
		MaxAttempts: job.MaxAttempts,
	}
	// Dedup on job ID: one work item per job, ever.
	if err := s.queue.Enqueue(ctx, item, job.ID); err != nil {
		if err == queue.ErrDuplicate {
			return models.Unrecoverable(models.ErrCodeAlreadyConfirmed, "job already enqueued", nil)
		}
		s.failAdmission(ctx, job, models.ErrCodeEnqueueFailed, err)
		return models.Unrecoverable(models.ErrCodeEnqueueFailed, "enqueueing job", err)
	}
	return nil
}

// failAdmission flips a just-created job to failed with the admission error
// code. Best effort; the admission error itself is what the caller sees.
func (s *SubmissionService) failAdmission(ctx context.Context, job *models.Job, code string, cause error) {
	now := time.Now().UTC()
	err := s.jobs.Update(ctx, job.ID, models.JobPatch{
		Status:       models.Ptr(models.JobStatusFailed),
		ErrorCode:    models.Ptr(code),
		ErrorMessage: models.Ptr(cause.Error()),
		CompletedAt:  models.Ptr(now),
	})
	if err != nil {
		s.logger.Error("recording admission failure", "job_id", job.ID, "code", code, "error", err)
	}
	metrics.JobsFailed.WithLabelValues(code).Inc()
}

func (s *SubmissionService) validate(ctx context.Context, req *SubmitRequest) error {
	hasData := len(req.Data) > 0
	hasURL := req.SourceURL != ""

	if hasData == hasURL {
		return models.Unrecoverable(models.ErrCodeValidation, "provide exactly one of file or url", nil)
	}

	if hasData {
		if int64(len(req.Data)) > s.cfg.MaxUploadBytes {
			return models.Unrecoverable(models.ErrCodeValidation,
				fmt.Sprintf("document exceeds %d byte limit", s.cfg.MaxUploadBytes), nil)
		}
		if !allowedMimeTypes[req.MimeType] {
			return models.Unrecoverable(models.ErrCodeValidation,
				fmt.Sprintf("unsupported mime type %q", req.MimeType), nil)
		}
		if req.FileName == "" {
			req.FileName = "document"
		}
	}

	if hasURL {
		u, err := url.Parse(req.SourceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return models.Unrecoverable(models.ErrCodeValidation, "url must be http or https", nil)
		}
	}

	return s.validateExtract(ctx, req)
}

func (s *SubmissionService) validateExtract(ctx context.Context, req *SubmitRequest) error {
	switch req.Type {
	case models.JobTypeParse:
		return nil
	case models.JobTypeExtract:
		if req.SchemaRef == "" {
			return models.Unrecoverable(models.ErrCodeValidation, "extract jobs require schema_ref", nil)
		}
		if _, err := s.schemas.Resolve(ctx, req.TenantID, req.SchemaRef); err != nil {
			return err
		}
		return nil
	default:
		return models.Unrecoverable(models.ErrCodeValidation,
			fmt.Sprintf("unknown job type %q", req.Type), nil)
	}
}
