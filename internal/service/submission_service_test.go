package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/ocrbase/ocrbase/internal/config"
	"github.com/ocrbase/ocrbase/internal/database/migrations"
	"github.com/ocrbase/ocrbase/internal/models"
	"github.com/ocrbase/ocrbase/internal/queue"
	"github.com/ocrbase/ocrbase/internal/repository"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	return db
}

type fakeBlobStore struct {
	objects   map[string][]byte
	putErr    error
	presigned int
}

func (f *fakeBlobStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[key] = data
	return nil
}

func (f *fakeBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeBlobStore) PresignPut(ctx context.Context, key, contentType string) (string, time.Time, error) {
	f.presigned++
	return "https://blobs.test/" + key + "?sig=x", time.Now().Add(15 * time.Minute), nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, tenantID, ref string) (*models.SchemaDoc, error) {
	if ref == "schema_missing" {
		return nil, models.Unrecoverable(models.ErrCodeSchemaNotFound, "schema not found", nil)
	}
	return &models.SchemaDoc{ID: ref, TenantID: tenantID, SchemaJSON: `{"type":"object"}`}, nil
}

type submissionHarness struct {
	svc   *SubmissionService
	jobs  *repository.JobRepository
	queue *queue.Queue
	blobs *fakeBlobStore
}

func newSubmissionHarness(t *testing.T) *submissionHarness {
	t.Helper()
	db := setupTestDB(t)
	cfg := &config.Config{MaxAttempts: 3, MaxUploadBytes: config.MaxUploadBytesDefault}
	jobs := repository.NewJobRepository(db)
	q := queue.New(db, queue.Options{}, nil)
	blobs := &fakeBlobStore{objects: map[string][]byte{}}
	return &submissionHarness{
		svc:   NewSubmissionService(jobs, blobs, q, fakeResolver{}, cfg, testLogger()),
		jobs:  jobs,
		queue: q,
		blobs: blobs,
	}
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	var je *models.JobError
	if !errors.As(err, &je) {
		t.Fatalf("err = %v, want JobError", err)
	}
	return je.Code
}

func TestSubmitDirectUpload(t *testing.T) {
	h := newSubmissionHarness(t)
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, SubmitRequest{
		TenantID: "org_a", Type: models.JobTypeParse,
		FileName: "doc.pdf", MimeType: "application/pdf",
		Data: []byte("%PDF-1.7"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if _, ok := h.blobs.objects[job.BlobKey]; !ok {
		t.Error("document not stored")
	}
	if depth, _ := h.queue.Depth(ctx); depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
}

func TestSubmitURLIngest(t *testing.T) {
	h := newSubmissionHarness(t)

	job, err := h.svc.Submit(context.Background(), SubmitRequest{
		TenantID: "org_a", Type: models.JobTypeParse,
		SourceURL: "https://example.com/doc.pdf",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.BlobKey != "" {
		t.Error("url jobs have no blob key at admission")
	}
	if job.SourceURL != "https://example.com/doc.pdf" {
		t.Errorf("sourceURL = %q", job.SourceURL)
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newSubmissionHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"no source", SubmitRequest{TenantID: "org_a", Type: models.JobTypeParse}},
		{"both sources", SubmitRequest{TenantID: "org_a", Type: models.JobTypeParse,
			Data: []byte("x"), MimeType: "application/pdf", SourceURL: "https://x.test/a.pdf"}},
		{"ftp scheme", SubmitRequest{TenantID: "org_a", Type: models.JobTypeParse,
			SourceURL: "ftp://example.com/doc.pdf"}},
		{"file scheme", SubmitRequest{TenantID: "org_a", Type: models.JobTypeParse,
			SourceURL: "file:///etc/passwd"}},
		{"bad mime", SubmitRequest{TenantID: "org_a", Type: models.JobTypeParse,
			Data: []byte("x"), MimeType: "text/html"}},
		{"extract without schema", SubmitRequest{TenantID: "org_a", Type: models.JobTypeExtract,
			Data: []byte("x"), MimeType: "application/pdf"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Submit(ctx, tt.req)
			if code := errCode(t, err); code != models.ErrCodeValidation {
				t.Errorf("code = %s, want VALIDATION", code)
			}
		})
	}

	// No job rows should exist after rejected admissions.
	jobs, _ := h.jobs.List(ctx, "org_a", 10, 0)
	if len(jobs) != 0 {
		t.Errorf("rejected admissions left %d job rows", len(jobs))
	}
}

func TestSubmitSizeBoundary(t *testing.T) {
	h := newSubmissionHarness(t)
	ctx := context.Background()

	// Exactly at the limit is accepted.
	at := SubmitRequest{TenantID: "org_a", Type: models.JobTypeParse,
		FileName: "big.pdf", MimeType: "application/pdf",
		Data: make([]byte, config.MaxUploadBytesDefault)}
	if _, err := h.svc.Submit(ctx, at); err != nil {
		t.Fatalf("document at limit rejected: %v", err)
	}

	// One byte over is not.
	over := at
	over.Data = make([]byte, config.MaxUploadBytesDefault+1)
	_, err := h.svc.Submit(ctx, over)
	if code := errCode(t, err); code != models.ErrCodeValidation {
		t.Errorf("code = %s, want VALIDATION", code)
	}
}

func TestSubmitExtractWithMissingSchema(t *testing.T) {
	h := newSubmissionHarness(t)
	_, err := h.svc.Submit(context.Background(), SubmitRequest{
		TenantID: "org_a", Type: models.JobTypeExtract,
		Data: []byte("x"), MimeType: "application/pdf",
		SchemaRef: "schema_missing",
	})
	if code := errCode(t, err); code != models.ErrCodeSchemaNotFound {
		t.Errorf("code = %s, want SCHEMA_NOT_FOUND", code)
	}
}

func TestUploadFailureRecordedOnJob(t *testing.T) {
	h := newSubmissionHarness(t)
	h.blobs.putErr = errors.New("bucket gone")
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, SubmitRequest{
		TenantID: "org_a", Type: models.JobTypeParse,
		FileName: "doc.pdf", MimeType: "application/pdf", Data: []byte("x"),
	})
	if code := errCode(t, err); code != models.ErrCodeUploadFailed {
		t.Fatalf("code = %s, want UPLOAD_FAILED", code)
	}

	// The caller still has a job row to inspect, already failed.
	got, err := h.jobs.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != models.JobStatusFailed || got.ErrorCode != models.ErrCodeUploadFailed {
		t.Errorf("job = %s/%s, want failed/UPLOAD_FAILED", got.Status, got.ErrorCode)
	}
	if depth, _ := h.queue.Depth(ctx); depth != 0 {
		t.Error("failed admission must not enqueue")
	}
}

func TestPresignConfirmFlow(t *testing.T) {
	h := newSubmissionHarness(t)
	ctx := context.Background()

	result, err := h.svc.Presign(ctx, SubmitRequest{
		TenantID: "org_a", Type: models.JobTypeParse,
		FileName: "doc.pdf", MimeType: "application/pdf",
	})
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}
	if !result.Job.PendingUpload {
		t.Error("presigned job should be pending upload")
	}
	if result.UploadURL == "" || result.ExpiresAt.IsZero() {
		t.Error("presign result incomplete")
	}
	if depth, _ := h.queue.Depth(ctx); depth != 0 {
		t.Fatal("presigned job enqueued before confirm")
	}

	// Confirm before the client uploaded: rejected.
	if _, err := h.svc.Confirm(ctx, "org_a", result.Job.ID); err == nil {
		t.Fatal("confirm without upload should fail")
	}

	// Client uploads, then confirms.
	h.blobs.objects[result.Job.BlobKey] = []byte("%PDF-1.7")
	job, err := h.svc.Confirm(ctx, "org_a", result.Job.ID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if job.PendingUpload {
		t.Error("confirm should clear pending_upload")
	}
	if depth, _ := h.queue.Depth(ctx); depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}

	// Second confirm: ALREADY_CONFIRMED, still exactly one item.
	_, err = h.svc.Confirm(ctx, "org_a", result.Job.ID)
	if code := errCode(t, err); code != models.ErrCodeAlreadyConfirmed {
		t.Fatalf("code = %s, want ALREADY_CONFIRMED", code)
	}
	if depth, _ := h.queue.Depth(ctx); depth != 1 {
		t.Fatalf("double confirm changed queue depth to %d", depth)
	}
}

func TestConfirmCrossTenant(t *testing.T) {
	h := newSubmissionHarness(t)
	ctx := context.Background()

	result, err := h.svc.Presign(ctx, SubmitRequest{
		TenantID: "org_a", Type: models.JobTypeParse,
		FileName: "doc.pdf", MimeType: "application/pdf",
	})
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}
	h.blobs.objects[result.Job.BlobKey] = []byte("x")

	_, err = h.svc.Confirm(ctx, "org_b", result.Job.ID)
	if code := errCode(t, err); code != models.ErrCodeJobNotFound {
		t.Errorf("code = %s, want JOB_NOT_FOUND (no existence leak)", code)
	}
}
