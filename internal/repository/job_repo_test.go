package repository

import (
	"context"
	"testing"
	"time"

	"github.com/ocrbase/ocrbase/internal/models"
)

func newTestJob(tenantID string) *models.Job {
	return &models.Job{
		ID:          models.NewID(models.JobIDPrefix),
		TenantID:    tenantID,
		Type:        models.JobTypeParse,
		Status:      models.JobStatusPending,
		BlobKey:     tenantID + "/jobs/x/doc.pdf",
		FileName:    "doc.pdf",
		MimeType:    "application/pdf",
		FileSize:    1024,
		MaxAttempts: 3,
	}
}

func TestJobCreateAndGet(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t))
	ctx := context.Background()

	job := newTestJob("org_a")
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != models.JobStatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.BlobKey != job.BlobKey || got.FileName != "doc.pdf" || got.FileSize != 1024 {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Error("started/completed should be nil on a fresh job")
	}
}

func TestJobGetMissing(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t))
	if _, err := repo.GetByID(context.Background(), "job_missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestJobTenantScoping(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t))
	ctx := context.Background()

	job := newTestJob("org_a")
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := repo.GetByIDForTenant(ctx, job.ID, "org_a"); err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if _, err := repo.GetByIDForTenant(ctx, job.ID, "org_b"); err != ErrNotFound {
		t.Fatalf("cross-tenant read: err = %v, want ErrNotFound", err)
	}
}

func TestJobPatchIsFieldScoped(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t))
	ctx := context.Background()

	job := newTestJob("org_a")
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Writer one sets the markdown checkpoint.
	err := repo.Update(ctx, job.ID, models.JobPatch{
		MarkdownResult: models.Ptr("# Invoice"),
		PageCount:      models.Ptr(3),
	})
	if err != nil {
		t.Fatalf("Update markdown: %v", err)
	}

	// Writer two flips the status only; the markdown must survive.
	err = repo.Update(ctx, job.ID, models.JobPatch{
		Status: models.Ptr(models.JobStatusProcessing),
	})
	if err != nil {
		t.Fatalf("Update status: %v", err)
	}

	got, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.MarkdownResult != "# Invoice" || got.PageCount != 3 {
		t.Errorf("disjoint patch clobbered fields: %+v", got)
	}
	if got.Status != models.JobStatusProcessing {
		t.Errorf("status = %s, want processing", got.Status)
	}
}

func TestJobTransitionStatusGuards(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t))
	ctx := context.Background()

	job := newTestJob("org_a")
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := repo.TransitionStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusProcessing)
	if err != nil || !ok {
		t.Fatalf("pending->processing: ok=%v err=%v", ok, err)
	}

	// Stale transition from pending must be rejected, not applied.
	ok, err = repo.TransitionStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusProcessing)
	if err != nil {
		t.Fatalf("stale transition errored: %v", err)
	}
	if ok {
		t.Fatal("stale transition should be rejected")
	}

	got, _ := repo.GetByID(ctx, job.ID)
	if got.Status != models.JobStatusProcessing {
		t.Errorf("status = %s, want processing", got.Status)
	}

	// Moves the lifecycle forbids are rejected before touching the row.
	ok, err = repo.TransitionStatus(ctx, job.ID, models.JobStatusProcessing, models.JobStatusPending)
	if err != nil || ok {
		t.Fatalf("processing->pending: ok=%v err=%v, want rejection", ok, err)
	}
}

func TestMarkFailedSkipsTerminalRows(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t))
	ctx := context.Background()

	job := newTestJob("org_a")
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	flipped, err := repo.MarkFailed(ctx, job.ID, models.ErrCodeOCRFailed, "unreadable", 2)
	if err != nil || !flipped {
		t.Fatalf("MarkFailed on live row: flipped=%v err=%v", flipped, err)
	}
	got, _ := repo.GetByID(ctx, job.ID)
	if got.Status != models.JobStatusFailed || got.ErrorCode != models.ErrCodeOCRFailed || got.AttemptsMade != 2 {
		t.Fatalf("failed row = %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("completedAt should be set on terminal failure")
	}

	// A second flip, and any flip on a completed row, must be a no-op.
	flipped, err = repo.MarkFailed(ctx, job.ID, models.ErrCodeTimeout, "late", 3)
	if err != nil || flipped {
		t.Fatalf("MarkFailed on failed row: flipped=%v err=%v", flipped, err)
	}

	done := newTestJob("org_a")
	if err := repo.Create(ctx, done); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Update(ctx, done.ID, models.JobPatch{Status: models.Ptr(models.JobStatusCompleted)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	flipped, err = repo.MarkFailed(ctx, done.ID, models.ErrCodeTimeout, "lease expired", 3)
	if err != nil || flipped {
		t.Fatalf("MarkFailed on completed row: flipped=%v err=%v", flipped, err)
	}
	got, _ = repo.GetByID(ctx, done.ID)
	if got.Status != models.JobStatusCompleted || got.ErrorCode != "" {
		t.Fatalf("terminal row mutated: %+v", got)
	}
}

func TestJobSoftDeleteHidesRow(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t))
	ctx := context.Background()

	job := newTestJob("org_a")
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.SoftDelete(ctx, job.ID, "org_a"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if _, err := repo.GetByID(ctx, job.ID); err != ErrNotFound {
		t.Fatalf("deleted job still visible: %v", err)
	}
	if err := repo.SoftDelete(ctx, job.ID, "org_a"); err != ErrNotFound {
		t.Fatalf("double delete: err = %v, want ErrNotFound", err)
	}
}

func TestJobList(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t))
	ctx := context.Background()

	for range 3 {
		j := newTestJob("org_a")
		if err := repo.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	other := newTestJob("org_b")
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("Create: %v", err)
	}

	jobs, err := repo.List(ctx, "org_a", 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("len = %d, want 3", len(jobs))
	}
	for i := 1; i < len(jobs); i++ {
		if jobs[i-1].CreatedAt.Before(jobs[i].CreatedAt) {
			t.Error("list should be newest first")
		}
	}
}

func TestMarkStaleProcessingFailed(t *testing.T) {
	db := setupTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	job := newTestJob("org_a")
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := repo.TransitionStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusProcessing); err != nil {
		t.Fatalf("transition: %v", err)
	}

	// Age the row past the cutoff.
	old := time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339Nano)
	if _, err := db.Exec(`UPDATE jobs SET updated_at = ? WHERE id = ?`, old, job.ID); err != nil {
		t.Fatalf("aging row: %v", err)
	}

	n, err := repo.MarkStaleProcessingFailed(ctx, time.Hour)
	if err != nil {
		t.Fatalf("MarkStaleProcessingFailed: %v", err)
	}
	if n != 1 {
		t.Fatalf("marked %d rows, want 1", n)
	}

	got, _ := repo.GetByID(ctx, job.ID)
	if got.Status != models.JobStatusFailed || got.ErrorCode != models.ErrCodeTimeout {
		t.Errorf("stale job not failed with TIMEOUT: %+v", got)
	}
}
