package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/ocrbase/ocrbase/internal/database/migrations"
	"github.com/ocrbase/ocrbase/internal/models"
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

func newQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	return New(setupTestDB(t), opts, nil)
}

func testItem(jobID string) *models.WorkItem {
	return &models.WorkItem{JobID: jobID, TenantID: "org_a", MaxAttempts: 3}
}

func TestEnqueueClaimAck(t *testing.T) {
	q := newQueue(t, Options{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testItem("job_1"), ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	item, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if item == nil || item.JobID != "job_1" {
		t.Fatalf("claimed = %+v, want job_1", item)
	}
	if item.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", item.Attempts)
	}

	// Leased item must not be claimable again.
	second, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if second != nil {
		t.Fatalf("double claim returned %+v", second)
	}

	if err := q.Ack(ctx, item.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	depth, err := q.Depth(ctx)
	if err != nil || depth != 0 {
		t.Fatalf("depth = %d err=%v, want 0", depth, err)
	}
}

func TestClaimIsFIFO(t *testing.T) {
	q := newQueue(t, Options{})
	ctx := context.Background()

	for _, jobID := range []string{"job_1", "job_2", "job_3"} {
		if err := q.Enqueue(ctx, testItem(jobID), ""); err != nil {
			t.Fatalf("Enqueue %s: %v", jobID, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	for _, want := range []string{"job_1", "job_2", "job_3"} {
		item, err := q.Claim(ctx)
		if err != nil || item == nil {
			t.Fatalf("Claim: item=%v err=%v", item, err)
		}
		if item.JobID != want {
			t.Errorf("claimed %s, want %s", item.JobID, want)
		}
	}
}

func TestDedupKeyPreventsDoubleEnqueue(t *testing.T) {
	q := newQueue(t, Options{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testItem("job_1"), "job_1"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, testItem("job_1"), "job_1"); err != ErrDuplicate {
		t.Fatalf("second enqueue err = %v, want ErrDuplicate", err)
	}
	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}
}

func TestRetryableFailureRequeuesWithBackoff(t *testing.T) {
	q := newQueue(t, Options{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testItem("job_1"), ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item, _ := q.Claim(ctx)
	if item == nil {
		t.Fatal("expected claim")
	}

	if err := q.Fail(ctx, item, models.ErrCodeFetchFailed, "503", true); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	// Immediately after the failure the item is delayed.
	if got, _ := q.Claim(ctx); got != nil {
		t.Fatalf("claimed before backoff elapsed: %+v", got)
	}

	time.Sleep(30 * time.Millisecond)
	got, err := q.Claim(ctx)
	if err != nil || got == nil {
		t.Fatalf("claim after backoff: item=%v err=%v", got, err)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
	if got.LastError == "" {
		t.Error("last_error should record the prior failure")
	}
}

func TestTerminalCallbackFiresOnceAtMaxAttempts(t *testing.T) {
	q := newQueue(t, Options{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	ctx := context.Background()

	var calls []string
	q.OnTerminalFailure(func(ctx context.Context, item *models.WorkItem, code, message string) {
		calls = append(calls, code)
	})

	item := testItem("job_1")
	item.MaxAttempts = 2
	if err := q.Enqueue(ctx, item, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, _ := q.Claim(ctx)
	if err := q.Fail(ctx, first, models.ErrCodeFetchFailed, "503", true); err != nil {
		t.Fatalf("Fail 1: %v", err)
	}
	if len(calls) != 0 {
		t.Fatal("callback fired before attempts exhausted")
	}

	time.Sleep(5 * time.Millisecond)
	second, _ := q.Claim(ctx)
	if second == nil {
		t.Fatal("expected second claim")
	}
	if err := q.Fail(ctx, second, models.ErrCodeFetchFailed, "503 again", true); err != nil {
		t.Fatalf("Fail 2: %v", err)
	}
	if len(calls) != 1 || calls[0] != models.ErrCodeFetchFailed {
		t.Fatalf("callback calls = %v, want one FETCH_FAILED", calls)
	}

	// A redundant Fail on an already-failed item must not re-fire.
	if err := q.Fail(ctx, second, models.ErrCodeFetchFailed, "late", false); err != nil {
		t.Fatalf("Fail 3: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("callback fired %d times, want 1", len(calls))
	}
}

func TestUnrecoverableFailureSkipsRetries(t *testing.T) {
	q := newQueue(t, Options{})
	ctx := context.Background()

	var terminal int
	q.OnTerminalFailure(func(ctx context.Context, item *models.WorkItem, code, message string) {
		terminal++
		if code != models.ErrCodeLLMParseFailed {
			t.Errorf("code = %s, want LLM_PARSE_FAILED", code)
		}
	})

	if err := q.Enqueue(ctx, testItem("job_1"), ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item, _ := q.Claim(ctx)
	if err := q.Fail(ctx, item, models.ErrCodeLLMParseFailed, "malformed json twice", false); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if terminal != 1 {
		t.Fatalf("terminal callbacks = %d, want 1 (attempt 1 of 3, not retryable)", terminal)
	}
	if got, _ := q.Claim(ctx); got != nil {
		t.Fatalf("unrecoverable item requeued: %+v", got)
	}
}

func TestReapExpiredLeases(t *testing.T) {
	q := newQueue(t, Options{LeaseDuration: time.Millisecond, BaseBackoff: time.Millisecond})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testItem("job_1"), ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item, _ := q.Claim(ctx)
	if item == nil {
		t.Fatal("expected claim")
	}

	time.Sleep(10 * time.Millisecond)
	n, err := q.ReapExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("ReapExpiredLeases: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}

	time.Sleep(5 * time.Millisecond)
	got, err := q.Claim(ctx)
	if err != nil || got == nil {
		t.Fatalf("reaped item not reclaimable: item=%v err=%v", got, err)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
}

func TestRenewLease(t *testing.T) {
	q := newQueue(t, Options{LeaseDuration: time.Minute})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testItem("job_1"), ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item, _ := q.Claim(ctx)
	if err := q.RenewLease(ctx, item.ID); err != nil {
		t.Fatalf("RenewLease: %v", err)
	}
	if err := q.RenewLease(ctx, "item_missing"); err == nil {
		t.Fatal("renewing a missing lease should error")
	}
}
