// Package queue implements a durable FIFO work queue on the application
// database. Items survive restarts; claims are atomic via UPDATE...RETURNING;
// failed attempts are retried with exponential backoff until max attempts,
// after which a terminal-failure callback fires exactly once per item.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/ocrbase/ocrbase/internal/models"
)

// ErrDuplicate is returned by Enqueue when the dedup key already exists.
var ErrDuplicate = fmt.Errorf("queue: duplicate item")

// Item statuses in the work_items table.
const (
	statusReady  = "ready"
	statusLeased = "leased"
	statusDone   = "done"
	statusFailed = "failed"
)

// TerminalFailureFunc is invoked once when an item exhausts its attempts with
// a non-retryable or final error. It runs on the caller's goroutine after the
// item row is already marked failed.
type TerminalFailureFunc func(ctx context.Context, item *models.WorkItem, code, message string)

// Options configures queue behavior.
type Options struct {
	MaxAttempts   int
	LeaseDuration time.Duration
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 10 * time.Minute
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 2 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
}

// Queue is the durable work queue.
type Queue struct {
	db         *sql.DB
	opts       Options
	logger     *slog.Logger
	onTerminal TerminalFailureFunc
}

// New creates a queue over db.
func New(db *sql.DB, opts Options, logger *slog.Logger) *Queue {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{db: db, opts: opts, logger: logger.With("component", "queue")}
}

// OnTerminalFailure registers the callback fired when an item fails for good.
func (q *Queue) OnTerminalFailure(fn TerminalFailureFunc) {
	q.onTerminal = fn
}

// Enqueue adds a ready item. When dedupKey is non-empty and an item with the
// same key already exists (in any state), ErrDuplicate is returned and
// nothing is inserted.
func (q *Queue) Enqueue(ctx context.Context, item *models.WorkItem, dedupKey string) error {
	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = models.NewID(models.ItemIDPrefix)
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = q.opts.MaxAttempts
	}
	item.CreatedAt = now
	item.UpdatedAt = now

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO work_items (id, job_id, tenant_id, submitter_id, request_id, dedup_key,
			status, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		item.ID, item.JobID, item.TenantID,
		nullable(item.SubmitterID), nullable(item.RequestID), nullable(dedupKey),
		statusReady, item.MaxAttempts,
		fmtTime(now), fmtTime(now), fmtTime(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicate
		}
		return fmt.Errorf("enqueueing item for job %s: %w", item.JobID, err)
	}
	return nil
}

// Claim atomically leases the oldest ready item whose run_at has passed.
// Returns (nil, nil) when the queue is empty. The claim increments the
// attempt counter; attempt N means "this is the Nth try".
func (q *Queue) Claim(ctx context.Context) (*models.WorkItem, error) {
	now := time.Now().UTC()
	row := q.db.QueryRowContext(ctx, `
		UPDATE work_items
		SET status = ?, attempts = attempts + 1, lease_expires_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM work_items
			WHERE status = ? AND run_at <= ?
			ORDER BY created_at, id
			LIMIT 1
		)
		RETURNING id, job_id, tenant_id, submitter_id, request_id, attempts, max_attempts, last_error, created_at, updated_at`,
		statusLeased, fmtTime(now.Add(q.opts.LeaseDuration)), fmtTime(now),
		statusReady, fmtTime(now),
	)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming work item: %w", err)
	}
	return item, nil
}

// RenewLease extends a leased item's expiry, for attempts that legitimately
// outlive the default lease.
func (q *Queue) RenewLease(ctx context.Context, itemID string) error {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE work_items SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		fmtTime(now.Add(q.opts.LeaseDuration)), fmtTime(now), itemID, statusLeased)
	if err != nil {
		return fmt.Errorf("renewing lease on %s: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("renewing lease on %s: item not leased", itemID)
	}
	return nil
}

// Ack marks a leased item done.
func (q *Queue) Ack(ctx context.Context, itemID string) error {
	now := fmtTime(time.Now().UTC())
	_, err := q.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		statusDone, now, itemID, statusLeased)
	if err != nil {
		return fmt.Errorf("acking %s: %w", itemID, err)
	}
	return nil
}

// Fail records a failed attempt. Retryable errors with attempts remaining put
// the item back to ready with exponential backoff; everything else marks it
// failed and fires the terminal callback.
func (q *Queue) Fail(ctx context.Context, item *models.WorkItem, code, message string, retryable bool) error {
	now := time.Now().UTC()

	if retryable && item.Attempts < item.MaxAttempts {
		delay := q.backoff(item.Attempts)
		_, err := q.db.ExecContext(ctx, `
			UPDATE work_items SET status = ?, run_at = ?, lease_expires_at = NULL, last_error = ?, updated_at = ?
			WHERE id = ?`,
			statusReady, fmtTime(now.Add(delay)), code+": "+message, fmtTime(now), item.ID)
		if err != nil {
			return fmt.Errorf("requeueing %s: %w", item.ID, err)
		}
		q.logger.Info("attempt failed, retrying",
			"item_id", item.ID, "job_id", item.JobID,
			"attempt", item.Attempts, "max_attempts", item.MaxAttempts,
			"code", code, "retry_in", delay)
		return nil
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, lease_expires_at = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND status != ?`,
		statusFailed, code+": "+message, fmtTime(now), item.ID, statusFailed)
	if err != nil {
		return fmt.Errorf("failing %s: %w", item.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	q.logger.Warn("item failed terminally",
		"item_id", item.ID, "job_id", item.JobID, "attempts", item.Attempts, "code", code)

	// Fire the callback only on the first transition into failed.
	if n > 0 && q.onTerminal != nil {
		q.onTerminal(ctx, item, code, message)
	}
	return nil
}

// ReapExpiredLeases returns items whose lease lapsed back to ready. Items
// already at max attempts go to failed instead, with the terminal callback.
func (q *Queue) ReapExpiredLeases(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, job_id, tenant_id, submitter_id, request_id, attempts, max_attempts, last_error, created_at, updated_at
		FROM work_items
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		statusLeased, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("selecting expired leases: %w", err)
	}

	var expired []*models.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, item := range expired {
		if err := q.Fail(ctx, item, models.ErrCodeTimeout, "lease expired", true); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// Depth returns the number of ready items, for metrics and readiness checks.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_items WHERE status = ?`, statusReady).Scan(&n)
	return n, err
}

// backoff computes the delay before retry attempt+1: base * 2^(attempt-1),
// capped at MaxBackoff.
func (q *Queue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(q.opts.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if d > q.opts.MaxBackoff {
		d = q.opts.MaxBackoff
	}
	return d
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*models.WorkItem, error) {
	var item models.WorkItem
	var submitter, request, lastError sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&item.ID, &item.JobID, &item.TenantID, &submitter, &request,
		&item.Attempts, &item.MaxAttempts, &lastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	item.SubmitterID = submitter.String
	item.RequestID = request.String
	item.LastError = lastError.String
	item.CreatedAt = parseTime(createdAt)
	item.UpdatedAt = parseTime(updatedAt)
	return &item, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
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
