// Package worker runs the job processing pool. Each worker claims a queue
// item, drives the job through its state machine, and publishes realtime
// events only after the corresponding database write has landed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/ocrbase/ocrbase/internal/config"
	"github.com/ocrbase/ocrbase/internal/metrics"
	"github.com/ocrbase/ocrbase/internal/models"
	"github.com/ocrbase/ocrbase/internal/repository"
	"github.com/ocrbase/ocrbase/internal/service"
)

// JobStore is the repository surface the worker needs.
type JobStore interface {
	GetByID(ctx context.Context, id string) (*models.Job, error)
	Update(ctx context.Context, id string, patch models.JobPatch) error
	TransitionStatus(ctx context.Context, id string, from, to models.JobStatus) (bool, error)
	MarkFailed(ctx context.Context, id, code, message string, attempts int) (bool, error)
}

// WorkQueue is the queue surface the worker needs.
type WorkQueue interface {
	Claim(ctx context.Context) (*models.WorkItem, error)
	Ack(ctx context.Context, itemID string) error
	Fail(ctx context.Context, item *models.WorkItem, code, message string, retryable bool) error
	RenewLease(ctx context.Context, itemID string) error
	ReapExpiredLeases(ctx context.Context) (int, error)
	Depth(ctx context.Context) (int, error)
}

// BlobGetter downloads stored documents.
type BlobGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// OCREngine extracts Markdown from a document.
type OCREngine interface {
	ExtractMarkdown(ctx context.Context, mimeType string, document []byte) (*service.OCRResult, error)
}

// Extractor projects Markdown into a JSON shape.
type Extractor interface {
	Extract(ctx context.Context, markdown, schemaJSON, hints string) (*service.ExtractResult, error)
}

// SchemaResolver resolves a job's schemaRef.
type SchemaResolver interface {
	Resolve(ctx context.Context, tenantID, ref string) (*models.SchemaDoc, error)
}

// Publisher delivers realtime events.
type Publisher interface {
	Publish(ev models.Event)
}

// Pool is the bounded worker pool.
type Pool struct {
	jobs    JobStore
	queue   WorkQueue
	blobs   BlobGetter
	ocr     OCREngine
	llm     Extractor
	schemas SchemaResolver
	bus     Publisher
	cfg     *config.Config
	logger  *slog.Logger

	fetch *http.Client

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds the pool. Register HandleTerminalFailure with the queue's
// terminal-failure callback so exhausted items flip their jobs to failed.
func New(jobs JobStore, q WorkQueue, blobs BlobGetter, ocr OCREngine, llm Extractor, schemas SchemaResolver, bus Publisher, cfg *config.Config, logger *slog.Logger) *Pool {
	return &Pool{
		jobs: jobs, queue: q, blobs: blobs, ocr: ocr, llm: llm,
		schemas: schemas, bus: bus, cfg: cfg,
		logger: logger.With("component", "worker"),
		fetch:  &http.Client{Timeout: 2 * time.Minute},
		stop:   make(chan struct{}),
	}
}

// Start launches the worker goroutines and the lease reaper.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.wg.Add(1)
	go p.reap()
	p.logger.Info("worker pool started", "concurrency", p.cfg.WorkerConcurrency)
}

// Stop signals the pool to finish in-flight attempts and waits for them.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.processNext(context.Background())
		}
	}
}

func (p *Pool) reap() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.LeaseDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if n, err := p.queue.ReapExpiredLeases(ctx); err != nil {
				p.logger.Error("reaping leases failed", "error", err)
			} else if n > 0 {
				p.logger.Warn("reaped expired leases", "count", n)
			}
			if depth, err := p.queue.Depth(ctx); err == nil {
				metrics.QueueDepth.Set(float64(depth))
			}
			cancel()
		}
	}
}

// processNext claims and runs at most one item.
func (p *Pool) processNext(ctx context.Context) {
	item, err := p.queue.Claim(ctx)
	if err != nil {
		p.logger.Error("claiming work failed", "error", err)
		return
	}
	if item == nil {
		return
	}

	start := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	err = p.processItem(attemptCtx, item)
	cancel()

	if err == nil {
		metrics.AttemptDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
		if ackErr := p.queue.Ack(ctx, item.ID); ackErr != nil {
			p.logger.Error("acking item failed", "item_id", item.ID, "error", ackErr)
		}
		return
	}

	// A deadline blown mid-attempt is a retryable TIMEOUT regardless of where
	// it surfaced.
	code, message, retryable := models.Classify(err)
	if errors.Is(err, context.DeadlineExceeded) {
		code, message, retryable = models.ErrCodeTimeout, "attempt deadline exceeded", true
	}

	outcome := "retryable"
	if !retryable || item.Attempts >= item.MaxAttempts {
		outcome = "terminal"
	}
	metrics.AttemptDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	// Record the attempt error on the row without flipping status; the queue
	// decides whether this attempt was the last.
	p.recordAttemptError(ctx, item, code, message)

	if failErr := p.queue.Fail(ctx, item, code, message, retryable); failErr != nil {
		p.logger.Error("recording failure failed", "item_id", item.ID, "error", failErr)
	}
}

// processItem runs one attempt of one job. A nil return means the job reached
// completed (or the item was stale and already acked-away).
func (p *Pool) processItem(ctx context.Context, item *models.WorkItem) error {
	job, err := p.jobs.GetByID(ctx, item.JobID)
	if err == repository.ErrNotFound {
		return models.Unrecoverable(models.ErrCodeJobNotFound, "job row missing for queued item", nil)
	}
	if err != nil {
		return models.Transient(models.ErrCodeInternal, "loading job", err)
	}

	// Stale item: the job already finished (e.g. a reaped lease raced the
	// original worker's final write). Nothing to do.
	if job.Status.IsTerminal() {
		p.logger.Info("skipping item for terminal job", "job_id", job.ID, "status", job.Status)
		return nil
	}

	// Mirror queue attempt state onto the row for observability.
	patch := models.JobPatch{AttemptsMade: models.Ptr(item.Attempts)}
	if job.Status == models.JobStatusPending {
		patch.StartedAt = models.Ptr(time.Now().UTC())
	}
	if err := p.jobs.Update(ctx, job.ID, patch); err != nil {
		return models.Transient(models.ErrCodeInternal, "recording attempt", err)
	}

	if job.Status == models.JobStatusPending {
		ok, err := p.jobs.TransitionStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusProcessing)
		if err != nil {
			return models.Transient(models.ErrCodeInternal, "starting job", err)
		}
		if ok {
			job.Status = models.JobStatusProcessing
			p.bus.Publish(models.StatusEvent(job.ID, models.JobStatusProcessing))
		}
	}

	// OCR phase. Skipped when a prior attempt already checkpointed the
	// markdown; the retry resumes from extraction.
	if job.MarkdownResult == "" {
		document, mimeType, err := p.loadDocument(ctx, job)
		if err != nil {
			return err
		}

		result, err := p.ocr.ExtractMarkdown(ctx, mimeType, document)
		if err != nil {
			return err
		}

		err = p.jobs.Update(ctx, job.ID, models.JobPatch{
			MarkdownResult: models.Ptr(result.Markdown),
			PageCount:      models.Ptr(result.PageCount),
		})
		if err != nil {
			return models.Transient(models.ErrCodeInternal, "persisting markdown", err)
		}
		job.MarkdownResult = result.Markdown
		job.PageCount = result.PageCount
	}

	if job.Type == models.JobTypeExtract {
		// OCR may have consumed much of the lease; extraction gets a fresh one.
		if err := p.queue.RenewLease(ctx, item.ID); err != nil {
			p.logger.Warn("renewing lease failed", "item_id", item.ID, "error", err)
		}
		if err := p.runExtraction(ctx, job); err != nil {
			return err
		}
	}

	return p.complete(ctx, job)
}

// runExtraction drives the extracting phase for extract jobs.
func (p *Pool) runExtraction(ctx context.Context, job *models.Job) error {
	schema, err := p.schemas.Resolve(ctx, job.TenantID, job.SchemaRef)
	if err != nil {
		return err
	}

	if job.Status == models.JobStatusProcessing {
		ok, err := p.jobs.TransitionStatus(ctx, job.ID, models.JobStatusProcessing, models.JobStatusExtracting)
		if err != nil {
			return models.Transient(models.ErrCodeInternal, "entering extraction", err)
		}
		if ok {
			job.Status = models.JobStatusExtracting
			p.bus.Publish(models.StatusEvent(job.ID, models.JobStatusExtracting))
		}
	}

	result, err := p.llm.Extract(ctx, job.MarkdownResult, schema.SchemaJSON, job.Hints)
	if err != nil {
		return err
	}

	err = p.jobs.Update(ctx, job.ID, models.JobPatch{
		JSONResult: models.Ptr(result.JSON),
		LLMModel:   models.Ptr(result.Model),
		TokenCount: models.Ptr(result.TokenCount),
	})
	if err != nil {
		return models.Transient(models.ErrCodeInternal, "persisting extraction", err)
	}
	job.JSONResult = result.JSON
	return nil
}

// complete flips the job to completed and publishes the terminal event after
// the write lands.
func (p *Pool) complete(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	var elapsed int64
	if job.StartedAt != nil {
		elapsed = now.Sub(*job.StartedAt).Milliseconds()
	}

	ok, err := p.jobs.TransitionStatus(ctx, job.ID, job.Status, models.JobStatusCompleted)
	if err != nil {
		return models.Transient(models.ErrCodeInternal, "completing job", err)
	}
	if !ok {
		// Someone else finished the job; treat as done.
		p.logger.Warn("completion transition rejected", "job_id", job.ID, "from", job.Status)
		return nil
	}

	err = p.jobs.Update(ctx, job.ID, models.JobPatch{
		CompletedAt:      models.Ptr(now),
		ProcessingTimeMs: models.Ptr(elapsed),
		// Clear errors recorded by earlier failed attempts.
		ErrorCode:    models.Ptr(""),
		ErrorMessage: models.Ptr(""),
	})
	if err != nil {
		p.logger.Error("recording completion metrics failed", "job_id", job.ID, "error", err)
	}

	job.Status = models.JobStatusCompleted
	job.ProcessingTimeMs = elapsed
	p.bus.Publish(models.CompletedEvent(job))
	metrics.JobsCompleted.WithLabelValues(string(job.Type)).Inc()
	p.logger.Info("job completed", "job_id", job.ID, "type", job.Type, "elapsed_ms", elapsed)
	return nil
}

// loadDocument fetches the job's input bytes from the blob store or source URL.
func (p *Pool) loadDocument(ctx context.Context, job *models.Job) ([]byte, string, error) {
	switch {
	case job.BlobKey != "" && !job.PendingUpload:
		data, err := p.blobs.Get(ctx, job.BlobKey)
		if err != nil {
			return nil, "", models.Transient(models.ErrCodeFetchFailed, "reading stored document", err)
		}
		return data, job.MimeType, nil

	case job.SourceURL != "":
		return p.fetchURL(ctx, job)

	default:
		return nil, "", models.Unrecoverable(models.ErrCodeNoSource, "job has no document source", nil)
	}
}

func (p *Pool) fetchURL(ctx context.Context, job *models.Job) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.SourceURL, nil)
	if err != nil {
		return nil, "", models.Unrecoverable(models.ErrCodeFetchFailed, "building fetch request", err)
	}

	resp, err := p.fetch.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", models.Transient(models.ErrCodeTimeout, "fetch timed out", err)
		}
		return nil, "", models.Transient(models.ErrCodeFetchFailed, "fetching source url", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, "", models.Transient(models.ErrCodeFetchFailed,
			fmt.Sprintf("source returned %d", resp.StatusCode), nil)
	case resp.StatusCode >= 300:
		return nil, "", models.Unrecoverable(models.ErrCodeFetchFailed,
			fmt.Sprintf("source returned %d", resp.StatusCode), nil)
	}

	// Read one byte past the cap to detect oversized bodies without
	// trusting Content-Length.
	limit := p.cfg.MaxUploadBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", models.Transient(models.ErrCodeFetchFailed, "reading source body", err)
	}
	if int64(len(data)) > limit {
		return nil, "", models.Unrecoverable(models.ErrCodeFetchFailed,
			fmt.Sprintf("source document exceeds %d byte limit", limit), nil)
	}

	mimeType := job.MimeType
	if ct := resp.Header.Get("Content-Type"); mimeType == "" && ct != "" {
		if mt, _, perr := mime.ParseMediaType(ct); perr == nil {
			mimeType = mt
		} else {
			mimeType = ct
		}
	}

	// Record what the fetch actually produced; URL jobs carry neither at
	// admission.
	err = p.jobs.Update(ctx, job.ID, models.JobPatch{
		MimeType: models.Ptr(mimeType),
		FileSize: models.Ptr(int64(len(data))),
	})
	if err != nil {
		return nil, "", models.Transient(models.ErrCodeInternal, "recording fetched source", err)
	}
	job.MimeType = mimeType
	job.FileSize = int64(len(data))

	return data, mimeType, nil
}

// recordAttemptError writes the failure onto the row without changing status.
// The terminal flip, if this was the last attempt, happens in
// HandleTerminalFailure via the queue callback.
func (p *Pool) recordAttemptError(ctx context.Context, item *models.WorkItem, code, message string) {
	err := p.jobs.Update(ctx, item.JobID, models.JobPatch{
		ErrorCode:    models.Ptr(code),
		ErrorMessage: models.Ptr(message),
		AttemptsMade: models.Ptr(item.Attempts),
	})
	if err != nil && err != repository.ErrNotFound {
		p.logger.Error("recording attempt error failed", "job_id", item.JobID, "error", err)
	}
}

// HandleTerminalFailure is the queue's terminal-failure callback: it flips
// the job to failed and publishes the terminal error event after the write.
// The flip is status-guarded: a reaped lease can fire this after a slow
// worker already completed the job, and a terminal row must not change.
func (p *Pool) HandleTerminalFailure(ctx context.Context, item *models.WorkItem, code, message string) {
	flipped, err := p.jobs.MarkFailed(ctx, item.JobID, code, message, item.Attempts)
	if err != nil {
		p.logger.Error("failing job failed", "job_id", item.JobID, "error", err)
		return
	}
	if !flipped {
		p.logger.Info("skipping terminal failure for finished job",
			"job_id", item.JobID, "code", code)
		return
	}

	p.bus.Publish(models.FailedEvent(item.JobID, code, message))
	metrics.JobsFailed.WithLabelValues(code).Inc()
	p.logger.Warn("job failed", "job_id", item.JobID, "code", code, "attempts", item.Attempts)
}
