package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/ocrbase/ocrbase/internal/config"
	"github.com/ocrbase/ocrbase/internal/repository"
)

// BlobDeleter is the storage surface cleanup needs.
type BlobDeleter interface {
	Delete(ctx context.Context, key string) error
}

// CleanupService purges aged-out terminal jobs, soft-deleted rows, and
// abandoned presigned uploads, along with their blobs, on an interval.
type CleanupService struct {
	jobs   *repository.JobRepository
	blobs  BlobDeleter
	cfg    *config.Config
	logger *slog.Logger
}

// NewCleanupService creates the cleanup service.
func NewCleanupService(jobs *repository.JobRepository, blobs BlobDeleter, cfg *config.Config, logger *slog.Logger) *CleanupService {
	return &CleanupService{jobs: jobs, blobs: blobs, cfg: cfg, logger: logger.With("component", "cleanup")}
}

// Run loops until ctx is done, sweeping every CleanupInterval.
func (c *CleanupService) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.logger.Error("cleanup sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one purge pass.
func (c *CleanupService) Sweep(ctx context.Context) error {
	blobKeys, err := c.jobs.DeleteExpired(ctx, c.cfg.JobRetention, c.cfg.PendingUploadTTL)
	if err != nil {
		return err
	}

	for _, key := range blobKeys {
		if err := c.blobs.Delete(ctx, key); err != nil {
			// The row is gone; an orphaned blob only costs storage. Log and move on.
			c.logger.Warn("purging blob failed", "key", key, "error", err)
		}
	}

	if len(blobKeys) > 0 {
		c.logger.Info("cleanup sweep complete", "blobs_purged", len(blobKeys))
	}
	return nil
}
