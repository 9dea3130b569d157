// Package pipeline moves aged close-history records from the database to S3
// cold storage.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/triplewz/ironguard/internal/domain"
)

// Archiver batches history records older than the retention window into one
// NDJSON object per run and prunes them from the store only after the upload
// succeeds. A failed upload leaves every row in place for the next run.
type Archiver struct {
	history       domain.HistoryStore
	blob          domain.BlobWriter
	retentionDays int
	logger        *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(history domain.HistoryStore, blob domain.BlobWriter, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		history:       history,
		blob:          blob,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive pass.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)

	records, err := a.history.ListClosedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: list archivable history: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("pipeline: encode history record %s: %w", rec.ID, err)
		}
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("history/%04d/%02d/%02d/closes-%s.ndjson",
		now.Year(), now.Month(), now.Day(), uuid.New().String())
	if err := a.blob.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return fmt.Errorf("pipeline: upload archive: %w", err)
	}

	deleted, err := a.history.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: prune archived history: %w", err)
	}
	a.logger.Info("archive pass complete",
		slog.String("key", key),
		slog.Int("uploaded", len(records)),
		slog.Int64("pruned", deleted))
	return nil
}

// RunLoop executes archive passes on a fixed cadence until ctx ends.
func (a *Archiver) RunLoop(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("archive pass failed", slog.Any("error", err))
			}
		}
	}
}
