package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coreybb/kindledrop/metrics"
	"github.com/coreybb/kindledrop/models"
)

// CleanupStore is the delivery persistence retention cleanup needs.
// Satisfied by datastore.DeliveryRepository.
type CleanupStore interface {
	GetDeliveriesWithFilesBefore(ctx context.Context, cutoff time.Time) ([]models.Delivery, error)
	ClearFilePath(ctx context.Context, deliveryID string) error
	DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cleanup removes generated ebook files and old delivery records past
// their retention windows. Files go first so record deletion never
// orphans a file on disk.
type Cleanup struct {
	deliveries      CleanupStore
	sink            metrics.Sink
	fileRetention   time.Duration
	recordRetention time.Duration
	clock           func() time.Time
}

func NewCleanup(deliveries CleanupStore, sink metrics.Sink, fileRetention, recordRetention time.Duration) *Cleanup {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if fileRetention <= 0 {
		fileRetention = 24 * time.Hour
	}
	if recordRetention <= 0 {
		recordRetention = 30 * 24 * time.Hour
	}
	return &Cleanup{
		deliveries:      deliveries,
		sink:            sink,
		fileRetention:   fileRetention,
		recordRetention: recordRetention,
		clock:           func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one retention pass.
func (c *Cleanup) Run(ctx context.Context) error {
	now := c.clock()

	filesRemoved, err := c.removeExpiredFiles(ctx, now.Add(-c.fileRetention))
	if err != nil {
		return err
	}

	recordsDeleted, err := c.deliveries.DeleteDeliveriesBefore(ctx, now.Add(-c.recordRetention))
	if err != nil {
		return fmt.Errorf("failed to purge old delivery records: %w", err)
	}

	c.sink.CleanupCompleted(filesRemoved, recordsDeleted)
	if filesRemoved > 0 || recordsDeleted > 0 {
		log.Printf("INFO (Cleanup): Removed %d ebook file(s), purged %d delivery record(s).", filesRemoved, recordsDeleted)
	}
	return nil
}

func (c *Cleanup) removeExpiredFiles(ctx context.Context, cutoff time.Time) (int, error) {
	expired, err := c.deliveries.GetDeliveriesWithFilesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to query expired files: %w", err)
	}

	removed := 0
	for _, d := range expired {
		if d.FilePath == nil {
			continue
		}
		if err := os.Remove(*d.FilePath); err != nil && !os.IsNotExist(err) {
			log.Printf("WARN (Cleanup): Failed to remove %s: %v", *d.FilePath, err)
			continue
		} else if err == nil {
			removed++
		}
		// The path is cleared even when the file was already gone, so
		// the row is not revisited on the next pass.
		if err := c.deliveries.ClearFilePath(ctx, d.ID); err != nil {
			log.Printf("WARN (Cleanup): Failed to clear file path for delivery %s: %v", d.ID, err)
		}
	}
	return removed, nil
}
