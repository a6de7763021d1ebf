package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/coreybb/kindledrop/models"
	"github.com/google/uuid"
)

type DeliveryRepository struct {
	db *sql.DB
}

func NewDeliveryRepository(db *sql.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

const deliveryColumns = `
	id, subscription_id, user_id, status, scheduled_at, started_at,
	completed_at, file_path, file_size_bytes, error_message, created_at
`

func (r *DeliveryRepository) CreateDelivery(ctx context.Context, delivery *models.Delivery) error {
	if _, err := uuid.Parse(delivery.ID); err != nil {
		return fmt.Errorf("invalid delivery ID format: %w", err)
	}
	if _, err := uuid.Parse(delivery.SubscriptionID); err != nil {
		return fmt.Errorf("invalid subscription ID format: %w", err)
	}

	query := `
		INSERT INTO deliveries (` + deliveryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		delivery.ID, delivery.SubscriptionID, delivery.UserID, string(delivery.Status),
		delivery.ScheduledAt, delivery.StartedAt, delivery.CompletedAt,
		delivery.FilePath, delivery.FileSizeBytes, nullableString(delivery.ErrorMessage), delivery.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}
	return nil
}

func (r *DeliveryRepository) GetDeliveryByID(ctx context.Context, deliveryID string) (*models.Delivery, error) {
	if _, err := uuid.Parse(deliveryID); err != nil {
		return nil, fmt.Errorf("invalid delivery ID format: %w", err)
	}

	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, deliveryID)

	delivery, err := scanDelivery(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("delivery not found: %w", err)
		}
		return nil, fmt.Errorf("failed to get delivery by ID: %w", err)
	}
	return delivery, nil
}

func (r *DeliveryRepository) ListDeliveriesByUserID(ctx context.Context, userID string, limit, offset int) ([]models.Delivery, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("invalid user ID format: %w", err)
	}

	query := `
		SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	return collectDeliveries(rows)
}

// GetLatestDeliveryBySubscriptionID returns the most recent delivery
// record for a subscription, or nil when none exist.
func (r *DeliveryRepository) GetLatestDeliveryBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Delivery, error) {
	if _, err := uuid.Parse(subscriptionID); err != nil {
		return nil, fmt.Errorf("invalid subscription ID format: %w", err)
	}

	query := `
		SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	row := r.db.QueryRowContext(ctx, query, subscriptionID)

	delivery, err := scanDelivery(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest delivery: %w", err)
	}
	return delivery, nil
}

// FindSentBetween returns a sent delivery for the subscription completed
// in [from, to), or nil. The engine passes owner-local day boundaries to
// enforce same-day duplicate suppression.
func (r *DeliveryRepository) FindSentBetween(ctx context.Context, subscriptionID string, from, to time.Time) (*models.Delivery, error) {
	if _, err := uuid.Parse(subscriptionID); err != nil {
		return nil, fmt.Errorf("invalid subscription ID format: %w", err)
	}

	query := `
		SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE subscription_id = $1 AND status = $2
		  AND completed_at >= $3 AND completed_at < $4
		ORDER BY completed_at
		LIMIT 1
	`
	row := r.db.QueryRowContext(ctx, query, subscriptionID, string(models.DeliveryStatusSent), from, to)

	delivery, err := scanDelivery(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query sent deliveries: %w", err)
	}
	return delivery, nil
}

// FinalizeAttempt writes the terminal delivery state and the
// subscription's recomputed next_run_at as one transaction. A crash can
// never leave the record finalized without the timestamp advanced, or
// the other way around.
func (r *DeliveryRepository) FinalizeAttempt(ctx context.Context, delivery *models.Delivery, sub *models.Subscription) error {
	if !delivery.Status.IsTerminal() {
		return fmt.Errorf("cannot finalize delivery %s with non-terminal status %q", delivery.ID, delivery.Status)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin finalize transaction: %w", err)
	}
	defer tx.Rollback()

	deliveryQuery := `
		UPDATE deliveries
		SET status = $2, completed_at = $3, file_path = $4,
		    file_size_bytes = $5, error_message = $6
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, deliveryQuery,
		delivery.ID, string(delivery.Status), delivery.CompletedAt,
		delivery.FilePath, delivery.FileSizeBytes, nullableString(delivery.ErrorMessage),
	); err != nil {
		return fmt.Errorf("failed to finalize delivery %s: %w", delivery.ID, err)
	}

	subQuery := `
		UPDATE subscriptions
		SET next_run_at = $2, last_run_at = $3, last_status = $4, last_error = $5
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, subQuery,
		sub.ID, sub.NextRunAt, sub.LastRunAt,
		nullableString(string(sub.LastStatus)), nullableString(sub.LastError),
	); err != nil {
		return fmt.Errorf("failed to advance subscription %s: %w", sub.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finalize transaction: %w", err)
	}
	return nil
}

// GetDeliveriesWithFilesBefore returns deliveries still referencing a
// generated file that completed before the cutoff. Used by retention
// cleanup.
func (r *DeliveryRepository) GetDeliveriesWithFilesBefore(ctx context.Context, cutoff time.Time) ([]models.Delivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE file_path IS NOT NULL AND completed_at < $1
	`
	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries with files: %w", err)
	}
	defer rows.Close()

	return collectDeliveries(rows)
}

// ClearFilePath drops the file reference after the file itself is removed.
func (r *DeliveryRepository) ClearFilePath(ctx context.Context, deliveryID string) error {
	if _, err := uuid.Parse(deliveryID); err != nil {
		return fmt.Errorf("invalid delivery ID format: %w", err)
	}

	_, err := r.db.ExecContext(ctx, `UPDATE deliveries SET file_path = NULL WHERE id = $1`, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to clear file path for delivery %s: %w", deliveryID, err)
	}
	return nil
}

// DeleteDeliveriesBefore purges records older than the cutoff and
// returns how many were removed.
func (r *DeliveryRepository) DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM deliveries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old deliveries: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		log.Printf("WARN: Could not get rows affected for delivery purge: %v", err)
		return 0, nil
	}
	return deleted, nil
}

func scanDelivery(row rowScanner) (*models.Delivery, error) {
	var delivery models.Delivery
	var statusStr string
	var errorMessage sql.NullString

	err := row.Scan(
		&delivery.ID, &delivery.SubscriptionID, &delivery.UserID, &statusStr,
		&delivery.ScheduledAt, &delivery.StartedAt, &delivery.CompletedAt,
		&delivery.FilePath, &delivery.FileSizeBytes, &errorMessage, &delivery.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	delivery.Status = models.DeliveryStatus(statusStr)
	delivery.ErrorMessage = errorMessage.String
	return &delivery, nil
}

func collectDeliveries(rows *sql.Rows) ([]models.Delivery, error) {
	var deliveries []models.Delivery
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery row: %w", err)
		}
		deliveries = append(deliveries, *delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating delivery rows: %w", err)
	}
	return deliveries, nil
}
