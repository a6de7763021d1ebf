package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coreybb/kindledrop/models"
	"github.com/google/uuid"
)

type SubscriptionRepository struct {
	db *sql.DB
}

func NewSubscriptionRepository(db *sql.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `
	id, user_id, created_at, name, type, source, enabled, schedule, options,
	last_run_at, last_status, last_error, next_run_at
`

func (r *SubscriptionRepository) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	if _, err := uuid.Parse(sub.ID); err != nil {
		return fmt.Errorf("invalid subscription ID format: %w", err)
	}
	if _, err := uuid.Parse(sub.UserID); err != nil {
		return fmt.Errorf("invalid user ID format: %w", err)
	}

	scheduleJSON, optionsJSON, err := marshalSubscriptionJSON(sub)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.db.ExecContext(ctx, query,
		sub.ID, sub.UserID, sub.CreatedAt, sub.Name, string(sub.Type), sub.Source,
		sub.Enabled, scheduleJSON, optionsJSON,
		sub.LastRunAt, nullableString(string(sub.LastStatus)), nullableString(sub.LastError), sub.NextRunAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) GetSubscriptionByID(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	if _, err := uuid.Parse(subscriptionID); err != nil {
		return nil, fmt.Errorf("invalid subscription ID format: %w", err)
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, subscriptionID)

	sub, err := scanSubscription(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("subscription not found: %w", err)
		}
		return nil, fmt.Errorf("failed to get subscription by ID: %w", err)
	}
	return sub, nil
}

func (r *SubscriptionRepository) ListSubscriptionsByUserID(ctx context.Context, userID string) ([]models.Subscription, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("invalid user ID format: %w", err)
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// GetDueSubscriptions returns all enabled subscriptions whose next_run_at
// is at or before now. Order is stable within a poll: due time, then id.
func (r *SubscriptionRepository) GetDueSubscriptions(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE enabled = TRUE AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due subscriptions: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// UpdateSubscription persists all mutable fields, including the
// recomputed next_run_at after a schedule edit.
func (r *SubscriptionRepository) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	if _, err := uuid.Parse(sub.ID); err != nil {
		return fmt.Errorf("invalid subscription ID format: %w", err)
	}

	scheduleJSON, optionsJSON, err := marshalSubscriptionJSON(sub)
	if err != nil {
		return err
	}

	query := `
		UPDATE subscriptions
		SET name = $2, type = $3, source = $4, enabled = $5, schedule = $6,
		    options = $7, next_run_at = $8
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		sub.ID, sub.Name, string(sub.Type), sub.Source, sub.Enabled,
		scheduleJSON, optionsJSON, sub.NextRunAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription %s: %w", sub.ID, err)
	}
	return requireRowsAffected(result, "subscription")
}

// UpdateNextRun sets only the next_run_at timestamp. Used by the
// scheduler's startup pass over stale schedules.
func (r *SubscriptionRepository) UpdateNextRun(ctx context.Context, subscriptionID string, nextRunAt *time.Time) error {
	if _, err := uuid.Parse(subscriptionID); err != nil {
		return fmt.Errorf("invalid subscription ID format: %w", err)
	}

	query := `UPDATE subscriptions SET next_run_at = $2 WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, subscriptionID, nextRunAt)
	if err != nil {
		return fmt.Errorf("failed to update next run for subscription %s: %w", subscriptionID, err)
	}
	return requireRowsAffected(result, "subscription")
}

func (r *SubscriptionRepository) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	if _, err := uuid.Parse(subscriptionID); err != nil {
		return fmt.Errorf("invalid subscription ID format: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", subscriptionID, err)
	}
	return requireRowsAffected(result, "subscription")
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var sub models.Subscription
	var typeStr string
	var scheduleJSON, optionsJSON []byte
	var lastStatus, lastError sql.NullString

	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.CreatedAt, &sub.Name, &typeStr, &sub.Source,
		&sub.Enabled, &scheduleJSON, &optionsJSON,
		&sub.LastRunAt, &lastStatus, &lastError, &sub.NextRunAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Type = models.SubscriptionType(typeStr)
	sub.LastStatus = models.SubscriptionStatus(lastStatus.String)
	sub.LastError = lastError.String

	if err := json.Unmarshal(scheduleJSON, &sub.Schedule); err != nil {
		return nil, fmt.Errorf("failed to decode schedule for subscription %s: %w", sub.ID, err)
	}
	if err := json.Unmarshal(optionsJSON, &sub.Options); err != nil {
		return nil, fmt.Errorf("failed to decode options for subscription %s: %w", sub.ID, err)
	}
	return &sub, nil
}

func collectSubscriptions(rows *sql.Rows) ([]models.Subscription, error) {
	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription row: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating subscription rows: %w", err)
	}
	return subs, nil
}

func marshalSubscriptionJSON(sub *models.Subscription) (scheduleJSON, optionsJSON []byte, err error) {
	scheduleJSON, err = json.Marshal(sub.Schedule)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode schedule: %w", err)
	}
	optionsJSON, err = json.Marshal(sub.Options)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode options: %w", err)
	}
	return scheduleJSON, optionsJSON, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireRowsAffected(result sql.Result, entity string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil // driver without RowsAffected support; treat as success
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s not found: %w", entity, sql.ErrNoRows)
	}
	return nil
}
