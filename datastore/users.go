package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/coreybb/kindledrop/models"
	"github.com/google/uuid"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, device_email, timezone, smtp_config, created_at`

func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("invalid user ID format: %w", err)
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, userID)

	user, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("user not found: %w", err)
		}
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}
	return user, nil
}

// UpdateDeliverySettings persists the delivery-facing account settings:
// device address, timezone, and SMTP transport configuration.
func (r *UserRepository) UpdateDeliverySettings(ctx context.Context, user *models.User) error {
	if _, err := uuid.Parse(user.ID); err != nil {
		return fmt.Errorf("invalid user ID format: %w", err)
	}

	var smtpJSON []byte
	if user.SMTPConfig != nil {
		var err error
		smtpJSON, err = json.Marshal(user.SMTPConfig)
		if err != nil {
			return fmt.Errorf("failed to encode SMTP config: %w", err)
		}
	}

	query := `
		UPDATE users
		SET device_email = $2, timezone = $3, smtp_config = $4
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		user.ID, nullableString(user.DeviceEmail), user.Timezone, smtpJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to update settings for user %s: %w", user.ID, err)
	}
	return requireRowsAffected(result, "user")
}

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	var deviceEmail sql.NullString
	var smtpJSON []byte

	err := row.Scan(&user.ID, &user.Email, &deviceEmail, &user.Timezone, &smtpJSON, &user.CreatedAt)
	if err != nil {
		return nil, err
	}

	user.DeviceEmail = deviceEmail.String
	if len(smtpJSON) > 0 {
		var cfg models.SMTPConfig
		if err := json.Unmarshal(smtpJSON, &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode SMTP config for user %s: %w", user.ID, err)
		}
		user.SMTPConfig = &cfg
	}
	return &user, nil
}
