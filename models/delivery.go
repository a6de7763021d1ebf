package models

import (
	"strings"
	"time"
)

// DeliveryStatus defines the set of allowed statuses for a Delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSent    DeliveryStatus = "sent"
	DeliveryStatusFailed  DeliveryStatus = "failed"
	DeliveryStatusSkipped DeliveryStatus = "skipped"
)

// IsValidDeliveryStatus checks if the provided status string is a valid DeliveryStatus.
func IsValidDeliveryStatus(statusStr string) (DeliveryStatus, bool) {
	ds := DeliveryStatus(strings.ToLower(statusStr))
	switch ds {
	case DeliveryStatusPending, DeliveryStatusSent, DeliveryStatusFailed, DeliveryStatusSkipped:
		return ds, true
	default:
		return "", false
	}
}

// IsTerminal reports whether the status is final. A terminal record is
// never reopened; a retry creates a brand-new record.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusSent || s == DeliveryStatusFailed || s == DeliveryStatusSkipped
}

// Delivery is the persisted outcome of one attempt to deliver a
// subscription's content. Created pending at the start of an attempt and
// finalized exactly once.
type Delivery struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscription_id"`
	UserID         string         `json:"user_id"`
	Status         DeliveryStatus `json:"status"`
	ScheduledAt    time.Time      `json:"scheduled_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	FilePath       *string        `json:"file_path,omitempty"`
	FileSizeBytes  int64          `json:"file_size_bytes,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
