package models

import (
	"strings"
	"time"
)

// SubscriptionType defines the set of supported content source kinds.
type SubscriptionType string

const (
	// SubscriptionTypeRecipe fetches through a built-in Calibre recipe.
	SubscriptionTypeRecipe SubscriptionType = "recipe"
	// SubscriptionTypeFeed fetches an RSS/Atom feed URL directly.
	SubscriptionTypeFeed SubscriptionType = "feed"
)

// IsValidSubscriptionType checks if the provided type string is a valid SubscriptionType.
// It returns the typed SubscriptionType and true if valid, otherwise an empty value and false.
func IsValidSubscriptionType(typeStr string) (SubscriptionType, bool) {
	st := SubscriptionType(strings.ToLower(typeStr))
	switch st {
	case SubscriptionTypeRecipe, SubscriptionTypeFeed:
		return st, true
	default:
		return "", false
	}
}

// ScheduleKind defines the closed set of schedule variants.
type ScheduleKind string

const (
	ScheduleKindDaily    ScheduleKind = "daily"
	ScheduleKindWeekly   ScheduleKind = "weekly"
	ScheduleKindInterval ScheduleKind = "interval"
	ScheduleKindManual   ScheduleKind = "manual"
)

// Schedule describes when a subscription fires. It is a tagged value type:
// Kind selects the variant and the remaining fields carry that variant's data.
// Replaced wholesale on edit; stored as a JSON column.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`
	// Time is the wall-clock fire time "HH:MM" in the owner's timezone.
	// Used by daily and weekly schedules.
	Time string `json:"time,omitempty"`
	// Days holds lowercase weekday names ("mon".."sun"). Weekly only.
	Days []string `json:"days,omitempty"`
	// IntervalHours is the period between runs. Interval only.
	IntervalHours int `json:"interval_hours,omitempty"`
}

// FetchOptions are per-subscription knobs passed to the content fetcher.
type FetchOptions struct {
	MaxArticles   int  `json:"max_articles"`
	OldestDays    int  `json:"oldest_days"`
	IncludeImages bool `json:"include_images"`
}

// DefaultFetchOptions returns the fetch options applied when a
// subscription doesn't override them.
func DefaultFetchOptions() FetchOptions {
	return FetchOptions{
		MaxArticles:   25,
		OldestDays:    7,
		IncludeImages: true,
	}
}

// SubscriptionStatus mirrors the outcome of the most recent delivery attempt.
type SubscriptionStatus string

const (
	SubscriptionStatusSuccess SubscriptionStatus = "success"
	SubscriptionStatusFailed  SubscriptionStatus = "failed"
	SubscriptionStatusSkipped SubscriptionStatus = "skipped"
)

// Subscription is a user's recurring intent to receive content from one
// source on a schedule. NextRunAt is kept consistent with Schedule and
// Enabled at all times: disabling clears it, edits recompute it, and the
// delivery engine advances it after every attempt.
type Subscription struct {
	ID         string             `json:"id"`
	UserID     string             `json:"user_id"`
	CreatedAt  time.Time          `json:"created_at"`
	Name       string             `json:"name"`
	Type       SubscriptionType   `json:"type"`
	Source     string             `json:"source"`
	Enabled    bool               `json:"enabled"`
	Schedule   Schedule           `json:"schedule"`
	Options    FetchOptions       `json:"options"`
	LastRunAt  *time.Time         `json:"last_run_at,omitempty"`
	LastStatus SubscriptionStatus `json:"last_status,omitempty"`
	LastError  string             `json:"last_error,omitempty"`
	NextRunAt  *time.Time         `json:"next_run_at,omitempty"`
}
