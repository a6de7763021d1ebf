package delivery

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/coreybb/kindledrop/models"
	"github.com/coreybb/kindledrop/schedule"
)

// DeliveryStore is the persistence surface the engine needs. Satisfied
// by datastore.DeliveryRepository.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, delivery *models.Delivery) error
	// FindSentBetween returns a SENT delivery for the subscription whose
	// completion time falls in [from, to), or nil when there is none.
	FindSentBetween(ctx context.Context, subscriptionID string, from, to time.Time) (*models.Delivery, error)
	// FinalizeAttempt atomically records the delivery's terminal state
	// and the subscription's advanced schedule fields.
	FinalizeAttempt(ctx context.Context, delivery *models.Delivery, sub *models.Subscription) error
}

// Fetcher produces an ebook file for one subscription type.
type Fetcher interface {
	Type() models.SubscriptionType
	Fetch(ctx context.Context, sub *models.Subscription, outputPath string) error
}

// Engine executes a single delivery attempt end to end: precondition
// checks, duplicate suppression, content fetch, size validation, and
// the email send. Every attempt leaves exactly one delivery record in a
// terminal state, and the subscription's next run time is advanced in
// the same transaction that records the outcome.
type Engine struct {
	deliveries         DeliveryStore
	fetchers           map[models.SubscriptionType]Fetcher
	sender             MailSender
	epubDir            string
	maxAttachmentBytes int64
	clock              func() time.Time
}

func NewEngine(
	deliveries DeliveryStore,
	sender MailSender,
	epubDir string,
	maxAttachmentBytes int64,
	fetchers ...Fetcher,
) *Engine {
	fetcherMap := make(map[models.SubscriptionType]Fetcher, len(fetchers))
	for _, f := range fetchers {
		fetcherMap[f.Type()] = f
	}
	return &Engine{
		deliveries:         deliveries,
		fetchers:           fetcherMap,
		sender:             sender,
		epubDir:            epubDir,
		maxAttachmentBytes: maxAttachmentBytes,
		clock:              func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs one delivery attempt for the subscription. force
// bypasses same-day duplicate suppression; it never bypasses
// precondition checks. The returned delivery is always in a terminal
// state. The returned error reports why the attempt did not send (the
// attempt itself is still fully recorded).
func (e *Engine) Execute(ctx context.Context, sub *models.Subscription, user *models.User, force bool) (delivery *models.Delivery, err error) {
	now := e.clock()
	scheduledAt := now
	if sub.NextRunAt != nil {
		scheduledAt = *sub.NextRunAt
	}

	delivery = &models.Delivery{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		UserID:         user.ID,
		Status:         models.DeliveryStatusPending,
		ScheduledAt:    scheduledAt,
		StartedAt:      &now,
		CreatedAt:      now,
	}
	if err := e.deliveries.CreateDelivery(ctx, delivery); err != nil {
		return nil, fmt.Errorf("failed to create delivery record: %w", err)
	}

	// A panic inside fetch or send must still leave the attempt in a
	// terminal state before propagating.
	defer func() {
		if r := recover(); r != nil {
			e.finalize(ctx, delivery, sub, user.Timezone, models.DeliveryStatusFailed, fmt.Sprintf("internal error: %v", r))
			panic(r)
		}
	}()

	loc, perr := e.checkPreconditions(sub, user)
	if perr != nil {
		e.finalize(ctx, delivery, sub, user.Timezone, models.DeliveryStatusFailed, perr.Error())
		return delivery, perr
	}

	if !force {
		dup, derr := e.sentToday(ctx, sub.ID, now, loc)
		if derr != nil {
			// The same-day guarantee rests entirely on this check, so an
			// unreadable answer fails the attempt rather than risking a
			// duplicate send.
			ferr := fmt.Errorf("duplicate check failed: %w", derr)
			e.finalize(ctx, delivery, sub, user.Timezone, models.DeliveryStatusFailed, ferr.Error())
			return delivery, ferr
		}
		if dup != nil {
			log.Printf("INFO (Engine): Subscription %s already delivered today (delivery %s). Skipping.", sub.ID, dup.ID)
			e.finalize(ctx, delivery, sub, user.Timezone, models.DeliveryStatusSkipped, "already delivered today")
			return delivery, nil
		}
	}

	outputPath := filepath.Join(e.epubDir, fmt.Sprintf("%s_%s_%d.epub", sub.ID, delivery.ID, now.Unix()))
	fetcher := e.fetchers[sub.Type]
	if fetcher == nil {
		ferr := &models.ConfigurationError{Reason: fmt.Sprintf("no fetcher registered for subscription type %q", sub.Type)}
		e.finalize(ctx, delivery, sub, user.Timezone, models.DeliveryStatusFailed, ferr.Error())
		return delivery, ferr
	}

	if ferr := fetcher.Fetch(ctx, sub, outputPath); ferr != nil {
		e.finalize(ctx, delivery, sub, user.Timezone, models.DeliveryStatusFailed, ferr.Error())
		return delivery, ferr
	}

	info, serr := os.Stat(outputPath)
	if serr != nil {
		e.finalize(ctx, delivery, sub, user.Timezone, models.DeliveryStatusFailed, fmt.Sprintf("generated file missing: %v", serr))
		return delivery, serr
	}
	delivery.FilePath = &outputPath
	delivery.FileSizeBytes = info.Size()

	if info.Size() > e.maxAttachmentBytes {
		oerr := &models.PayloadTooLargeError{Limit: e.maxAttachmentBytes, Actual: info.Size()}
		e.finalize(ctx, delivery, sub, user.Timezone, models.DeliveryStatusFailed, oerr.Error())
		return delivery, oerr
	}

	msg := Message{
		To:             user.DeviceEmail,
		Subject:        fmt.Sprintf("%s - %s", sub.Name, now.In(loc).Format("Jan 2, 2006")),
		Body:           fmt.Sprintf("Your scheduled delivery of %s is attached.", sub.Name),
		AttachmentPath: outputPath,
		AttachmentName: attachmentName(sub.Name, now.In(loc)),
	}
	if serr := e.sender.Send(ctx, *user.SMTPConfig, msg); serr != nil {
		e.finalize(ctx, delivery, sub, user.Timezone, models.DeliveryStatusFailed, serr.Error())
		return delivery, serr
	}

	log.Printf("INFO (Engine): Delivered subscription %s to %s (%d bytes).", sub.ID, user.DeviceEmail, delivery.FileSizeBytes)
	e.finalize(ctx, delivery, sub, user.Timezone, models.DeliveryStatusSent, "")
	return delivery, nil
}

// checkPreconditions validates the account configuration the attempt
// depends on. Failures here are configuration errors: they fail the
// attempt without touching the network.
func (e *Engine) checkPreconditions(sub *models.Subscription, user *models.User) (*time.Location, error) {
	if user.DeviceEmail == "" {
		return nil, &models.ConfigurationError{Reason: "user has no device email configured"}
	}
	if user.SMTPConfig == nil || user.SMTPConfig.Host == "" {
		return nil, &models.ConfigurationError{Reason: "user has no SMTP configuration"}
	}
	loc, err := time.LoadLocation(user.Timezone)
	if err != nil {
		return nil, &models.ConfigurationError{Reason: fmt.Sprintf("invalid timezone %q", user.Timezone)}
	}
	return loc, nil
}

// sentToday checks for a SENT delivery earlier in the current calendar
// day, where "day" is defined in the owner's timezone.
func (e *Engine) sentToday(ctx context.Context, subscriptionID string, now time.Time, loc *time.Location) (*models.Delivery, error) {
	local := now.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)
	return e.deliveries.FindSentBetween(ctx, subscriptionID, dayStart.UTC(), dayEnd.UTC())
}

// finalize records the attempt's terminal state and advances the
// subscription's schedule in one transaction. The next run time is
// computed from the live clock so a long-running attempt never
// reschedules into the past.
func (e *Engine) finalize(ctx context.Context, delivery *models.Delivery, sub *models.Subscription, timezone string, status models.DeliveryStatus, errMsg string) {
	now := e.clock()
	delivery.Status = status
	delivery.CompletedAt = &now
	delivery.ErrorMessage = errMsg

	sub.LastRunAt = &now
	sub.LastError = errMsg
	switch status {
	case models.DeliveryStatusSent:
		sub.LastStatus = models.SubscriptionStatusSuccess
	case models.DeliveryStatusSkipped:
		sub.LastStatus = models.SubscriptionStatusSkipped
	default:
		sub.LastStatus = models.SubscriptionStatusFailed
	}

	sub.NextRunAt = nil
	if sub.Enabled {
		next, err := schedule.ComputeNextRun(sub.Schedule, now, timezone)
		if err != nil {
			log.Printf("WARN (Engine): Could not compute next run for subscription %s: %v. Leaving it unscheduled.", sub.ID, err)
		} else {
			sub.NextRunAt = next
		}
	}

	if err := e.deliveries.FinalizeAttempt(ctx, delivery, sub); err != nil {
		log.Printf("ERROR (Engine): Failed to finalize delivery %s: %v", delivery.ID, err)
	}
}

func attachmentName(name string, localNow time.Time) string {
	return fmt.Sprintf("%s %s.epub", name, localNow.Format("2006-01-02"))
}
