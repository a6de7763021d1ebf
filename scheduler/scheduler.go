package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coreybb/kindledrop/metrics"
	"github.com/coreybb/kindledrop/models"
	"github.com/coreybb/kindledrop/schedule"
)

// ErrAlreadyRunning is returned by TriggerNow when a delivery for the
// subscription is already in flight.
var ErrAlreadyRunning = errors.New("a delivery for this subscription is already running")

// SubscriptionStore is the subscription persistence the scheduler needs.
// Satisfied by datastore.SubscriptionRepository.
type SubscriptionStore interface {
	GetDueSubscriptions(ctx context.Context, now time.Time) ([]models.Subscription, error)
	GetSubscriptionByID(ctx context.Context, subscriptionID string) (*models.Subscription, error)
	UpdateNextRun(ctx context.Context, subscriptionID string, nextRunAt *time.Time) error
}

// UserStore resolves subscription owners. Satisfied by
// datastore.UserRepository.
type UserStore interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
}

// DeliveryRunner executes one delivery attempt. Satisfied by
// delivery.Engine.
type DeliveryRunner interface {
	Execute(ctx context.Context, sub *models.Subscription, user *models.User, force bool) (*models.Delivery, error)
}

// Config holds the scheduler's tunables.
type Config struct {
	// PollInterval is how often the database is queried for due
	// subscriptions.
	PollInterval time.Duration
	// MaxConcurrent bounds how many deliveries run at once.
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	return c
}

// Scheduler polls the database for due subscriptions and dispatches
// deliveries. The database is the source of truth: subscription edits
// take effect on the next poll with no job bookkeeping, and restarts
// recover by rescheduling stale rows.
type Scheduler struct {
	cfg    Config
	subs   SubscriptionStore
	users  UserStore
	runner DeliveryRunner
	sink   metrics.Sink
	clock  func() time.Time

	// slots bounds concurrent deliveries.
	slots chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	runCtx   context.Context
}

func New(cfg Config, subs SubscriptionStore, users UserStore, runner DeliveryRunner, sink metrics.Sink) *Scheduler {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Scheduler{
		cfg:      cfg,
		subs:     subs,
		users:    users,
		runner:   runner,
		sink:     sink,
		clock:    func() time.Time { return time.Now().UTC() },
		slots:    make(chan struct{}, cfg.MaxConcurrent),
		inFlight: make(map[string]struct{}),
		runCtx:   context.Background(),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight deliveries
// to finish before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	if err := s.rescheduleStale(ctx); err != nil {
		log.Printf("WARN (Scheduler): Failed to fix stale schedules at startup: %v", err)
	}

	log.Printf("INFO (Scheduler): Polling every %s, max %d concurrent deliveries.", s.cfg.PollInterval, s.cfg.MaxConcurrent)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("INFO (Scheduler): Shutting down, waiting for in-flight deliveries.")
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// rescheduleStale pushes past-due subscriptions forward instead of
// firing them. Content is fetched live, so a missed run cannot deliver
// yesterday's edition anyway.
func (s *Scheduler) rescheduleStale(ctx context.Context) error {
	now := s.clock()
	stale, err := s.subs.GetDueSubscriptions(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to query stale subscriptions: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	log.Printf("INFO (Scheduler): Rescheduling %d stale subscription(s), skipping missed runs.", len(stale))
	for i := range stale {
		sub := &stale[i]
		user, err := s.users.GetUserByID(ctx, sub.UserID)
		if err != nil {
			log.Printf("WARN (Scheduler): Could not load user %s for subscription %s: %v", sub.UserID, sub.ID, err)
			continue
		}
		next, err := schedule.ComputeNextRun(sub.Schedule, now, user.Timezone)
		if err != nil {
			log.Printf("WARN (Scheduler): Could not reschedule subscription %s: %v", sub.ID, err)
			next = nil
		}
		if err := s.subs.UpdateNextRun(ctx, sub.ID, next); err != nil {
			log.Printf("ERROR (Scheduler): Failed to update next run for subscription %s: %v", sub.ID, err)
		}
	}
	return nil
}

// poll runs one cycle: query due subscriptions and dispatch each.
func (s *Scheduler) poll(ctx context.Context) {
	s.sink.PollStarted()
	start := time.Now()

	due, err := s.subs.GetDueSubscriptions(ctx, s.clock())
	s.sink.PollCompleted(time.Since(start), len(due), err)
	if err != nil {
		log.Printf("ERROR (Scheduler): Poll failed: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}

	log.Printf("INFO (Scheduler): Found %d due subscription(s).", len(due))
	for i := range due {
		s.dispatch(due[i].ID, false)
	}
}

// dispatch starts a delivery goroutine for the subscription unless one
// is already in flight. next_run_at only advances when an attempt
// completes, so a long delivery stays "due" across polls; the in-flight
// set is what prevents double execution.
func (s *Scheduler) dispatch(subscriptionID string, force bool) bool {
	s.mu.Lock()
	if _, running := s.inFlight[subscriptionID]; running {
		s.mu.Unlock()
		return false
	}
	s.inFlight[subscriptionID] = struct{}{}
	runCtx := s.runCtx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, subscriptionID)
			s.mu.Unlock()
		}()

		s.slots <- struct{}{}
		defer func() { <-s.slots }()

		s.deliver(runCtx, subscriptionID, force)
	}()
	return true
}

// deliver re-reads the subscription and owner so the attempt always
// sees current configuration, then runs the delivery engine.
func (s *Scheduler) deliver(ctx context.Context, subscriptionID string, force bool) {
	sub, err := s.subs.GetSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		log.Printf("WARN (Scheduler): Subscription %s not found during delivery: %v", subscriptionID, err)
		return
	}
	user, err := s.users.GetUserByID(ctx, sub.UserID)
	if err != nil {
		log.Printf("WARN (Scheduler): User %s not found during delivery: %v", sub.UserID, err)
		return
	}

	log.Printf("INFO (Scheduler): Starting delivery for '%s'.", sub.Name)
	s.sink.DeliveryStarted()
	start := time.Now()

	result, err := s.execute(ctx, sub, user, force)
	s.sink.DeliveryCompleted(outcomeOf(result, err), time.Since(start))

	if err != nil {
		log.Printf("WARN (Scheduler): Delivery for '%s' failed: %v", sub.Name, err)
		return
	}
	log.Printf("INFO (Scheduler): Delivery for '%s' completed with status %s.", sub.Name, result.Status)
}

// execute runs one attempt and contains any panic it raises. A panicking
// attempt fails that delivery only; the polling loop and the other
// in-flight deliveries keep running.
func (s *Scheduler) execute(ctx context.Context, sub *models.Subscription, user *models.User, force bool) (result *models.Delivery, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR (Scheduler): Delivery for '%s' panicked: %v", sub.Name, r)
			result = nil
			err = fmt.Errorf("delivery panicked: %v", r)
		}
	}()
	return s.runner.Execute(ctx, sub, user, force)
}

// TriggerNow dispatches an immediate delivery for the subscription,
// subject to the same concurrency bound as scheduled runs. It returns
// once the delivery is queued; the attempt itself runs on the
// scheduler's own context so it survives the caller's request.
func (s *Scheduler) TriggerNow(ctx context.Context, subscriptionID string, force bool) error {
	// Validate existence up front so callers get a synchronous 404.
	if _, err := s.subs.GetSubscriptionByID(ctx, subscriptionID); err != nil {
		return err
	}
	if !s.dispatch(subscriptionID, force) {
		return ErrAlreadyRunning
	}
	return nil
}

func outcomeOf(result *models.Delivery, err error) string {
	if result == nil {
		return metrics.OutcomeFailed
	}
	switch result.Status {
	case models.DeliveryStatusSent:
		return metrics.OutcomeSent
	case models.DeliveryStatusSkipped:
		return metrics.OutcomeSkipped
	default:
		return metrics.OutcomeFailed
	}
}
