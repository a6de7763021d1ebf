package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coreybb/kindledrop/metrics"
	"github.com/coreybb/kindledrop/models"
)

type mockSubscriptionStore struct {
	mu       sync.Mutex
	subs     map[string]*models.Subscription
	due      []models.Subscription
	nextRuns map[string]*time.Time
}

func newMockSubscriptionStore(subs ...*models.Subscription) *mockSubscriptionStore {
	m := &mockSubscriptionStore{
		subs:     make(map[string]*models.Subscription),
		nextRuns: make(map[string]*time.Time),
	}
	for _, s := range subs {
		m.subs[s.ID] = s
	}
	return m
}

func (m *mockSubscriptionStore) GetDueSubscriptions(_ context.Context, _ time.Time) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Subscription(nil), m.due...), nil
}

func (m *mockSubscriptionStore) GetSubscriptionByID(_ context.Context, id string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription not found: %s", id)
	}
	copied := *sub
	return &copied, nil
}

func (m *mockSubscriptionStore) UpdateNextRun(_ context.Context, id string, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRuns[id] = next
	return nil
}

func (m *mockSubscriptionStore) setDue(subs ...*models.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.due = m.due[:0]
	for _, s := range subs {
		m.due = append(m.due, *s)
	}
}

type mockUserStore struct {
	user *models.User
}

func (m *mockUserStore) GetUserByID(_ context.Context, id string) (*models.User, error) {
	if m.user == nil || m.user.ID != id {
		return nil, fmt.Errorf("user not found: %s", id)
	}
	return m.user, nil
}

// mockRunner blocks each execution until release is closed, so tests
// can hold deliveries in flight deliberately.
type mockRunner struct {
	mu       sync.Mutex
	calls    []string
	active   int
	maxSeen  int
	release  chan struct{}
	started  chan string
	blocking bool
}

func newMockRunner(blocking bool) *mockRunner {
	return &mockRunner{
		release:  make(chan struct{}),
		started:  make(chan string, 32),
		blocking: blocking,
	}
}

func (m *mockRunner) Execute(_ context.Context, sub *models.Subscription, _ *models.User, _ bool) (*models.Delivery, error) {
	m.mu.Lock()
	m.calls = append(m.calls, sub.ID)
	m.active++
	if m.active > m.maxSeen {
		m.maxSeen = m.active
	}
	m.mu.Unlock()

	m.started <- sub.ID
	if m.blocking {
		<-m.release
	}

	m.mu.Lock()
	m.active--
	m.mu.Unlock()
	return &models.Delivery{ID: uuid.New().String(), SubscriptionID: sub.ID, Status: models.DeliveryStatusSent}, nil
}

func (m *mockRunner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockRunner) maxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSeen
}

// panicRunner fails every attempt by panicking, standing in for an
// unclassified failure inside the delivery engine.
type panicRunner struct {
	mu    sync.Mutex
	calls int
}

func (m *panicRunner) Execute(_ context.Context, _ *models.Subscription, _ *models.User, _ bool) (*models.Delivery, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	panic("unexpected failure inside delivery attempt")
}

func (m *panicRunner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// countingSink tallies delivery start and completion signals.
type countingSink struct {
	metrics.NoopSink
	mu        sync.Mutex
	started   int
	completed int
	outcomes  []string
}

func (c *countingSink) DeliveryStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
}

func (c *countingSink) DeliveryCompleted(outcome string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed++
	c.outcomes = append(c.outcomes, outcome)
}

func schedulerSubscription(userID string) *models.Subscription {
	next := time.Date(2024, 6, 12, 6, 0, 0, 0, time.UTC)
	return &models.Subscription{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      "Morning Paper",
		Type:      models.SubscriptionTypeRecipe,
		Source:    "the_guardian",
		Enabled:   true,
		Schedule:  models.Schedule{Kind: models.ScheduleKindDaily, Time: "06:00"},
		Options:   models.DefaultFetchOptions(),
		NextRunAt: &next,
	}
}

func schedulerUser() *models.User {
	return &models.User{
		ID:          uuid.New().String(),
		Email:       "reader@example.com",
		DeviceEmail: "reader@kindle.com",
		Timezone:    "UTC",
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSchedulerDoesNotOverlapDeliveries(t *testing.T) {
	user := schedulerUser()
	sub := schedulerSubscription(user.ID)
	store := newMockSubscriptionStore(sub)
	store.setDue(sub)
	runner := newMockRunner(true)

	s := New(Config{MaxConcurrent: 4}, store, &mockUserStore{user: user}, runner, nil)

	// Two consecutive polls while the first delivery is still running
	// must not dispatch the subscription a second time.
	s.poll(context.Background())
	<-runner.started
	s.poll(context.Background())

	time.Sleep(20 * time.Millisecond)
	if got := runner.callCount(); got != 1 {
		t.Errorf("runner called %d times while in flight, want 1", got)
	}

	close(runner.release)
	s.wg.Wait()

	// Once the first attempt finishes, the subscription is eligible again.
	runner.release = make(chan struct{})
	runner.blocking = false
	s.poll(context.Background())
	waitFor(t, time.Second, func() bool { return runner.callCount() == 2 })
	s.wg.Wait()
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	user := schedulerUser()
	subs := make([]*models.Subscription, 5)
	for i := range subs {
		subs[i] = schedulerSubscription(user.ID)
	}
	store := newMockSubscriptionStore(subs...)
	store.setDue(subs...)
	runner := newMockRunner(true)

	s := New(Config{MaxConcurrent: 2}, store, &mockUserStore{user: user}, runner, nil)
	s.poll(context.Background())

	// Exactly two deliveries may start; the rest wait on slots.
	<-runner.started
	<-runner.started
	time.Sleep(20 * time.Millisecond)
	if got := runner.maxConcurrent(); got != 2 {
		t.Errorf("max concurrent deliveries = %d, want 2", got)
	}

	close(runner.release)
	s.wg.Wait()

	if got := runner.callCount(); got != 5 {
		t.Errorf("runner called %d times total, want 5", got)
	}
	if got := runner.maxConcurrent(); got > 2 {
		t.Errorf("max concurrent deliveries = %d, want at most 2", got)
	}
}

func TestSchedulerReschedulesStaleSubscriptionsWithoutFiring(t *testing.T) {
	user := schedulerUser()
	stale := schedulerSubscription(user.ID)
	past := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)
	stale.NextRunAt = &past

	store := newMockSubscriptionStore(stale)
	store.setDue(stale)
	runner := newMockRunner(false)

	s := New(Config{}, store, &mockUserStore{user: user}, runner, nil)
	s.clock = func() time.Time { return time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC) }

	if err := s.rescheduleStale(context.Background()); err != nil {
		t.Fatalf("rescheduleStale() returned error: %v", err)
	}

	if runner.callCount() != 0 {
		t.Errorf("stale reschedule fired %d deliveries, want 0", runner.callCount())
	}

	next, ok := store.nextRuns[stale.ID]
	if !ok || next == nil {
		t.Fatal("stale subscription was not rescheduled")
	}
	// Daily at 06:00 from 09:00 lands on tomorrow 06:00.
	want := time.Date(2024, 6, 13, 6, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("rescheduled next run = %v, want %v", next, want)
	}
}

func TestSchedulerSurvivesPanickingDelivery(t *testing.T) {
	user := schedulerUser()
	sub := schedulerSubscription(user.ID)
	store := newMockSubscriptionStore(sub)
	store.setDue(sub)
	runner := &panicRunner{}
	sink := &countingSink{}

	s := New(Config{}, store, &mockUserStore{user: user}, runner, sink)

	// The attempt panics; the poll cycle and the process must outlive it.
	s.poll(context.Background())
	s.wg.Wait()

	if got := runner.callCount(); got != 1 {
		t.Fatalf("runner called %d times, want 1", got)
	}

	// The in-flight slot must be released so the subscription stays
	// dispatchable.
	if err := s.TriggerNow(context.Background(), sub.ID, false); err != nil {
		t.Fatalf("TriggerNow() after panic returned error: %v", err)
	}
	s.wg.Wait()
	if got := runner.callCount(); got != 2 {
		t.Errorf("runner called %d times after retrigger, want 2", got)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.started != sink.completed {
		t.Errorf("delivery started %d times but completed %d, gauge would leak", sink.started, sink.completed)
	}
	for _, outcome := range sink.outcomes {
		if outcome != metrics.OutcomeFailed {
			t.Errorf("panicking delivery reported outcome %q, want %q", outcome, metrics.OutcomeFailed)
		}
	}
}

func TestTriggerNow(t *testing.T) {
	user := schedulerUser()
	sub := schedulerSubscription(user.ID)
	store := newMockSubscriptionStore(sub)
	runner := newMockRunner(true)

	s := New(Config{}, store, &mockUserStore{user: user}, runner, nil)

	if err := s.TriggerNow(context.Background(), sub.ID, true); err != nil {
		t.Fatalf("TriggerNow() returned error: %v", err)
	}
	<-runner.started

	if err := s.TriggerNow(context.Background(), sub.ID, true); err != ErrAlreadyRunning {
		t.Errorf("second TriggerNow() = %v, want ErrAlreadyRunning", err)
	}

	if err := s.TriggerNow(context.Background(), uuid.New().String(), true); err == nil {
		t.Error("TriggerNow() for unknown subscription returned nil error")
	}

	close(runner.release)
	s.wg.Wait()
}
