package delivery

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coreybb/kindledrop/models"
)

type mockDeliveryStore struct {
	mu            sync.Mutex
	created       []*models.Delivery
	finalized     []*models.Delivery
	finalizedSubs []*models.Subscription
	sentToday     *models.Delivery
	findErr       error
}

func (m *mockDeliveryStore) CreateDelivery(_ context.Context, d *models.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *d
	m.created = append(m.created, &copied)
	return nil
}

func (m *mockDeliveryStore) FindSentBetween(_ context.Context, _ string, _, _ time.Time) (*models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentToday, m.findErr
}

func (m *mockDeliveryStore) FinalizeAttempt(_ context.Context, d *models.Delivery, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dc := *d
	sc := *sub
	m.finalized = append(m.finalized, &dc)
	m.finalizedSubs = append(m.finalizedSubs, &sc)
	return nil
}

func (m *mockDeliveryStore) lastFinalized(t *testing.T) (*models.Delivery, *models.Subscription) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.finalized) == 0 {
		t.Fatal("no delivery was finalized")
	}
	return m.finalized[len(m.finalized)-1], m.finalizedSubs[len(m.finalizedSubs)-1]
}

type mockFetcher struct {
	mu       sync.Mutex
	calls    int
	fileSize int
	err      error
	panics   bool
}

func (m *mockFetcher) Type() models.SubscriptionType { return models.SubscriptionTypeRecipe }

func (m *mockFetcher) Fetch(_ context.Context, _ *models.Subscription, outputPath string) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.panics {
		panic("fetcher exploded")
	}
	if m.err != nil {
		return m.err
	}
	return os.WriteFile(outputPath, make([]byte, m.fileSize), 0o644)
}

func (m *mockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockSender struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockSender) Send(_ context.Context, _ models.SMTPConfig, _ Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

func (m *mockSender) Verify(_ context.Context, _ models.SMTPConfig) error { return nil }

func (m *mockSender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testSubscription() *models.Subscription {
	next := time.Date(2024, 6, 12, 6, 0, 0, 0, time.UTC)
	return &models.Subscription{
		ID:      uuid.New().String(),
		UserID:  uuid.New().String(),
		Name:    "Morning Paper",
		Type:    models.SubscriptionTypeRecipe,
		Source:  "the_guardian",
		Enabled: true,
		Schedule: models.Schedule{
			Kind: models.ScheduleKindDaily,
			Time: "06:00",
		},
		Options:   models.DefaultFetchOptions(),
		NextRunAt: &next,
	}
}

func testUser() *models.User {
	return &models.User{
		ID:          uuid.New().String(),
		Email:       "reader@example.com",
		DeviceEmail: "reader@kindle.com",
		Timezone:    "UTC",
		SMTPConfig: &models.SMTPConfig{
			Host:      "smtp.example.com",
			Port:      587,
			Username:  "reader",
			Password:  "secret",
			FromEmail: "reader@example.com",
			UseTLS:    true,
		},
	}
}

func newTestEngine(t *testing.T, store *mockDeliveryStore, fetcher *mockFetcher, sender *mockSender, maxBytes int64) *Engine {
	t.Helper()
	e := NewEngine(store, sender, t.TempDir(), maxBytes, fetcher)
	e.clock = func() time.Time {
		return time.Date(2024, 6, 12, 6, 0, 5, 0, time.UTC)
	}
	return e
}

func TestEngineExecute_Success(t *testing.T) {
	store := &mockDeliveryStore{}
	fetcher := &mockFetcher{fileSize: 1024}
	sender := &mockSender{}
	engine := newTestEngine(t, store, fetcher, sender, 1<<20)

	delivery, err := engine.Execute(context.Background(), testSubscription(), testUser(), false)
	if err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if delivery.Status != models.DeliveryStatusSent {
		t.Errorf("status = %s, want %s", delivery.Status, models.DeliveryStatusSent)
	}
	if delivery.FileSizeBytes != 1024 {
		t.Errorf("file size = %d, want 1024", delivery.FileSizeBytes)
	}
	if sender.callCount() != 1 {
		t.Errorf("sender called %d times, want 1", sender.callCount())
	}

	finalized, sub := store.lastFinalized(t)
	if finalized.Status != models.DeliveryStatusSent {
		t.Errorf("finalized status = %s, want sent", finalized.Status)
	}
	if sub.LastStatus != models.SubscriptionStatusSuccess {
		t.Errorf("subscription last status = %s, want success", sub.LastStatus)
	}
	// Daily 06:00 attempt at 06:00:05 must land on tomorrow 06:00.
	wantNext := time.Date(2024, 6, 13, 6, 0, 0, 0, time.UTC)
	if sub.NextRunAt == nil || !sub.NextRunAt.Equal(wantNext) {
		t.Errorf("next run = %v, want %v", sub.NextRunAt, wantNext)
	}
}

func TestEngineExecute_SkipsSameDayDuplicate(t *testing.T) {
	store := &mockDeliveryStore{sentToday: &models.Delivery{ID: uuid.New().String(), Status: models.DeliveryStatusSent}}
	fetcher := &mockFetcher{fileSize: 1024}
	sender := &mockSender{}
	engine := newTestEngine(t, store, fetcher, sender, 1<<20)

	delivery, err := engine.Execute(context.Background(), testSubscription(), testUser(), false)
	if err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if delivery.Status != models.DeliveryStatusSkipped {
		t.Errorf("status = %s, want %s", delivery.Status, models.DeliveryStatusSkipped)
	}
	if fetcher.callCount() != 0 {
		t.Errorf("fetcher called %d times, want 0", fetcher.callCount())
	}
	if sender.callCount() != 0 {
		t.Errorf("sender called %d times, want 0", sender.callCount())
	}

	_, sub := store.lastFinalized(t)
	if sub.NextRunAt == nil {
		t.Error("skipped attempt must still advance the next run time")
	}
}

func TestEngineExecute_DuplicateCheckErrorFailsAttempt(t *testing.T) {
	store := &mockDeliveryStore{findErr: errors.New("connection reset by peer")}
	fetcher := &mockFetcher{fileSize: 1024}
	sender := &mockSender{}
	engine := newTestEngine(t, store, fetcher, sender, 1<<20)

	delivery, err := engine.Execute(context.Background(), testSubscription(), testUser(), false)
	if err == nil {
		t.Fatal("Execute() returned nil error on unreadable duplicate check")
	}
	if delivery.Status != models.DeliveryStatusFailed {
		t.Errorf("status = %s, want %s", delivery.Status, models.DeliveryStatusFailed)
	}
	if !strings.Contains(delivery.ErrorMessage, "duplicate check failed") {
		t.Errorf("error message %q does not name the duplicate check", delivery.ErrorMessage)
	}
	// Without a readable answer the engine must not fetch or send: that
	// is the only thing standing between it and a second same-day send.
	if fetcher.callCount() != 0 {
		t.Errorf("fetcher called %d times, want 0", fetcher.callCount())
	}
	if sender.callCount() != 0 {
		t.Errorf("sender called %d times, want 0", sender.callCount())
	}

	_, sub := store.lastFinalized(t)
	if sub.NextRunAt == nil {
		t.Error("failed attempt must still advance the next run time")
	}
}

func TestEngineExecute_ForceBypassesDuplicateCheck(t *testing.T) {
	store := &mockDeliveryStore{sentToday: &models.Delivery{ID: uuid.New().String(), Status: models.DeliveryStatusSent}}
	fetcher := &mockFetcher{fileSize: 1024}
	sender := &mockSender{}
	engine := newTestEngine(t, store, fetcher, sender, 1<<20)

	delivery, err := engine.Execute(context.Background(), testSubscription(), testUser(), true)
	if err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if delivery.Status != models.DeliveryStatusSent {
		t.Errorf("status = %s, want %s", delivery.Status, models.DeliveryStatusSent)
	}
	if sender.callCount() != 1 {
		t.Errorf("sender called %d times, want 1", sender.callCount())
	}
}

func TestEngineExecute_OversizeFileFailsBeforeSend(t *testing.T) {
	store := &mockDeliveryStore{}
	fetcher := &mockFetcher{fileSize: 2048}
	sender := &mockSender{}
	engine := newTestEngine(t, store, fetcher, sender, 1024)

	delivery, err := engine.Execute(context.Background(), testSubscription(), testUser(), false)
	var tooLarge *models.PayloadTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected PayloadTooLargeError, got %v", err)
	}
	if tooLarge.Actual != 2048 || tooLarge.Limit != 1024 {
		t.Errorf("error bytes = %d/%d, want 2048/1024", tooLarge.Actual, tooLarge.Limit)
	}
	if delivery.Status != models.DeliveryStatusFailed {
		t.Errorf("status = %s, want %s", delivery.Status, models.DeliveryStatusFailed)
	}
	if delivery.FileSizeBytes != 2048 {
		t.Errorf("file size = %d, want 2048", delivery.FileSizeBytes)
	}
	if sender.callCount() != 0 {
		t.Errorf("sender called %d times, want 0", sender.callCount())
	}
}

func TestEngineExecute_FetchFailureAdvancesSchedule(t *testing.T) {
	store := &mockDeliveryStore{}
	fetcher := &mockFetcher{err: &models.FetchError{Kind: models.FetchErrorTimeout, Detail: "recipe \"the_guardian\" timed out after 10m0s"}}
	sender := &mockSender{}
	engine := newTestEngine(t, store, fetcher, sender, 1<<20)

	delivery, err := engine.Execute(context.Background(), testSubscription(), testUser(), false)
	var fetchErr *models.FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Kind != models.FetchErrorTimeout {
		t.Fatalf("expected timeout FetchError, got %v", err)
	}
	if delivery.Status != models.DeliveryStatusFailed {
		t.Errorf("status = %s, want %s", delivery.Status, models.DeliveryStatusFailed)
	}
	if !strings.Contains(delivery.ErrorMessage, "timed out") {
		t.Errorf("error message %q does not mention the timeout", delivery.ErrorMessage)
	}

	_, sub := store.lastFinalized(t)
	if sub.NextRunAt == nil {
		t.Error("failed attempt must still advance the next run time")
	}
	if sub.LastStatus != models.SubscriptionStatusFailed {
		t.Errorf("subscription last status = %s, want failed", sub.LastStatus)
	}
}

func TestEngineExecute_MissingConfigurationFails(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.User)
	}{
		{"no device email", func(u *models.User) { u.DeviceEmail = "" }},
		{"no smtp config", func(u *models.User) { u.SMTPConfig = nil }},
		{"invalid timezone", func(u *models.User) { u.Timezone = "Not/AZone" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockDeliveryStore{}
			fetcher := &mockFetcher{fileSize: 1024}
			sender := &mockSender{}
			engine := newTestEngine(t, store, fetcher, sender, 1<<20)

			user := testUser()
			tt.mutate(user)

			delivery, err := engine.Execute(context.Background(), testSubscription(), user, false)
			var cfgErr *models.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if delivery.Status != models.DeliveryStatusFailed {
				t.Errorf("status = %s, want %s", delivery.Status, models.DeliveryStatusFailed)
			}
			if fetcher.callCount() != 0 {
				t.Errorf("fetcher called %d times, want 0", fetcher.callCount())
			}
		})
	}
}

func TestEngineExecute_SendFailure(t *testing.T) {
	store := &mockDeliveryStore{}
	fetcher := &mockFetcher{fileSize: 1024}
	sender := &mockSender{err: &models.SendError{Kind: models.SendErrorAuth, Detail: "535 authentication failed"}}
	engine := newTestEngine(t, store, fetcher, sender, 1<<20)

	delivery, err := engine.Execute(context.Background(), testSubscription(), testUser(), false)
	var sendErr *models.SendError
	if !errors.As(err, &sendErr) || sendErr.Kind != models.SendErrorAuth {
		t.Fatalf("expected auth SendError, got %v", err)
	}
	if delivery.Status != models.DeliveryStatusFailed {
		t.Errorf("status = %s, want %s", delivery.Status, models.DeliveryStatusFailed)
	}
}

func TestEngineExecute_PanicStillFinalizes(t *testing.T) {
	store := &mockDeliveryStore{}
	fetcher := &mockFetcher{panics: true}
	sender := &mockSender{}
	engine := newTestEngine(t, store, fetcher, sender, 1<<20)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected the panic to propagate")
			}
		}()
		engine.Execute(context.Background(), testSubscription(), testUser(), false)
	}()

	finalized, _ := store.lastFinalized(t)
	if finalized.Status != models.DeliveryStatusFailed {
		t.Errorf("finalized status = %s, want failed", finalized.Status)
	}
	if !strings.Contains(finalized.ErrorMessage, "internal error") {
		t.Errorf("error message %q does not mark the internal failure", finalized.ErrorMessage)
	}
}
