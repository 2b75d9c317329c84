package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/kursadbilgin/notify-relay/internal/backoff"
	"github.com/kursadbilgin/notify-relay/internal/domain"
	"github.com/kursadbilgin/notify-relay/internal/infra/postgresql/migrations"
	"github.com/kursadbilgin/notify-relay/internal/observability"
	"github.com/kursadbilgin/notify-relay/internal/provider"
	"github.com/kursadbilgin/notify-relay/internal/queue"
	"github.com/kursadbilgin/notify-relay/internal/ratelimit"
	"github.com/kursadbilgin/notify-relay/internal/render"
	"github.com/kursadbilgin/notify-relay/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testChatID int64 = -100200300

type fakeTransport struct {
	mu        sync.Mutex
	calls     []provider.Message
	deliverFn func(ctx context.Context, msg provider.Message) provider.Result
}

func (f *fakeTransport) Deliver(ctx context.Context, msg provider.Message) provider.Result {
	f.mu.Lock()
	f.calls = append(f.calls, msg)
	f.mu.Unlock()
	if f.deliverFn == nil {
		return provider.Result{Outcome: provider.OutcomeSent, Attempts: 1}
	}
	return f.deliverFn(ctx, msg)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type relayHarness struct {
	db       *gorm.DB
	repo     *repository.GormNotificationRepo
	attempts *repository.GormAttemptRepo
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	metrics  *observability.Metrics
	inserted int
}

func newRelayHarness(t *testing.T, queueCfg queue.Config) *relayHarness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "relay.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}
	if err := migrations.Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB() error = %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := repository.NewGormNotificationRepo(db)
	calc := backoff.New(10*time.Second, 600*time.Second, backoff.WithRandom(func() float64 { return 0.5 }))
	q, err := queue.New(repo, calc, queueCfg)
	if err != nil {
		t.Fatalf("queue.New() error = %v", err)
	}

	return &relayHarness{
		db:       db,
		repo:     repo,
		attempts: repository.NewGormAttemptRepo(db),
		queue:    q,
		limiter:  ratelimit.NewLimiter(ratelimit.Config{GlobalLimit: 20, Window: time.Minute, MinErrorInterval: 180 * time.Second}),
		metrics:  observability.NewMetrics(),
	}
}

func (h *relayHarness) worker(t *testing.T, transport provider.Transport, cfg WorkerConfig) *WorkerService {
	t.Helper()

	if cfg.ChatID == 0 {
		cfg.ChatID = testChatID
	}
	w, err := NewWorkerService(
		h.queue,
		transport,
		h.limiter,
		render.NewRenderer(render.ParseModeMarkdown, nil),
		repository.NewGormProfileRepo(h.db),
		h.attempts,
		cfg,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}
	w.SetMetrics(h.metrics)
	return w
}

func (h *relayHarness) insert(t *testing.T, eventType domain.EventType, destination int64, payload domain.Payload) *domain.Notification {
	t.Helper()

	h.inserted++
	now := time.Now().UTC()
	due := now.Add(-time.Second)
	n := &domain.Notification{
		ID:            uuid.NewString(),
		CreatedAt:     now.Add(-time.Hour).Add(time.Duration(h.inserted) * time.Millisecond),
		Status:        domain.StatusPending,
		EventType:     eventType,
		DestinationID: destination,
		Payload:       payload,
		NextAttemptAt: &due,
	}
	if err := h.repo.Create(context.Background(), n); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return n
}

func (h *relayHarness) get(t *testing.T, id string) *domain.Notification {
	t.Helper()

	n, err := h.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	return n
}

// makeDue stands in for the passage of time between retries.
func (h *relayHarness) makeDue(t *testing.T, id string) {
	t.Helper()

	err := h.db.Model(&repository.NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Update("next_attempt_at", time.Now().UTC().Add(-time.Second)).Error
	if err != nil {
		t.Fatalf("makeDue() error = %v", err)
	}
}

func transientResult() provider.Result {
	return provider.Result{
		Outcome:  provider.OutcomeRetryable,
		Attempts: 4,
		Err:      &provider.ProviderError{StatusCode: 503, Message: "bad gateway", Kind: provider.OutcomeRetryable},
	}
}

func TestWorkerServiceRunOnceDeliversAndMarksSent(t *testing.T) {
	t.Parallel()

	h := newRelayHarness(t, queue.Config{MaxRetries: 10})
	transport := &fakeTransport{}
	worker := h.worker(t, transport, WorkerConfig{ParseMode: render.ParseModeMarkdown})
	n := h.insert(t, domain.EventOnboardingCompleted, 42, domain.Payload{"business_name": "Cantina"})

	result, err := worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if result.Fetched != 1 || result.Processed != 1 || result.Throttled {
		t.Fatalf("RunOnce() = %+v, want 1 fetched and processed", result)
	}

	if got := h.get(t, n.ID).Status; got != domain.StatusSent {
		t.Fatalf("status = %s, want sent", got)
	}
	if got := h.limiter.GlobalCount(context.Background()); got != 1 {
		t.Fatalf("GlobalCount() = %d, want 1", got)
	}
	if transport.callCount() != 1 {
		t.Fatalf("transport calls = %d, want 1", transport.callCount())
	}
	msg := transport.calls[0]
	if msg.ChatID != testChatID || msg.NotificationID != n.ID || msg.ParseMode != render.ParseModeMarkdown {
		t.Fatalf("message = %+v, want chat %d for %s", msg, testChatID, n.ID)
	}
	if !strings.Contains(msg.Text, "Cantina") {
		t.Fatalf("message text = %q, want business name", msg.Text)
	}

	attempts, err := h.attempts.GetByNotificationID(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("GetByNotificationID() error = %v", err)
	}
	if len(attempts) != 1 || attempts[0].Outcome != "sent" || attempts[0].AttemptNumber != 1 {
		t.Fatalf("attempts = %+v, want one sent attempt", attempts)
	}
}

func TestWorkerServiceTransientFailuresExhaustRetries(t *testing.T) {
	t.Parallel()

	const maxRetries = 4
	h := newRelayHarness(t, queue.Config{MaxRetries: maxRetries})
	transport := &fakeTransport{deliverFn: func(context.Context, provider.Message) provider.Result {
		return transientResult()
	}}
	worker := h.worker(t, transport, WorkerConfig{})
	n := h.insert(t, domain.EventInventoryUploaded, 7, nil)

	for i := 1; i <= maxRetries; i++ {
		h.makeDue(t, n.ID)
		if _, err := worker.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce() #%d error = %v", i, err)
		}

		got := h.get(t, n.ID)
		if got.RetryCount != i {
			t.Fatalf("after run %d retry_count = %d, want %d", i, got.RetryCount, i)
		}
		if i < maxRetries {
			if got.Status != domain.StatusPending || got.NextAttemptAt == nil || !got.NextAttemptAt.After(time.Now()) {
				t.Fatalf("after run %d record = %+v, want pending with future next_attempt_at", i, got)
			}
		}
	}

	final := h.get(t, n.ID)
	if final.Status != domain.StatusFailed || final.RetryCount != maxRetries {
		t.Fatalf("final record status=%s retry_count=%d, want failed/%d", final.Status, final.RetryCount, maxRetries)
	}
	if final.NextAttemptAt != nil {
		t.Fatalf("next_attempt_at = %v, want nil", final.NextAttemptAt)
	}
	if final.LastError == nil || !strings.Contains(*final.LastError, "status=503") {
		t.Fatalf("last_error = %v, want provider detail", final.LastError)
	}
	if transport.callCount() != maxRetries {
		t.Fatalf("transport calls = %d, want %d", transport.callCount(), maxRetries)
	}
}

func TestWorkerServiceSuppressesRepeatedErrorsPerDestination(t *testing.T) {
	t.Parallel()

	h := newRelayHarness(t, queue.Config{MaxRetries: 10})
	transport := &fakeTransport{}
	worker := h.worker(t, transport, WorkerConfig{})
	first := h.insert(t, domain.EventError, 55, domain.Payload{"error_message": "boom"})
	second := h.insert(t, domain.EventError, 55, domain.Payload{"error_message": "boom again"})

	if _, err := worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if transport.callCount() != 1 {
		t.Fatalf("transport calls = %d, want 1", transport.callCount())
	}
	for _, id := range []string{first.ID, second.ID} {
		if got := h.get(t, id).Status; !got.IsTerminal() {
			t.Fatalf("status of %s = %s, want terminal", id, got)
		}
	}
	if got := h.get(t, second.ID).Status; got != domain.StatusSent {
		t.Fatalf("suppressed status = %s, want sent", got)
	}
	if got := h.limiter.GlobalCount(context.Background()); got != 1 {
		t.Fatalf("GlobalCount() = %d, want 1", got)
	}
}

func TestWorkerServiceSuppressedStatusIsConfigurable(t *testing.T) {
	t.Parallel()

	h := newRelayHarness(t, queue.Config{MaxRetries: 10, SuppressedStatus: domain.StatusSuppressed})
	worker := h.worker(t, &fakeTransport{}, WorkerConfig{})
	h.insert(t, domain.EventError, 9, nil)
	second := h.insert(t, domain.EventError, 9, nil)

	if _, err := worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if got := h.get(t, second.ID).Status; got != domain.StatusSuppressed {
		t.Fatalf("status = %s, want suppressed", got)
	}
}

func TestWorkerServiceGlobalThrottleLeavesRecordsUntouched(t *testing.T) {
	t.Parallel()

	h := newRelayHarness(t, queue.Config{MaxRetries: 10})
	h.limiter = ratelimit.NewLimiter(ratelimit.Config{GlobalLimit: 1, Window: time.Minute})
	transport := &fakeTransport{}
	worker := h.worker(t, transport, WorkerConfig{})
	first := h.insert(t, domain.EventOnboardingCompleted, 1, nil)
	second := h.insert(t, domain.EventOnboardingCompleted, 2, nil)

	result, err := worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !result.Throttled || result.Processed != 1 || result.Fetched != 2 {
		t.Fatalf("RunOnce() = %+v, want throttled after one record", result)
	}

	if got := h.get(t, first.ID).Status; got != domain.StatusSent {
		t.Fatalf("first status = %s, want sent", got)
	}
	untouched := h.get(t, second.ID)
	if untouched.Status != domain.StatusPending || untouched.RetryCount != 0 {
		t.Fatalf("second record = %+v, want untouched pending", untouched)
	}
	if transport.callCount() != 1 {
		t.Fatalf("transport calls = %d, want 1", transport.callCount())
	}
}

func TestWorkerServicePermanentFailure(t *testing.T) {
	t.Parallel()

	permanent := provider.Result{
		Outcome:  provider.OutcomePermanent,
		Attempts: 1,
		Err:      &provider.ProviderError{StatusCode: 400, Message: "can't parse entities", Kind: provider.OutcomePermanent},
	}

	testCases := []struct {
		name       string
		failsFast  bool
		wantStatus domain.Status
	}{
		{name: "fails fast", failsFast: true, wantStatus: domain.StatusFailed},
		{name: "consumes retry budget", failsFast: false, wantStatus: domain.StatusPending},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newRelayHarness(t, queue.Config{MaxRetries: 10})
			transport := &fakeTransport{deliverFn: func(context.Context, provider.Message) provider.Result {
				return permanent
			}}
			worker := h.worker(t, transport, WorkerConfig{PermanentFailsFast: tc.failsFast})
			n := h.insert(t, domain.EventOnboardingCompleted, 3, nil)

			if _, err := worker.RunOnce(context.Background()); err != nil {
				t.Fatalf("RunOnce() error = %v", err)
			}

			got := h.get(t, n.ID)
			if got.Status != tc.wantStatus || got.RetryCount != 1 {
				t.Fatalf("record status=%s retry_count=%d, want %s/1", got.Status, got.RetryCount, tc.wantStatus)
			}
		})
	}
}

func TestWorkerServiceFatalFailureConsumesRetryBudget(t *testing.T) {
	t.Parallel()

	h := newRelayHarness(t, queue.Config{MaxRetries: 10})
	transport := &fakeTransport{deliverFn: func(context.Context, provider.Message) provider.Result {
		return provider.Result{
			Outcome:  provider.OutcomeFatal,
			Attempts: 1,
			Err:      &provider.ProviderError{StatusCode: 401, Message: "Unauthorized", Kind: provider.OutcomeFatal},
		}
	}}
	worker := h.worker(t, transport, WorkerConfig{PermanentFailsFast: true})
	n := h.insert(t, domain.EventOnboardingCompleted, 3, nil)

	if _, err := worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	got := h.get(t, n.ID)
	if got.Status != domain.StatusPending || got.RetryCount != 1 {
		t.Fatalf("record status=%s retry_count=%d, want pending/1", got.Status, got.RetryCount)
	}
}

func TestWorkerServicePanicSchedulesRetryAndContinuesBatch(t *testing.T) {
	t.Parallel()

	h := newRelayHarness(t, queue.Config{MaxRetries: 10})
	transport := &fakeTransport{deliverFn: func(_ context.Context, msg provider.Message) provider.Result {
		if strings.Contains(msg.Text, "explode") {
			panic("renderer exploded")
		}
		return provider.Result{Outcome: provider.OutcomeSent, Attempts: 1}
	}}
	worker := h.worker(t, transport, WorkerConfig{})
	bad := h.insert(t, domain.EventOnboardingCompleted, 1, domain.Payload{"business_name": "explode"})
	good := h.insert(t, domain.EventOnboardingCompleted, 2, domain.Payload{"business_name": "fine"})

	result, err := worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if result.Processed != 2 {
		t.Fatalf("processed = %d, want 2", result.Processed)
	}

	gotBad := h.get(t, bad.ID)
	if gotBad.Status != domain.StatusPending || gotBad.RetryCount != 1 {
		t.Fatalf("panicking record = %+v, want pending retry 1", gotBad)
	}
	if gotBad.LastError == nil || !strings.Contains(*gotBad.LastError, "renderer exploded") {
		t.Fatalf("last_error = %v, want panic detail", gotBad.LastError)
	}
	if got := h.get(t, good.ID).Status; got != domain.StatusSent {
		t.Fatalf("next record status = %s, want sent", got)
	}
}

func TestWorkerServiceRendersDestinationProfile(t *testing.T) {
	t.Parallel()

	h := newRelayHarness(t, queue.Config{MaxRetries: 10})
	if err := h.db.AutoMigrate(&repository.UserProfileModel{}); err != nil {
		t.Fatalf("AutoMigrate(users) error = %v", err)
	}
	first, last := "Ada", "Lovelace"
	if err := h.db.Create(&repository.UserProfileModel{TelegramID: 77, FirstName: &first, LastName: &last}).Error; err != nil {
		t.Fatalf("create user error = %v", err)
	}

	transport := &fakeTransport{}
	worker := h.worker(t, transport, WorkerConfig{})
	h.insert(t, domain.EventOnboardingCompleted, 77, nil)

	if _, err := worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if transport.callCount() != 1 || !strings.Contains(transport.calls[0].Text, "77 - Ada Lovelace") {
		t.Fatalf("calls = %+v, want message naming the destination", transport.calls)
	}
}

type fakeDeliveryQueue struct {
	fetchDueFn func(ctx context.Context, limit int) ([]domain.Notification, error)
}

func (f *fakeDeliveryQueue) FetchDue(ctx context.Context, limit int) ([]domain.Notification, error) {
	if f.fetchDueFn == nil {
		return nil, nil
	}
	return f.fetchDueFn(ctx, limit)
}

func (f *fakeDeliveryQueue) MarkSent(context.Context, string) error { return nil }

func (f *fakeDeliveryQueue) MarkSuppressed(context.Context, string) (domain.Status, error) {
	return domain.StatusSent, nil
}

func (f *fakeDeliveryQueue) MarkRetryOrFailed(_ context.Context, _ string, n int, _ string) (queue.Transition, error) {
	return queue.Transition{Status: domain.StatusPending, RetryCount: n}, nil
}

func (f *fakeDeliveryQueue) MarkFailed(_ context.Context, _ string, n int, _ string) (queue.Transition, error) {
	return queue.Transition{Status: domain.StatusFailed, RetryCount: n}, nil
}

func newFakeQueueWorker(t *testing.T, q DeliveryQueue) *WorkerService {
	t.Helper()

	w, err := NewWorkerService(
		q,
		&fakeTransport{},
		ratelimit.NewLimiter(ratelimit.Config{}),
		render.NewRenderer(render.ParseModeHTML, nil),
		nil,
		nil,
		WorkerConfig{ChatID: testChatID, PollInterval: time.Hour, BatchPause: time.Minute},
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}
	return w
}

func TestWorkerServiceStartWaitsPollIntervalAfterFetchError(t *testing.T) {
	t.Parallel()

	q := &fakeDeliveryQueue{fetchDueFn: func(context.Context, int) ([]domain.Notification, error) {
		return nil, errors.New("connection reset")
	}}
	worker := newFakeQueueWorker(t, q)
	metrics := observability.NewMetrics()
	worker.SetMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	var waits []time.Duration
	worker.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) == 2 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	if err := worker.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(waits) != 2 || waits[0] != time.Hour || waits[1] != time.Hour {
		t.Fatalf("waits = %v, want two poll intervals", waits)
	}
}

func TestWorkerServiceStartPausesBetweenNonEmptyBatches(t *testing.T) {
	t.Parallel()

	calls := 0
	q := &fakeDeliveryQueue{fetchDueFn: func(context.Context, int) ([]domain.Notification, error) {
		calls++
		if calls == 1 {
			return []domain.Notification{{ID: "n1", Status: domain.StatusPending, EventType: domain.EventOnboardingCompleted, DestinationID: 1}}, nil
		}
		return nil, nil
	}}
	worker := newFakeQueueWorker(t, q)

	ctx, cancel := context.WithCancel(context.Background())
	var waits []time.Duration
	worker.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) == 2 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	if err := worker.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(waits) != 2 || waits[0] != time.Minute || waits[1] != time.Hour {
		t.Fatalf("waits = %v, want batch pause then poll interval", waits)
	}
}

func TestWorkerServiceStartReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := newFakeQueueWorker(t, &fakeDeliveryQueue{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- worker.Start(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}
}

func TestNewWorkerServiceValidation(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewLimiter(ratelimit.Config{})
	renderer := render.NewRenderer("", nil)

	if _, err := NewWorkerService(nil, &fakeTransport{}, limiter, renderer, nil, nil, WorkerConfig{ChatID: 1}, nil); err == nil {
		t.Fatal("expected error for nil queue")
	}
	if _, err := NewWorkerService(&fakeDeliveryQueue{}, &fakeTransport{}, limiter, renderer, nil, nil, WorkerConfig{}, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("NewWorkerService() error = %v, want ErrValidation for missing chat id", err)
	}

	w, err := NewWorkerService(&fakeDeliveryQueue{}, &fakeTransport{}, limiter, renderer, nil, nil, WorkerConfig{ChatID: 1}, nil)
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}
	if w.cfg.BatchSize != DefaultBatchSize || w.cfg.PollInterval != DefaultPollInterval || w.cfg.BatchPause != DefaultBatchPause {
		t.Fatalf("defaults = %+v", w.cfg)
	}
}
