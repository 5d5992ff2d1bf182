package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	attemptdomain "github.com/smallbiznis/reclaim/internal/attempt/domain"
	attemptrepository "github.com/smallbiznis/reclaim/internal/attempt/repository"
	"github.com/smallbiznis/reclaim/internal/clock"
	"github.com/smallbiznis/reclaim/internal/config"
	dunningdomain "github.com/smallbiznis/reclaim/internal/dunning/domain"
	dunningservice "github.com/smallbiznis/reclaim/internal/dunning/service"
	gatewaydomain "github.com/smallbiznis/reclaim/internal/gateway/domain"
	graceservice "github.com/smallbiznis/reclaim/internal/grace/service"
	monitorservice "github.com/smallbiznis/reclaim/internal/monitor/service"
	notificationdomain "github.com/smallbiznis/reclaim/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/reclaim/internal/observability/metrics"
	"github.com/smallbiznis/reclaim/internal/orgcontext"
	subscriptiondomain "github.com/smallbiznis/reclaim/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/reclaim/internal/subscription/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Mocks for dependencies

type scriptedGateway struct {
	mu      sync.Mutex
	results []gatewaydomain.ChargeResult
	calls   int
}

func (g *scriptedGateway) RetryInvoice(ctx context.Context, req gatewaydomain.ChargeRequest) (gatewaydomain.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if len(g.results) == 0 {
		return gatewaydomain.ChargeResult{Succeeded: true}, nil
	}
	result := g.results[0]
	g.results = g.results[1:]
	return result, nil
}

type captureNotifier struct {
	mu      sync.Mutex
	notices []notificationdomain.Notice
}

func (n *captureNotifier) Notify(ctx context.Context, notice notificationdomain.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *captureNotifier) countOf(noticeType notificationdomain.NoticeType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, notice := range n.notices {
		if notice.Type == noticeType {
			count++
		}
	}
	return count
}

type noopTracker struct{}

func (noopTracker) Track(ctx context.Context, orgID snowflake.ID, eventType, dedupeKey string, payload map[string]any) error {
	return nil
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetDunningMetricsForTest()
	}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec(`
		CREATE TABLE subscriptions (
			id INTEGER PRIMARY KEY,
			org_id INTEGER,
			customer_id INTEGER,
			status TEXT,
			auto_renew BOOLEAN,
			grace_period_end DATETIME,
			canceled_at DATETIME,
			metadata TEXT,
			created_at DATETIME,
			updated_at DATETIME
		)
	`).Error; err != nil {
		t.Fatalf("create subscriptions table: %v", err)
	}
	if err := db.Exec(`
		CREATE TABLE payment_attempts (
			id INTEGER PRIMARY KEY,
			org_id INTEGER,
			subscription_id INTEGER,
			invoice_id INTEGER,
			attempt_number INTEGER,
			status TEXT,
			scheduled_at DATETIME,
			processed_at DATETIME,
			amount_due INTEGER,
			currency TEXT,
			error_code TEXT,
			error_message TEXT,
			error_category TEXT,
			metadata TEXT,
			created_at DATETIME,
			updated_at DATETIME
		)
	`).Error; err != nil {
		t.Fatalf("create payment_attempts table: %v", err)
	}
	return db
}

type testEngine struct {
	db         *gorm.DB
	node       *snowflake.Node
	fakeClock  *clock.FakeClock
	gateway    *scriptedGateway
	notifier   *captureNotifier
	dunningSvc dunningdomain.Service
	scheduler  *Scheduler
}

func newTestEngine(t *testing.T, startTime time.Time) *testEngine {
	t.Helper()

	db := openTestDB(t)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fakeClock := clock.NewFakeClock(startTime)

	holder := &config.DunningConfigHolder{}
	holder.Store(config.DefaultDunningConfig())

	attemptRepo := attemptrepository.Provide()
	subscriptionRepo := subscriptionrepository.Provide()
	gw := &scriptedGateway{}
	notifier := &captureNotifier{}
	tracker := noopTracker{}

	mon := monitorservice.NewService(monitorservice.ServiceParam{
		DB:     db,
		Log:    zap.NewNop(),
		Clock:  fakeClock,
		Holder: holder,
		Repo:   attemptRepo,
		Sender: monitorservice.NewLogSender(zap.NewNop()),
	})

	dunningSvc := dunningservice.NewService(dunningservice.ServiceParam{
		DB:               db,
		Log:              zap.NewNop(),
		GenID:            node,
		Clock:            fakeClock,
		Holder:           holder,
		AttemptRepo:      attemptRepo,
		SubscriptionRepo: subscriptionRepo,
		Gateway:          gw,
		Notifier:         notifier,
		Tracker:          tracker,
		Monitor:          mon,
	})

	graceSvc := graceservice.NewService(graceservice.ServiceParam{
		DB:               db,
		Log:              zap.NewNop(),
		Clock:            fakeClock,
		AttemptRepo:      attemptRepo,
		SubscriptionRepo: subscriptionRepo,
		Notifier:         notifier,
		Tracker:          tracker,
	})

	sched, err := New(Params{
		DB:               db,
		Log:              zap.NewNop(),
		DunningSvc:       dunningSvc,
		GraceSvc:         graceSvc,
		SubscriptionRepo: subscriptionRepo,
		GenID:            node,
		Clock:            fakeClock,
		Config:           Config{BatchSize: 10},
	})
	if err != nil {
		t.Fatalf("New scheduler: %v", err)
	}

	return &testEngine{
		db:         db,
		node:       node,
		fakeClock:  fakeClock,
		gateway:    gw,
		notifier:   notifier,
		dunningSvc: dunningSvc,
		scheduler:  sched,
	}
}

func (e *testEngine) seedSubscription(t *testing.T, orgID snowflake.ID) snowflake.ID {
	t.Helper()
	subID := e.node.Generate()
	if err := e.db.Exec(`
		INSERT INTO subscriptions (id, org_id, customer_id, status, auto_renew, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, subID, orgID, e.node.Generate(), subscriptiondomain.SubscriptionStatusActive, true, e.fakeClock.Now(), e.fakeClock.Now()).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return subID
}

func (e *testEngine) fetchAttempts(t *testing.T, subID snowflake.ID) []attemptdomain.PaymentAttempt {
	t.Helper()
	var attempts []attemptdomain.PaymentAttempt
	if err := e.db.Raw(
		`SELECT * FROM payment_attempts WHERE subscription_id = ? ORDER BY attempt_number`,
		subID,
	).Scan(&attempts).Error; err != nil {
		t.Fatalf("fetch attempts: %v", err)
	}
	return attempts
}

func (e *testEngine) fetchSubscription(t *testing.T, subID snowflake.ID) subscriptiondomain.Subscription {
	t.Helper()
	var subscription subscriptiondomain.Subscription
	if err := e.db.Raw(`SELECT * FROM subscriptions WHERE id = ?`, subID).Scan(&subscription).Error; err != nil {
		t.Fatalf("fetch subscription: %v", err)
	}
	return subscription
}

// TestScheduler_FullDunningLifecycle_FakeClock walks one subscription
// through every stage: four failed retries, escalation into the grace
// period, and cancellation once the grace period lapses.
func TestScheduler_FullDunningLifecycle_FakeClock(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()
	obsmetrics.ResetDunningMetricsForTest()
	obsmetrics.DunningWithConfig(obsmetrics.Config{ServiceName: "test", Environment: "test"})

	startTime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	engine := newTestEngine(t, startTime)

	orgID := snowflake.ID(2010735548360036353)
	subID := engine.seedSubscription(t, orgID)
	invoiceID := engine.node.Generate()

	ctx := orgcontext.WithOrgID(context.Background(), orgID)

	// Every gateway call fails: the schedule must run to exhaustion.
	engine.gateway.results = []gatewaydomain.ChargeResult{
		{ErrorCode: "card_declined", ErrorCategory: gatewaydomain.ErrorCategoryCardDeclined},
		{ErrorCode: "card_declined", ErrorCategory: gatewaydomain.ErrorCategoryCardDeclined},
		{ErrorCode: "card_declined", ErrorCategory: gatewaydomain.ErrorCategoryCardDeclined},
		{ErrorCode: "insufficient_funds", ErrorCategory: gatewaydomain.ErrorCategoryInsufficient},
	}

	result, err := engine.dunningSvc.ScheduleRetry(ctx, dunningdomain.ScheduleRetryRequest{
		SubscriptionID: subID.String(),
		InvoiceID:      invoiceID.String(),
		Amount:         5000,
		Currency:       "USD",
		ErrorCode:      "card_declined",
		ErrorCategory:  gatewaydomain.ErrorCategoryCardDeclined,
	})
	if err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}
	if result.Outcome != dunningdomain.OutcomeScheduled {
		t.Fatalf("expected scheduled outcome, got %s", result.Outcome)
	}
	if result.Attempt.AttemptNumber != 1 {
		t.Fatalf("expected attempt 1, got %d", result.Attempt.AttemptNumber)
	}
	if want := startTime.Add(1 * time.Hour); !result.Attempt.ScheduledAt.Equal(want) {
		t.Fatalf("expected attempt 1 at %v, got %v", want, result.Attempt.ScheduledAt)
	}

	// Walk the clock far enough to burn through the whole backoff
	// schedule (1h + 24h + 72h + 168h) and the 7 day grace period.
	deadline := startTime.Add(19 * 24 * time.Hour)
	for engine.fakeClock.Now().Before(deadline) {
		engine.fakeClock.Advance(1 * time.Hour)
		if err := engine.scheduler.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce at %v: %v", engine.fakeClock.Now(), err)
		}
	}

	attempts := engine.fetchAttempts(t, subID)
	if len(attempts) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(attempts))
	}
	for i, attempt := range attempts {
		if attempt.AttemptNumber != i+1 {
			t.Fatalf("expected contiguous attempt numbers, got %d at index %d", attempt.AttemptNumber, i)
		}
		if attempt.Status != attemptdomain.AttemptStatusFailed {
			t.Fatalf("attempt %d: expected FAILED, got %s", attempt.AttemptNumber, attempt.Status)
		}
		if attempt.ErrorCode == nil || *attempt.ErrorCode == "" {
			t.Fatalf("attempt %d: expected error code to be recorded", attempt.AttemptNumber)
		}
	}

	// Backoff spacing between persisted attempts.
	gaps := []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour}
	for i := 1; i < len(attempts); i++ {
		got := attempts[i].ScheduledAt.Sub(*attempts[i-1].ProcessedAt)
		if got != gaps[i-1] {
			t.Fatalf("expected gap %v before attempt %d, got %v", gaps[i-1], attempts[i].AttemptNumber, got)
		}
	}

	subscription := engine.fetchSubscription(t, subID)
	if subscription.Status != subscriptiondomain.SubscriptionStatusCanceled {
		t.Fatalf("expected CANCELED after grace period, got %s", subscription.Status)
	}
	if subscription.GracePeriodEnd != nil {
		t.Fatal("expected grace_period_end cleared after cancellation")
	}
	if subscription.CanceledAt == nil {
		t.Fatal("expected canceled_at to be set")
	}

	if got := engine.notifier.countOf(notificationdomain.NoticeFinalNotice); got != 1 {
		t.Fatalf("expected exactly 1 final notice, got %d", got)
	}
	if got := engine.notifier.countOf(notificationdomain.NoticeSubscriptionCanceled); got != 1 {
		t.Fatalf("expected exactly 1 cancellation notice, got %d", got)
	}
	if got := engine.notifier.countOf(notificationdomain.NoticeRetryScheduled); got != 4 {
		t.Fatalf("expected 4 retry notices, got %d", got)
	}
}

// TestScheduler_RecoveryOnSecondAttempt_FakeClock verifies that a
// mid-schedule success ends dunning and recovers the subscription.
func TestScheduler_RecoveryOnSecondAttempt_FakeClock(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()
	obsmetrics.ResetDunningMetricsForTest()
	obsmetrics.DunningWithConfig(obsmetrics.Config{ServiceName: "test", Environment: "test"})

	startTime := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	engine := newTestEngine(t, startTime)

	orgID := snowflake.ID(77)
	subID := engine.seedSubscription(t, orgID)
	invoiceID := engine.node.Generate()
	ctx := orgcontext.WithOrgID(context.Background(), orgID)

	engine.gateway.results = []gatewaydomain.ChargeResult{
		{ErrorCode: "card_declined", ErrorCategory: gatewaydomain.ErrorCategoryCardDeclined},
		{Succeeded: true},
	}

	if _, err := engine.dunningSvc.ScheduleRetry(ctx, dunningdomain.ScheduleRetryRequest{
		SubscriptionID: subID.String(),
		InvoiceID:      invoiceID.String(),
		Amount:         2500,
		Currency:       "USD",
		ErrorCode:      "card_declined",
		ErrorCategory:  gatewaydomain.ErrorCategoryCardDeclined,
	}); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}

	// Attempt 1 fails at +1h, attempt 2 succeeds 24h later.
	deadline := startTime.Add(30 * time.Hour)
	for engine.fakeClock.Now().Before(deadline) {
		engine.fakeClock.Advance(1 * time.Hour)
		if err := engine.scheduler.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce at %v: %v", engine.fakeClock.Now(), err)
		}
	}

	attempts := engine.fetchAttempts(t, subID)
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Status != attemptdomain.AttemptStatusFailed {
		t.Fatalf("expected attempt 1 FAILED, got %s", attempts[0].Status)
	}
	if attempts[1].Status != attemptdomain.AttemptStatusSucceeded {
		t.Fatalf("expected attempt 2 SUCCEEDED, got %s", attempts[1].Status)
	}

	subscription := engine.fetchSubscription(t, subID)
	if subscription.Status != subscriptiondomain.SubscriptionStatusActive {
		t.Fatalf("expected subscription to stay ACTIVE, got %s", subscription.Status)
	}
	if got := engine.notifier.countOf(notificationdomain.NoticePaymentRecovered); got != 1 {
		t.Fatalf("expected 1 recovery notice, got %d", got)
	}
	if engine.gateway.calls != 2 {
		t.Fatalf("expected 2 gateway calls, got %d", engine.gateway.calls)
	}
}

// TestScheduler_GraceSweepIsIdempotent verifies repeat sweeps do not
// cancel twice or emit duplicate notices.
func TestScheduler_GraceSweepIsIdempotent(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()
	obsmetrics.ResetDunningMetricsForTest()
	obsmetrics.DunningWithConfig(obsmetrics.Config{ServiceName: "test", Environment: "test"})

	startTime := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	engine := newTestEngine(t, startTime)

	orgID := snowflake.ID(88)
	subID := engine.seedSubscription(t, orgID)

	// Force the subscription into an already-expired grace period.
	graceEnd := startTime.Add(-1 * time.Hour)
	if err := engine.db.Exec(
		`UPDATE subscriptions SET status = ?, grace_period_end = ? WHERE id = ?`,
		subscriptiondomain.SubscriptionStatusPastDue, graceEnd, subID,
	).Error; err != nil {
		t.Fatalf("force past_due: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := engine.scheduler.GraceSweepJob(context.Background()); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	subscription := engine.fetchSubscription(t, subID)
	if subscription.Status != subscriptiondomain.SubscriptionStatusCanceled {
		t.Fatalf("expected CANCELED, got %s", subscription.Status)
	}
	if got := engine.notifier.countOf(notificationdomain.NoticeSubscriptionCanceled); got != 1 {
		t.Fatalf("expected exactly 1 cancellation notice over repeat sweeps, got %d", got)
	}
}
