package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	attemptdomain "github.com/smallbiznis/reclaim/internal/attempt/domain"
	attemptrepository "github.com/smallbiznis/reclaim/internal/attempt/repository"
	"github.com/smallbiznis/reclaim/internal/clock"
	"github.com/smallbiznis/reclaim/internal/config"
	dunningdomain "github.com/smallbiznis/reclaim/internal/dunning/domain"
	gatewaydomain "github.com/smallbiznis/reclaim/internal/gateway/domain"
	monitordomain "github.com/smallbiznis/reclaim/internal/monitor/domain"
	notificationdomain "github.com/smallbiznis/reclaim/internal/notification/domain"
	"github.com/smallbiznis/reclaim/internal/orgcontext"
	subscriptiondomain "github.com/smallbiznis/reclaim/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/reclaim/internal/subscription/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubGateway struct {
	mu      sync.Mutex
	results []gatewaydomain.ChargeResult
	calls   int
	// panicOn makes the Nth call panic, to exercise batch isolation.
	panicOn int
}

func (g *stubGateway) RetryInvoice(ctx context.Context, req gatewaydomain.ChargeRequest) (gatewaydomain.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.panicOn != 0 && g.calls == g.panicOn {
		panic("gateway exploded")
	}
	if len(g.results) == 0 {
		return gatewaydomain.ChargeResult{Succeeded: true}, nil
	}
	result := g.results[0]
	g.results = g.results[1:]
	return result, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notificationdomain.Notice
}

func (n *recordingNotifier) Notify(ctx context.Context, notice notificationdomain.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *recordingNotifier) countOf(noticeType notificationdomain.NoticeType) int {
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

type recordingMonitor struct {
	mu        sync.Mutex
	failures  []monitordomain.FailureEvent
	successes []monitordomain.SuccessEvent
}

func (m *recordingMonitor) RecordFailure(ctx context.Context, event monitordomain.FailureEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, event)
	return nil
}

func (m *recordingMonitor) RecordSuccess(ctx context.Context, event monitordomain.SuccessEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes = append(m.successes, event)
	return nil
}

func (m *recordingMonitor) counts() (failures, successes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.failures), len(m.successes)
}

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clk      *clock.FakeClock
	gateway  *stubGateway
	notifier *recordingNotifier
	monitor  *recordingMonitor
	svc      dunningdomain.Service
	orgID    snowflake.ID
}

func newFixture(t *testing.T, startTime time.Time) *fixture {
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

	for _, stmt := range []string{
		`CREATE TABLE subscriptions (
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
		)`,
		`CREATE TABLE payment_attempts (
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
		)`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create table: %v", err)
		}
	}

	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := clock.NewFakeClock(startTime)

	holder := &config.DunningConfigHolder{}
	holder.Store(config.DefaultDunningConfig())

	gw := &stubGateway{}
	notifier := &recordingNotifier{}
	mon := &recordingMonitor{}

	svc := NewService(ServiceParam{
		DB:               db,
		Log:              zap.NewNop(),
		GenID:            node,
		Clock:            clk,
		Holder:           holder,
		AttemptRepo:      attemptrepository.Provide(),
		SubscriptionRepo: subscriptionrepository.Provide(),
		Gateway:          gw,
		Notifier:         notifier,
		Tracker:          noopTracker{},
		Monitor:          mon,
	})

	return &fixture{
		db:       db,
		node:     node,
		clk:      clk,
		gateway:  gw,
		notifier: notifier,
		monitor:  mon,
		svc:      svc,
		orgID:    node.Generate(),
	}
}

func (f *fixture) ctx() context.Context {
	return orgcontext.WithOrgID(context.Background(), f.orgID)
}

func (f *fixture) seedSubscription(t *testing.T, status subscriptiondomain.SubscriptionStatus) snowflake.ID {
	t.Helper()
	subID := f.node.Generate()
	if err := f.db.Exec(`
		INSERT INTO subscriptions (id, org_id, customer_id, status, auto_renew, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, subID, f.orgID, f.node.Generate(), status, true, f.clk.Now(), f.clk.Now()).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return subID
}

func (f *fixture) scheduleFailure(t *testing.T, subID, invoiceID snowflake.ID) dunningdomain.ScheduleRetryResult {
	t.Helper()
	result, err := f.svc.ScheduleRetry(f.ctx(), dunningdomain.ScheduleRetryRequest{
		SubscriptionID: subID.String(),
		InvoiceID:      invoiceID.String(),
		Amount:         5000,
		Currency:       "usd",
		ErrorCode:      "card_declined",
		ErrorCategory:  gatewaydomain.ErrorCategoryCardDeclined,
	})
	if err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}
	return result
}

func TestScheduleRetry_FirstFailure(t *testing.T) {
	startTime := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, startTime)
	subID := f.seedSubscription(t, subscriptiondomain.SubscriptionStatusActive)
	invoiceID := f.node.Generate()

	result := f.scheduleFailure(t, subID, invoiceID)

	if result.Outcome != dunningdomain.OutcomeScheduled {
		t.Fatalf("expected scheduled, got %s", result.Outcome)
	}
	if result.Attempt == nil {
		t.Fatal("expected attempt in result")
	}
	if result.Attempt.AttemptNumber != 1 {
		t.Fatalf("expected attempt number 1, got %d", result.Attempt.AttemptNumber)
	}
	if want := startTime.Add(1 * time.Hour); !result.Attempt.ScheduledAt.Equal(want) {
		t.Fatalf("expected scheduled at %v, got %v", want, result.Attempt.ScheduledAt)
	}
	if result.Attempt.Currency != "USD" {
		t.Fatalf("expected currency normalized to USD, got %s", result.Attempt.Currency)
	}
	if got := f.notifier.countOf(notificationdomain.NoticeRetryScheduled); got != 1 {
		t.Fatalf("expected 1 retry notice, got %d", got)
	}
}

func TestScheduleRetry_ActiveAttemptIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC))
	subID := f.seedSubscription(t, subscriptiondomain.SubscriptionStatusActive)
	invoiceID := f.node.Generate()

	first := f.scheduleFailure(t, subID, invoiceID)
	second := f.scheduleFailure(t, subID, invoiceID)

	if second.Outcome != dunningdomain.OutcomeAlreadyScheduled {
		t.Fatalf("expected already_scheduled, got %s", second.Outcome)
	}
	if second.Attempt == nil || second.Attempt.ID != first.Attempt.ID {
		t.Fatal("expected the existing attempt to be returned")
	}

	var count int64
	if err := f.db.Raw(
		`SELECT COUNT(*) FROM payment_attempts WHERE invoice_id = ?`, invoiceID,
	).Scan(&count).Error; err != nil {
		t.Fatalf("count attempts: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 attempt row, got %d", count)
	}
}

func TestScheduleRetry_ValidationErrors(t *testing.T) {
	f := newFixture(t, time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC))
	subID := f.seedSubscription(t, subscriptiondomain.SubscriptionStatusActive)
	invoiceID := f.node.Generate()

	cases := []struct {
		name    string
		req     dunningdomain.ScheduleRetryRequest
		wantErr error
	}{
		{
			name: "bad subscription id",
			req: dunningdomain.ScheduleRetryRequest{
				SubscriptionID: "not-a-snowflake",
				InvoiceID:      invoiceID.String(),
				Amount:         5000,
				Currency:       "USD",
			},
			wantErr: dunningdomain.ErrInvalidSubscription,
		},
		{
			name: "bad invoice id",
			req: dunningdomain.ScheduleRetryRequest{
				SubscriptionID: subID.String(),
				InvoiceID:      "",
				Amount:         5000,
				Currency:       "USD",
			},
			wantErr: dunningdomain.ErrInvalidInvoice,
		},
		{
			name: "zero amount",
			req: dunningdomain.ScheduleRetryRequest{
				SubscriptionID: subID.String(),
				InvoiceID:      invoiceID.String(),
				Amount:         0,
				Currency:       "USD",
			},
			wantErr: dunningdomain.ErrInvalidAmount,
		},
		{
			name: "blank currency",
			req: dunningdomain.ScheduleRetryRequest{
				SubscriptionID: subID.String(),
				InvoiceID:      invoiceID.String(),
				Amount:         5000,
				Currency:       "  ",
			},
			wantErr: dunningdomain.ErrInvalidAmount,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.ScheduleRetry(f.ctx(), tc.req)
			if err != tc.wantErr {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestScheduleRetry_CanceledSubscriptionIsClosed(t *testing.T) {
	f := newFixture(t, time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC))
	subID := f.seedSubscription(t, subscriptiondomain.SubscriptionStatusCanceled)
	invoiceID := f.node.Generate()

	_, err := f.svc.ScheduleRetry(f.ctx(), dunningdomain.ScheduleRetryRequest{
		SubscriptionID: subID.String(),
		InvoiceID:      invoiceID.String(),
		Amount:         5000,
		Currency:       "USD",
	})
	if err != dunningdomain.ErrSubscriptionClosed {
		t.Fatalf("expected subscription_closed, got %v", err)
	}
}

// failAttempt drives one attempt through processing against a gateway
// scripted to decline, advancing the clock to its due time first.
func (f *fixture) failAttempt(t *testing.T, scheduledAt time.Time) {
	t.Helper()
	if gap := scheduledAt.Sub(f.clk.Now()); gap > 0 {
		f.clk.Advance(gap)
	}
	f.gateway.mu.Lock()
	f.gateway.results = append(f.gateway.results, gatewaydomain.ChargeResult{
		ErrorCode:     "card_declined",
		ErrorCategory: gatewaydomain.ErrorCategoryCardDeclined,
	})
	f.gateway.mu.Unlock()

	result, err := f.svc.ProcessScheduledRetries(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessScheduledRetries: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected 1 failed attempt, got %+v", result)
	}
}

func TestScheduleRetry_ExhaustionEntersGracePeriod(t *testing.T) {
	startTime := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, startTime)
	subID := f.seedSubscription(t, subscriptiondomain.SubscriptionStatusActive)
	invoiceID := f.node.Generate()

	result := f.scheduleFailure(t, subID, invoiceID)
	for i := 0; i < 4; i++ {
		f.failAttempt(t, result.Attempt.ScheduledAt)
		var next attemptdomain.PaymentAttempt
		if err := f.db.Raw(
			`SELECT * FROM payment_attempts WHERE invoice_id = ? AND status = ?`,
			invoiceID, attemptdomain.AttemptStatusScheduled,
		).Scan(&next).Error; err != nil {
			t.Fatalf("find next attempt: %v", err)
		}
		if i < 3 {
			if next.AttemptNumber != i+2 {
				t.Fatalf("expected attempt %d scheduled after failure %d, got %d", i+2, i+1, next.AttemptNumber)
			}
			result.Attempt = &next
		} else if next.ID != 0 {
			t.Fatalf("expected no attempt after exhaustion, found attempt %d", next.AttemptNumber)
		}
	}

	var subscription subscriptiondomain.Subscription
	if err := f.db.Raw(`SELECT * FROM subscriptions WHERE id = ?`, subID).Scan(&subscription).Error; err != nil {
		t.Fatalf("fetch subscription: %v", err)
	}
	if subscription.Status != subscriptiondomain.SubscriptionStatusPastDue {
		t.Fatalf("expected PAST_DUE after exhaustion, got %s", subscription.Status)
	}
	if subscription.GracePeriodEnd == nil {
		t.Fatal("expected grace_period_end to be set")
	}
	if want := f.clk.Now().Add(7 * 24 * time.Hour); !subscription.GracePeriodEnd.Equal(want) {
		t.Fatalf("expected grace end %v, got %v", want, *subscription.GracePeriodEnd)
	}
	if got := f.notifier.countOf(notificationdomain.NoticeFinalNotice); got != 1 {
		t.Fatalf("expected 1 final notice, got %d", got)
	}
}

func TestScheduleRetry_EscalationIsIdempotent(t *testing.T) {
	startTime := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, startTime)
	subID := f.seedSubscription(t, subscriptiondomain.SubscriptionStatusActive)
	invoiceID := f.node.Generate()

	result := f.scheduleFailure(t, subID, invoiceID)
	for i := 0; i < 4; i++ {
		f.failAttempt(t, result.Attempt.ScheduledAt)
		if i < 3 {
			var next attemptdomain.PaymentAttempt
			if err := f.db.Raw(
				`SELECT * FROM payment_attempts WHERE invoice_id = ? AND status = ?`,
				invoiceID, attemptdomain.AttemptStatusScheduled,
			).Scan(&next).Error; err != nil {
				t.Fatalf("find next attempt: %v", err)
			}
			result.Attempt = &next
		}
	}
	firstGraceEnd := f.clk.Now().Add(7 * 24 * time.Hour)

	// Reporting another failure for the same invoice much later must not
	// extend the persisted grace deadline.
	f.clk.Advance(48 * time.Hour)
	repeat, err := f.svc.ScheduleRetry(f.ctx(), dunningdomain.ScheduleRetryRequest{
		SubscriptionID: subID.String(),
		InvoiceID:      invoiceID.String(),
		Amount:         5000,
		Currency:       "USD",
		ErrorCode:      "card_declined",
	})
	if err != nil {
		t.Fatalf("repeat ScheduleRetry: %v", err)
	}
	if repeat.Outcome != dunningdomain.OutcomeFinalNotice {
		t.Fatalf("expected final_notice, got %s", repeat.Outcome)
	}
	if repeat.GracePeriodEnd == nil || !repeat.GracePeriodEnd.Equal(firstGraceEnd) {
		t.Fatalf("expected original grace end %v, got %v", firstGraceEnd, repeat.GracePeriodEnd)
	}
	if got := f.notifier.countOf(notificationdomain.NoticeFinalNotice); got != 1 {
		t.Fatalf("expected exactly 1 final notice across repeats, got %d", got)
	}
}

func TestProcessScheduledRetries_SuccessRecoversSubscription(t *testing.T) {
	startTime := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, startTime)
	subID := f.seedSubscription(t, subscriptiondomain.SubscriptionStatusActive)
	invoiceID := f.node.Generate()

	result := f.scheduleFailure(t, subID, invoiceID)

	// Push the subscription into PAST_DUE by hand so the success path has
	// something to recover.
	graceEnd := startTime.Add(7 * 24 * time.Hour)
	if err := f.db.Exec(
		`UPDATE subscriptions SET status = ?, grace_period_end = ? WHERE id = ?`,
		subscriptiondomain.SubscriptionStatusPastDue, graceEnd, subID,
	).Error; err != nil {
		t.Fatalf("force past_due: %v", err)
	}

	f.clk.Advance(result.Attempt.ScheduledAt.Sub(f.clk.Now()))
	processResult, err := f.svc.ProcessScheduledRetries(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessScheduledRetries: %v", err)
	}
	if processResult.Succeeded != 1 || processResult.Processed != 1 {
		t.Fatalf("expected one success, got %+v", processResult)
	}

	var subscription subscriptiondomain.Subscription
	if err := f.db.Raw(`SELECT * FROM subscriptions WHERE id = ?`, subID).Scan(&subscription).Error; err != nil {
		t.Fatalf("fetch subscription: %v", err)
	}
	if subscription.Status != subscriptiondomain.SubscriptionStatusActive {
		t.Fatalf("expected ACTIVE after recovery, got %s", subscription.Status)
	}
	if subscription.GracePeriodEnd != nil {
		t.Fatal("expected grace_period_end cleared on recovery")
	}
	if got := f.notifier.countOf(notificationdomain.NoticePaymentRecovered); got != 1 {
		t.Fatalf("expected 1 recovery notice, got %d", got)
	}
}

func TestProcessScheduledRetries_NothingDue(t *testing.T) {
	f := newFixture(t, time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC))
	subID := f.seedSubscription(t, subscriptiondomain.SubscriptionStatusActive)
	f.scheduleFailure(t, subID, f.node.Generate())

	// The attempt is an hour out; processing now must not touch it.
	result, err := f.svc.ProcessScheduledRetries(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessScheduledRetries: %v", err)
	}
	if result.Processed != 0 || result.Skipped != 0 {
		t.Fatalf("expected empty pass, got %+v", result)
	}
	if f.gateway.calls != 0 {
		t.Fatalf("expected no gateway calls, got %d", f.gateway.calls)
	}
}

func TestCancelScheduledAttempts_VoidsPendingRetries(t *testing.T) {
	f := newFixture(t, time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC))
	subID := f.seedSubscription(t, subscriptiondomain.SubscriptionStatusActive)
	invoiceID := f.node.Generate()
	f.scheduleFailure(t, subID, invoiceID)

	cancelled, err := f.svc.CancelScheduledAttempts(f.ctx(), subID.String())
	if err != nil {
		t.Fatalf("CancelScheduledAttempts: %v", err)
	}
	if cancelled != 1 {
		t.Fatalf("expected 1 cancelled attempt, got %d", cancelled)
	}

	var status attemptdomain.AttemptStatus
	if err := f.db.Raw(
		`SELECT status FROM payment_attempts WHERE invoice_id = ?`, invoiceID,
	).Scan(&status).Error; err != nil {
		t.Fatalf("fetch status: %v", err)
	}
	if status != attemptdomain.AttemptStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", status)
	}

	// A second cancel finds nothing.
	cancelled, err = f.svc.CancelScheduledAttempts(f.ctx(), subID.String())
	if err != nil {
		t.Fatalf("repeat CancelScheduledAttempts: %v", err)
	}
	if cancelled != 0 {
		t.Fatalf("expected 0 on repeat cancel, got %d", cancelled)
	}
}

func TestReconcileStuckAttempts_FailsAndReschedules(t *testing.T) {
	startTime := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, startTime)
	subID := f.seedSubscription(t, subscriptiondomain.SubscriptionStatusActive)
	invoiceID := f.node.Generate()

	// An attempt stuck in PROCESSING since two hours ago.
	stuckID := f.node.Generate()
	stuckSince := startTime.Add(-2 * time.Hour)
	if err := f.db.Exec(`
		INSERT INTO payment_attempts
			(id, org_id, subscription_id, invoice_id, attempt_number, status, scheduled_at, processed_at, amount_due, currency, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, stuckID, f.orgID, subID, invoiceID, 1, attemptdomain.AttemptStatusProcessing,
		stuckSince, stuckSince, 5000, "USD", stuckSince, stuckSince).Error; err != nil {
		t.Fatalf("seed stuck attempt: %v", err)
	}

	result, err := f.svc.ReconcileStuckAttempts(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReconcileStuckAttempts: %v", err)
	}
	if result.Reconciled != 1 || result.Rescheduled != 1 || result.Exhausted != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	var stuck attemptdomain.PaymentAttempt
	if err := f.db.Raw(`SELECT * FROM payment_attempts WHERE id = ?`, stuckID).Scan(&stuck).Error; err != nil {
		t.Fatalf("fetch reconciled attempt: %v", err)
	}
	if stuck.Status != attemptdomain.AttemptStatusFailed {
		t.Fatalf("expected FAILED, got %s", stuck.Status)
	}
	if stuck.ErrorCode == nil || *stuck.ErrorCode != "attempt_interrupted" {
		t.Fatalf("expected attempt_interrupted error code, got %v", stuck.ErrorCode)
	}

	var next attemptdomain.PaymentAttempt
	if err := f.db.Raw(
		`SELECT * FROM payment_attempts WHERE invoice_id = ? AND status = ?`,
		invoiceID, attemptdomain.AttemptStatusScheduled,
	).Scan(&next).Error; err != nil {
		t.Fatalf("fetch rescheduled attempt: %v", err)
	}
	if next.AttemptNumber != 2 {
		t.Fatalf("expected attempt 2 rescheduled, got %d", next.AttemptNumber)
	}
	if want := startTime.Add(24 * time.Hour); !next.ScheduledAt.Equal(want) {
		t.Fatalf("expected attempt 2 at %v, got %v", want, next.ScheduledAt)
	}
}

func TestReconcileStuckAttempts_LeavesFreshProcessingAlone(t *testing.T) {
	startTime := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, startTime)
	subID := f.seedSubscription(t, subscriptiondomain.SubscriptionStatusActive)
	invoiceID := f.node.Generate()

	// Processing started ten minutes ago, inside the stuck threshold.
	freshID := f.node.Generate()
	since := startTime.Add(-10 * time.Minute)
	if err := f.db.Exec(`
		INSERT INTO payment_attempts
			(id, org_id, subscription_id, invoice_id, attempt_number, status, scheduled_at, processed_at, amount_due, currency, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, freshID, f.orgID, subID, invoiceID, 1, attemptdomain.AttemptStatusProcessing,
		since, since, 5000, "USD", since, since).Error; err != nil {
		t.Fatalf("seed processing attempt: %v", err)
	}

	result, err := f.svc.ReconcileStuckAttempts(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReconcileStuckAttempts: %v", err)
	}
	if result.Reconciled != 0 {
		t.Fatalf("expected nothing reconciled, got %+v", result)
	}

	var status attemptdomain.AttemptStatus
	if err := f.db.Raw(`SELECT status FROM payment_attempts WHERE id = ?`, freshID).Scan(&status).Error; err != nil {
		t.Fatalf("fetch status: %v", err)
	}
	if status != attemptdomain.AttemptStatusProcessing {
		t.Fatalf("expected PROCESSING untouched, got %s", status)
	}
}

func TestScheduleRetry_FeedsFailureMonitor(t *testing.T) {
	f := newFixture(t, time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC))
	subID := f.seedSubscription(t, subscriptiondomain.SubscriptionStatusActive)
	invoiceID := f.node.Generate()

	f.scheduleFailure(t, subID, invoiceID)

	failures, _ := f.monitor.counts()
	if failures != 1 {
		t.Fatalf("expected 1 failure recorded, got %d", failures)
	}
	event := f.monitor.failures[0]
	if event.AttemptNumber != 0 {
		t.Fatalf("expected attempt number 0 for the original charge, got %d", event.AttemptNumber)
	}
	if event.Amount != 5000 || event.ErrorCode != "card_declined" {
		t.Fatalf("unexpected failure event %+v", event)
	}

	// Replaying the same failure report hits the idempotent path and
	// must not count a second failure.
	f.scheduleFailure(t, subID, invoiceID)
	failures, _ = f.monitor.counts()
	if failures != 1 {
		t.Fatalf("expected replay to leave 1 failure recorded, got %d", failures)
	}
}

func TestProcessScheduledRetries_ReportsOutcomesToMonitor(t *testing.T) {
	startTime := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, startTime)
	subID := f.seedSubscription(t, subscriptiondomain.SubscriptionStatusActive)
	invoiceID := f.node.Generate()

	result := f.scheduleFailure(t, subID, invoiceID)
	f.failAttempt(t, result.Attempt.ScheduledAt)

	failures, successes := f.monitor.counts()
	if failures != 2 || successes != 0 {
		t.Fatalf("expected 2 failures and no success after a declined retry, got %d/%d", failures, successes)
	}

	// The rescheduled attempt succeeds.
	var next attemptdomain.PaymentAttempt
	if err := f.db.Raw(
		`SELECT * FROM payment_attempts WHERE invoice_id = ? AND status = ?`,
		invoiceID, attemptdomain.AttemptStatusScheduled,
	).Scan(&next).Error; err != nil {
		t.Fatalf("find next attempt: %v", err)
	}
	f.clk.Advance(next.ScheduledAt.Sub(f.clk.Now()))
	if _, err := f.svc.ProcessScheduledRetries(context.Background(), 10); err != nil {
		t.Fatalf("ProcessScheduledRetries: %v", err)
	}

	failures, successes = f.monitor.counts()
	if failures != 2 || successes != 1 {
		t.Fatalf("expected the success to reach the monitor, got %d/%d", failures, successes)
	}
	success := f.monitor.successes[0]
	if success.AttemptNumber != 2 || success.OrgID != f.orgID {
		t.Fatalf("unexpected success event %+v", success)
	}
}

func TestProcessScheduledRetries_PanicDoesNotAbortBatch(t *testing.T) {
	startTime := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, startTime)

	invoices := make([]snowflake.ID, 0, 5)
	for i := 0; i < 5; i++ {
		subID := f.seedSubscription(t, subscriptiondomain.SubscriptionStatusActive)
		invoiceID := f.node.Generate()
		f.scheduleFailure(t, subID, invoiceID)
		invoices = append(invoices, invoiceID)
	}

	// All five attempts come due together; the third gateway call blows
	// up mid-batch.
	f.gateway.panicOn = 3
	f.clk.Advance(time.Hour)
	result, err := f.svc.ProcessScheduledRetries(context.Background(), 10)
	if err == nil {
		t.Fatal("expected an error reporting the panicked attempt")
	}
	if !strings.Contains(err.Error(), "panic during processing") {
		t.Fatalf("expected panic to be reported, got %v", err)
	}
	if result.Processed != 4 || result.Succeeded != 4 {
		t.Fatalf("expected the other 4 attempts to process, got %+v", result)
	}
	if f.gateway.calls != 5 {
		t.Fatalf("expected all 5 attempts to reach the gateway, got %d calls", f.gateway.calls)
	}

	// The panicked attempt stays claimed for reconciliation.
	var stuck []attemptdomain.PaymentAttempt
	if err := f.db.Raw(
		`SELECT * FROM payment_attempts WHERE status = ?`,
		attemptdomain.AttemptStatusProcessing,
	).Scan(&stuck).Error; err != nil {
		t.Fatalf("find processing attempts: %v", err)
	}
	if len(stuck) != 1 {
		t.Fatalf("expected 1 attempt left in PROCESSING, got %d", len(stuck))
	}

	f.clk.Advance(61 * time.Minute)
	reconciled, err := f.svc.ReconcileStuckAttempts(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReconcileStuckAttempts: %v", err)
	}
	if reconciled.Reconciled != 1 || reconciled.Rescheduled != 1 {
		t.Fatalf("expected the panicked attempt reconciled, got %+v", reconciled)
	}
}
