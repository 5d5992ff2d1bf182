package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	attemptdomain "github.com/smallbiznis/reclaim/internal/attempt/domain"
	"github.com/smallbiznis/reclaim/internal/clock"
	"github.com/smallbiznis/reclaim/internal/config"
	monitordomain "github.com/smallbiznis/reclaim/internal/monitor/domain"
	obslogger "github.com/smallbiznis/reclaim/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/reclaim/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const failureRateWindow = 24 * time.Hour

// minimum processed attempts before the failure rate threshold applies,
// so a single failure in a quiet window does not page anyone.
const failureRateMinSample = 10

// tenantWindow accumulates a tenant's failures since its last success.
// Counts and amounts span subscriptions and invoices, so a tenant
// declining across many small invoices still crosses the thresholds.
type tenantWindow struct {
	failures    int
	totalAmount int64
}

// Service keeps a per-tenant failure window as the fast path and falls
// back to the persisted 24h failure rate as the authoritative tier. At
// most one alert fires per failure, honoring a per-tenant cooldown.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	holder  *config.DunningConfigHolder
	repo    attemptdomain.Repository
	sender  monitordomain.Sender
	metrics *obsmetrics.Metrics

	mu        sync.Mutex
	windows   map[snowflake.ID]*tenantWindow
	lastAlert map[snowflake.ID]time.Time
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Holder  *config.DunningConfigHolder
	Repo    attemptdomain.Repository
	Sender  monitordomain.Sender
	Metrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) monitordomain.Monitor {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("monitor.service"),
		clock:     p.Clock,
		holder:    p.Holder,
		repo:      p.Repo,
		sender:    p.Sender,
		metrics:   p.Metrics,
		windows:   make(map[snowflake.ID]*tenantWindow),
		lastAlert: make(map[snowflake.ID]time.Time),
	}
}

// RecordFailure folds one failed attempt into the tenant window and
// evaluates thresholds in a fixed order: consecutive failures, then
// cumulative failed amount, then the 24h failure rate. Only the first
// matching threshold alerts.
func (s *Service) RecordFailure(ctx context.Context, event monitordomain.FailureEvent) error {
	obsmetrics.Dunning().IncPaymentFailure()

	cfg := s.holder.Get()
	window := s.recordInWindow(event.OrgID, event.Amount)

	alert, err := s.evaluate(ctx, cfg, event, window)
	if err != nil {
		return err
	}
	if alert == nil {
		return nil
	}

	if !s.tryAcquireCooldown(event.OrgID, cfg.AlertCooldown()) {
		obslogger.WithContext(ctx, s.log).Debug("alert suppressed by cooldown",
			zap.String("org_id", event.OrgID.String()),
			zap.String("reason", string(alert.Reason)),
		)
		return nil
	}

	obsmetrics.Dunning().IncAlertFired(string(alert.Reason))
	s.metrics.RecordAlertSent(ctx, string(alert.Reason))

	if err := s.sender.Send(ctx, *alert); err != nil {
		obslogger.WithContext(ctx, s.log).Warn("alert delivery failed",
			zap.String("reason", string(alert.Reason)),
			zap.Error(err),
		)
	}
	return nil
}

// RecordSuccess clears the tenant window and counts the recovery with
// the number of failures the tenant accumulated before it.
func (s *Service) RecordSuccess(ctx context.Context, event monitordomain.SuccessEvent) error {
	failuresBefore := s.resetWindow(event.OrgID)

	obsmetrics.Dunning().IncRecovery(failuresBefore)
	s.metrics.RecordRecovery(ctx, failuresBefore)

	if failuresBefore > 0 {
		obslogger.WithContext(ctx, s.log).Info("tenant failure window cleared",
			zap.String("org_id", event.OrgID.String()),
			zap.String("subscription_id", event.SubscriptionID.String()),
			zap.Int("failures_before", failuresBefore),
		)
	}
	return nil
}

func (s *Service) recordInWindow(orgID snowflake.ID, amount int64) tenantWindow {
	s.mu.Lock()
	defer s.mu.Unlock()

	window, ok := s.windows[orgID]
	if !ok {
		window = &tenantWindow{}
		s.windows[orgID] = window
	}
	window.failures++
	window.totalAmount += amount
	return *window
}

func (s *Service) resetWindow(orgID snowflake.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	window, ok := s.windows[orgID]
	if !ok {
		return 0
	}
	delete(s.windows, orgID)
	return window.failures
}

func (s *Service) evaluate(ctx context.Context, cfg config.DunningConfig, event monitordomain.FailureEvent, window tenantWindow) (*monitordomain.Alert, error) {
	now := s.clock.Now()

	if window.failures >= cfg.Alerts.ConsecutiveFailures {
		return &monitordomain.Alert{
			Reason:         monitordomain.AlertReasonConsecutiveFailures,
			OrgID:          event.OrgID,
			SubscriptionID: event.SubscriptionID,
			InvoiceID:      event.InvoiceID,
			Detail:         fmt.Sprintf("%d consecutive failures since the tenant's last success", window.failures),
			At:             now,
		}, nil
	}

	if amountMajor(window.totalAmount) >= cfg.Alerts.CriticalAmount {
		return &monitordomain.Alert{
			Reason:         monitordomain.AlertReasonCriticalAmount,
			OrgID:          event.OrgID,
			SubscriptionID: event.SubscriptionID,
			InvoiceID:      event.InvoiceID,
			Detail:         fmt.Sprintf("%.2f %s failed since the tenant's last success", amountMajor(window.totalAmount), event.Currency),
			At:             now,
		}, nil
	}

	counts, err := s.repo.CountProcessedSince(ctx, s.db, event.OrgID, now.Add(-failureRateWindow))
	if err != nil {
		return nil, err
	}
	if counts.Total >= failureRateMinSample {
		rate := float64(counts.Failed) / float64(counts.Total) * 100
		if rate >= cfg.Alerts.FailureRatePercent {
			return &monitordomain.Alert{
				Reason:         monitordomain.AlertReasonFailureRate,
				OrgID:          event.OrgID,
				SubscriptionID: event.SubscriptionID,
				InvoiceID:      event.InvoiceID,
				Detail:         fmt.Sprintf("24h failure rate %.1f%% (%d of %d attempts)", rate, counts.Failed, counts.Total),
				At:             now,
			}, nil
		}
	}

	return nil, nil
}

// tryAcquireCooldown reports whether the tenant is outside its cooldown
// window and, if so, stamps a new one.
func (s *Service) tryAcquireCooldown(orgID snowflake.ID, cooldown time.Duration) bool {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastAlert[orgID]; ok && now.Sub(last) < cooldown {
		return false
	}
	s.lastAlert[orgID] = now
	return true
}

func amountMajor(minor int64) float64 {
	return float64(minor) / 100
}
