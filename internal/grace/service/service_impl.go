package service

import (
	"context"
	"errors"
	"fmt"

	analyticsdomain "github.com/smallbiznis/reclaim/internal/analytics/domain"
	attemptdomain "github.com/smallbiznis/reclaim/internal/attempt/domain"
	"github.com/smallbiznis/reclaim/internal/clock"
	gracedomain "github.com/smallbiznis/reclaim/internal/grace/domain"
	notificationdomain "github.com/smallbiznis/reclaim/internal/notification/domain"
	obslogger "github.com/smallbiznis/reclaim/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/reclaim/internal/observability/metrics"
	"github.com/smallbiznis/reclaim/internal/orgcontext"
	subscriptiondomain "github.com/smallbiznis/reclaim/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service cancels subscriptions whose grace period has lapsed and voids
// any retries still pending for them. The PAST_DUE guard on the cancel
// update makes repeat sweeps no-ops.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock

	attemptRepo      attemptdomain.Repository
	subscriptionRepo subscriptiondomain.Repository
	notifier         notificationdomain.Notifier
	tracker          analyticsdomain.Tracker
	metrics          *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock

	AttemptRepo      attemptdomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	Notifier         notificationdomain.Notifier
	Tracker          analyticsdomain.Tracker
	Metrics          *obsmetrics.Metrics
}

func NewService(p ServiceParam) gracedomain.Service {
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("grace.service"),
		clock:            p.Clock,
		attemptRepo:      p.AttemptRepo,
		subscriptionRepo: p.SubscriptionRepo,
		notifier:         p.Notifier,
		tracker:          p.Tracker,
		metrics:          p.Metrics,
	}
}

// Sweep cancels expired PAST_DUE subscriptions. Items are isolated so
// one failure never stops the batch.
func (s *Service) Sweep(ctx context.Context, batchSize int) (gracedomain.SweepResult, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	now := s.clock.Now()
	expired, err := s.subscriptionRepo.FindPastDueExpired(ctx, s.db, now, batchSize)
	if err != nil {
		return gracedomain.SweepResult{}, err
	}

	var result gracedomain.SweepResult
	var errs []error
	for i := range expired {
		subscription := expired[i]
		result.Examined++

		canceled, err := s.cancelOne(ctx, &subscription)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if canceled {
			result.Canceled++
		}
	}
	return result, errors.Join(errs...)
}

func (s *Service) cancelOne(ctx context.Context, subscription *subscriptiondomain.Subscription) (bool, error) {
	ctx = orgcontext.WithOrgID(ctx, subscription.OrgID)
	now := s.clock.Now()

	canceled, err := s.subscriptionRepo.MarkCanceled(ctx, s.db, subscription.ID, now)
	if err != nil {
		return false, err
	}
	if !canceled {
		// Recovered or already canceled since the batch was fetched.
		return false, nil
	}

	voided, err := s.attemptRepo.CancelScheduled(ctx, s.db, subscription.OrgID, subscription.ID, now)
	if err != nil {
		return true, err
	}

	obsmetrics.Dunning().IncGraceCancellation()
	s.metrics.RecordEscalation(ctx, "canceled")
	if err := s.notifier.Notify(ctx, notificationdomain.Notice{
		Type:           notificationdomain.NoticeSubscriptionCanceled,
		OrgID:          subscription.OrgID,
		SubscriptionID: subscription.ID,
	}); err != nil {
		obslogger.WithContext(ctx, s.log).Warn("notice delivery failed", zap.Error(err))
	}
	if err := s.tracker.Track(ctx, subscription.OrgID, analyticsdomain.EventSubscriptionCanceled,
		fmt.Sprintf("%s:%s", analyticsdomain.EventSubscriptionCanceled, subscription.ID),
		map[string]any{
			"subscription_id": subscription.ID.String(),
			"voided_attempts": voided,
		}); err != nil {
		obslogger.WithContext(ctx, s.log).Warn("event track failed", zap.Error(err))
	}

	obslogger.WithContext(ctx, s.log).Warn("subscription canceled after grace period",
		zap.String("subscription_id", subscription.ID.String()),
		zap.Int64("voided_attempts", voided),
	)
	return true, nil
}
