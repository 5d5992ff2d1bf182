package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	analyticsdomain "github.com/smallbiznis/reclaim/internal/analytics/domain"
	attemptdomain "github.com/smallbiznis/reclaim/internal/attempt/domain"
	"github.com/smallbiznis/reclaim/internal/backoff"
	"github.com/smallbiznis/reclaim/internal/clock"
	"github.com/smallbiznis/reclaim/internal/config"
	dunningdomain "github.com/smallbiznis/reclaim/internal/dunning/domain"
	gatewaydomain "github.com/smallbiznis/reclaim/internal/gateway/domain"
	monitordomain "github.com/smallbiznis/reclaim/internal/monitor/domain"
	notificationdomain "github.com/smallbiznis/reclaim/internal/notification/domain"
	obslogger "github.com/smallbiznis/reclaim/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/reclaim/internal/observability/metrics"
	"github.com/smallbiznis/reclaim/internal/orgcontext"
	subscriptiondomain "github.com/smallbiznis/reclaim/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// gatewayCallTimeout bounds each provider call independently of the
// surrounding batch deadline.
const gatewayCallTimeout = 15 * time.Second

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID  *snowflake.Node
	clock  clock.Clock
	holder *config.DunningConfigHolder

	attemptRepo      attemptdomain.Repository
	subscriptionRepo subscriptiondomain.Repository

	gateway  gatewaydomain.Gateway
	notifier notificationdomain.Notifier
	tracker  analyticsdomain.Tracker
	monitor  monitordomain.Monitor
	metrics  *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Holder *config.DunningConfigHolder

	AttemptRepo      attemptdomain.Repository
	SubscriptionRepo subscriptiondomain.Repository

	Gateway  gatewaydomain.Gateway
	Notifier notificationdomain.Notifier
	Tracker  analyticsdomain.Tracker
	Monitor  monitordomain.Monitor
	Metrics  *obsmetrics.Metrics
}

func NewService(p ServiceParam) dunningdomain.Service {
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("dunning.service"),
		genID:            p.GenID,
		clock:            p.Clock,
		holder:           p.Holder,
		attemptRepo:      p.AttemptRepo,
		subscriptionRepo: p.SubscriptionRepo,
		gateway:          p.Gateway,
		notifier:         p.Notifier,
		tracker:          p.Tracker,
		monitor:          p.Monitor,
		metrics:          p.Metrics,
	}
}

// ScheduleRetry reacts to one failed payment. Attempt numbers stay
// contiguous because they derive from the persisted maximum, and an
// invoice holds at most one active attempt at a time.
func (s *Service) ScheduleRetry(ctx context.Context, req dunningdomain.ScheduleRetryRequest) (dunningdomain.ScheduleRetryResult, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return dunningdomain.ScheduleRetryResult{}, subscriptiondomain.ErrInvalidSubscription
	}

	subscriptionID, err := parseID(req.SubscriptionID, dunningdomain.ErrInvalidSubscription)
	if err != nil {
		return dunningdomain.ScheduleRetryResult{}, err
	}
	invoiceID, err := parseID(req.InvoiceID, dunningdomain.ErrInvalidInvoice)
	if err != nil {
		return dunningdomain.ScheduleRetryResult{}, err
	}
	if req.Amount <= 0 || strings.TrimSpace(req.Currency) == "" {
		return dunningdomain.ScheduleRetryResult{}, dunningdomain.ErrInvalidAmount
	}

	subscription, err := s.subscriptionRepo.FindByID(ctx, s.db, orgID, subscriptionID)
	if err != nil {
		return dunningdomain.ScheduleRetryResult{}, err
	}
	if subscription == nil {
		return dunningdomain.ScheduleRetryResult{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	if subscription.Status == subscriptiondomain.SubscriptionStatusCanceled {
		return dunningdomain.ScheduleRetryResult{}, dunningdomain.ErrSubscriptionClosed
	}

	active, err := s.attemptRepo.FindActive(ctx, s.db, orgID, subscriptionID, invoiceID)
	if err != nil {
		return dunningdomain.ScheduleRetryResult{}, err
	}
	if active != nil {
		return dunningdomain.ScheduleRetryResult{
			Outcome: dunningdomain.OutcomeAlreadyScheduled,
			Attempt: active,
		}, nil
	}

	maxNumber, err := s.attemptRepo.MaxAttemptNumber(ctx, s.db, orgID, subscriptionID, invoiceID)
	if err != nil {
		return dunningdomain.ScheduleRetryResult{}, err
	}
	nextNumber := maxNumber + 1

	now := s.clock.Now()
	failedAt := now
	if req.FailedAt != nil && !req.FailedAt.IsZero() {
		failedAt = req.FailedAt.UTC()
	}

	// Every failure entering the engine feeds the monitor exactly once,
	// whether it came from the original charge or a processed retry.
	// The idempotent replay paths above return before reaching here.
	s.recordFailureSignal(ctx, monitordomain.FailureEvent{
		OrgID:          orgID,
		SubscriptionID: subscriptionID,
		InvoiceID:      invoiceID,
		AttemptNumber:  maxNumber,
		Amount:         req.Amount,
		Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
		ErrorCode:      req.ErrorCode,
		ErrorCategory:  req.ErrorCategory,
		At:             failedAt,
	})

	cfg := s.holder.Get()
	policy := backoff.NewPolicy(cfg)

	if policy.Exhausted(nextNumber) {
		return s.escalate(ctx, cfg, subscription, invoiceID)
	}

	scheduledAt, err := policy.NextRunAt(failedAt, nextNumber)
	if err != nil {
		return dunningdomain.ScheduleRetryResult{}, err
	}

	attempt := &attemptdomain.PaymentAttempt{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		SubscriptionID: subscriptionID,
		InvoiceID:      invoiceID,
		AttemptNumber:  nextNumber,
		Status:         attemptdomain.AttemptStatusScheduled,
		ScheduledAt:    scheduledAt,
		AmountDue:      req.Amount,
		Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
		Metadata: datatypes.JSONMap{
			"trigger_error_code":     req.ErrorCode,
			"trigger_error_message":  req.ErrorMessage,
			"trigger_error_category": req.ErrorCategory,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.attemptRepo.Insert(ctx, s.db, attempt); err != nil {
		return dunningdomain.ScheduleRetryResult{}, err
	}

	s.metrics.RecordRetryScheduled(ctx, req.ErrorCategory)
	s.notify(ctx, notificationdomain.Notice{
		Type:           notificationdomain.NoticeRetryScheduled,
		OrgID:          orgID,
		SubscriptionID: subscriptionID,
		InvoiceID:      invoiceID,
		AttemptNumber:  nextNumber,
		ScheduledAt:    &scheduledAt,
	})
	s.track(ctx, orgID, analyticsdomain.EventRetryScheduled,
		fmt.Sprintf("%s:%s:%d", analyticsdomain.EventRetryScheduled, invoiceID, nextNumber),
		map[string]any{
			"subscription_id": subscriptionID.String(),
			"invoice_id":      invoiceID.String(),
			"attempt_number":  nextNumber,
			"scheduled_at":    scheduledAt,
		})

	obslogger.WithContext(ctx, s.log).Info("retry scheduled",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("invoice_id", invoiceID.String()),
		zap.Int("attempt_number", nextNumber),
		zap.Time("scheduled_at", scheduledAt),
	)

	return dunningdomain.ScheduleRetryResult{
		Outcome: dunningdomain.OutcomeScheduled,
		Attempt: attempt,
	}, nil
}

// escalate moves an exhausted subscription into its grace period. The
// transition is guarded on ACTIVE, so a repeat call becomes a no-op
// that still reports the final-notice outcome.
func (s *Service) escalate(ctx context.Context, cfg config.DunningConfig, subscription *subscriptiondomain.Subscription, invoiceID snowflake.ID) (dunningdomain.ScheduleRetryResult, error) {
	now := s.clock.Now()
	gracePeriodEnd := now.Add(cfg.GracePeriod())

	moved, err := s.subscriptionRepo.MarkPastDue(ctx, s.db, subscription.ID, gracePeriodEnd, now)
	if err != nil {
		return dunningdomain.ScheduleRetryResult{}, err
	}
	if !moved {
		// Already PAST_DUE; keep the persisted deadline.
		current, err := s.subscriptionRepo.FindByID(ctx, s.db, subscription.OrgID, subscription.ID)
		if err != nil {
			return dunningdomain.ScheduleRetryResult{}, err
		}
		if current != nil && current.GracePeriodEnd != nil {
			gracePeriodEnd = *current.GracePeriodEnd
		}
		return dunningdomain.ScheduleRetryResult{
			Outcome:        dunningdomain.OutcomeFinalNotice,
			GracePeriodEnd: &gracePeriodEnd,
		}, nil
	}

	obsmetrics.Dunning().IncFinalNotice()
	s.metrics.RecordEscalation(ctx, "final_notice")
	s.notify(ctx, notificationdomain.Notice{
		Type:           notificationdomain.NoticeFinalNotice,
		OrgID:          subscription.OrgID,
		SubscriptionID: subscription.ID,
		InvoiceID:      invoiceID,
		GracePeriodEnd: &gracePeriodEnd,
	})
	s.track(ctx, subscription.OrgID, analyticsdomain.EventRetriesExhausted,
		fmt.Sprintf("%s:%s", analyticsdomain.EventRetriesExhausted, invoiceID),
		map[string]any{
			"subscription_id":  subscription.ID.String(),
			"invoice_id":       invoiceID.String(),
			"grace_period_end": gracePeriodEnd,
		})

	obslogger.WithContext(ctx, s.log).Warn("retries exhausted",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("invoice_id", invoiceID.String()),
		zap.Time("grace_period_end", gracePeriodEnd),
	)

	return dunningdomain.ScheduleRetryResult{
		Outcome:        dunningdomain.OutcomeFinalNotice,
		GracePeriodEnd: &gracePeriodEnd,
	}, nil
}

// ProcessScheduledRetries executes due attempts. Items are isolated:
// one bad attempt never stops the batch.
func (s *Service) ProcessScheduledRetries(ctx context.Context, batchSize int) (dunningdomain.ProcessResult, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	now := s.clock.Now()
	due, err := s.attemptRepo.FindDue(ctx, s.db, now, batchSize)
	if err != nil {
		return dunningdomain.ProcessResult{}, err
	}

	var result dunningdomain.ProcessResult
	var errs []error
	for i := range due {
		attempt := due[i]
		outcome, err := s.processOne(ctx, &attempt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result.Processed++
		switch outcome {
		case attemptdomain.AttemptStatusSucceeded:
			result.Succeeded++
		case attemptdomain.AttemptStatusFailed:
			result.Failed++
		default:
			result.Processed--
			result.Skipped++
		}
	}
	return result, errors.Join(errs...)
}

// processOne claims the attempt and runs the gateway call. The claim is
// the idempotency boundary: losing the SCHEDULED to PROCESSING race
// means another worker owns the attempt. A panicking gateway must not
// take the batch down; the attempt stays PROCESSING and the stuck
// reconciliation picks it up later.
func (s *Service) processOne(ctx context.Context, attempt *attemptdomain.PaymentAttempt) (status attemptdomain.AttemptStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			status = ""
			err = fmt.Errorf("attempt %s: panic during processing: %v", attempt.ID, r)
			obslogger.WithContext(ctx, s.log).Error("attempt processing panicked",
				zap.String("attempt_id", attempt.ID.String()),
				zap.String("invoice_id", attempt.InvoiceID.String()),
				zap.Any("panic", r),
			)
		}
	}()

	ctx = orgcontext.WithOrgID(ctx, attempt.OrgID)
	now := s.clock.Now()

	claimed, err := s.attemptRepo.MarkProcessing(ctx, s.db, attempt.ID, now)
	if err != nil {
		return "", err
	}
	if !claimed {
		obsmetrics.Dunning().IncAttemptOutcome(obsmetrics.AttemptOutcomeSkipped)
		return attemptdomain.AttemptStatusProcessing, nil
	}

	gwCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
	chargeResult, gwErr := s.gateway.RetryInvoice(gwCtx, gatewaydomain.ChargeRequest{
		OrgID:          attempt.OrgID,
		SubscriptionID: attempt.SubscriptionID,
		InvoiceID:      attempt.InvoiceID,
		AttemptID:      attempt.ID,
		Amount:         attempt.AmountDue,
		Currency:       attempt.Currency,
	})
	cancel()

	if gwErr != nil {
		chargeResult = gatewaydomain.ChargeResult{
			Succeeded:     false,
			ErrorCode:     "gateway_unavailable",
			ErrorMessage:  gwErr.Error(),
			ErrorCategory: gatewaydomain.ErrorCategoryNetwork,
		}
	}

	if chargeResult.Succeeded {
		return attemptdomain.AttemptStatusSucceeded, s.completeSuccess(ctx, attempt)
	}
	return attemptdomain.AttemptStatusFailed, s.completeFailure(ctx, attempt, chargeResult)
}

func (s *Service) completeSuccess(ctx context.Context, attempt *attemptdomain.PaymentAttempt) error {
	now := s.clock.Now()
	if _, err := s.attemptRepo.MarkSucceeded(ctx, s.db, attempt.ID, now); err != nil {
		return err
	}

	// A success after one or more failures recovers the subscription.
	reactivated, err := s.subscriptionRepo.MarkActive(ctx, s.db, attempt.SubscriptionID, now)
	if err != nil {
		return err
	}

	obsmetrics.Dunning().IncAttemptOutcome(obsmetrics.AttemptOutcomeSucceeded)
	s.metrics.RecordRetryProcessed(ctx, "succeeded")

	// The monitor clears the tenant failure window and owns the
	// recovery counter so it can attach the prior failure count.
	if err := s.monitor.RecordSuccess(ctx, monitordomain.SuccessEvent{
		OrgID:          attempt.OrgID,
		SubscriptionID: attempt.SubscriptionID,
		InvoiceID:      attempt.InvoiceID,
		AttemptNumber:  attempt.AttemptNumber,
		Amount:         attempt.AmountDue,
		Currency:       attempt.Currency,
		At:             now,
	}); err != nil {
		obslogger.WithContext(ctx, s.log).Warn("failure monitor error", zap.Error(err))
	}

	s.notify(ctx, notificationdomain.Notice{
		Type:           notificationdomain.NoticePaymentRecovered,
		OrgID:          attempt.OrgID,
		SubscriptionID: attempt.SubscriptionID,
		InvoiceID:      attempt.InvoiceID,
		AttemptNumber:  attempt.AttemptNumber,
	})
	s.track(ctx, attempt.OrgID, analyticsdomain.EventRetrySucceeded,
		fmt.Sprintf("%s:%s:%d", analyticsdomain.EventRetrySucceeded, attempt.InvoiceID, attempt.AttemptNumber),
		map[string]any{
			"subscription_id": attempt.SubscriptionID.String(),
			"invoice_id":      attempt.InvoiceID.String(),
			"attempt_number":  attempt.AttemptNumber,
			"reactivated":     reactivated,
		})

	obslogger.WithContext(ctx, s.log).Info("payment recovered",
		zap.String("subscription_id", attempt.SubscriptionID.String()),
		zap.String("invoice_id", attempt.InvoiceID.String()),
		zap.Int("attempt_number", attempt.AttemptNumber),
		zap.Bool("reactivated", reactivated),
	)
	return nil
}

func (s *Service) completeFailure(ctx context.Context, attempt *attemptdomain.PaymentAttempt, chargeResult gatewaydomain.ChargeResult) error {
	now := s.clock.Now()
	if _, err := s.attemptRepo.MarkFailed(ctx, s.db, attempt.ID, now, attemptdomain.FailureOutcome{
		Code:     chargeResult.ErrorCode,
		Message:  chargeResult.ErrorMessage,
		Category: chargeResult.ErrorCategory,
	}); err != nil {
		return err
	}

	obsmetrics.Dunning().IncAttemptOutcome(obsmetrics.AttemptOutcomeFailed)
	s.metrics.RecordRetryProcessed(ctx, "failed")
	s.track(ctx, attempt.OrgID, analyticsdomain.EventRetryFailed,
		fmt.Sprintf("%s:%s:%d", analyticsdomain.EventRetryFailed, attempt.InvoiceID, attempt.AttemptNumber),
		map[string]any{
			"subscription_id": attempt.SubscriptionID.String(),
			"invoice_id":      attempt.InvoiceID.String(),
			"attempt_number":  attempt.AttemptNumber,
			"error_code":      chargeResult.ErrorCode,
		})

	// ScheduleRetry feeds the monitor for this failure.
	_, err := s.ScheduleRetry(ctx, dunningdomain.ScheduleRetryRequest{
		SubscriptionID: attempt.SubscriptionID.String(),
		InvoiceID:      attempt.InvoiceID.String(),
		Amount:         attempt.AmountDue,
		Currency:       attempt.Currency,
		ErrorCode:      chargeResult.ErrorCode,
		ErrorMessage:   chargeResult.ErrorMessage,
		ErrorCategory:  chargeResult.ErrorCategory,
		FailedAt:       &now,
	})
	if errors.Is(err, dunningdomain.ErrSubscriptionClosed) {
		// The subscription was canceled mid-flight; nothing to schedule.
		return nil
	}
	return err
}

// CancelScheduledAttempts voids pending retries for a subscription,
// typically because the invoice was paid out of band or voided.
func (s *Service) CancelScheduledAttempts(ctx context.Context, subscriptionID string) (int64, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, subscriptiondomain.ErrInvalidSubscription
	}
	subID, err := parseID(subscriptionID, dunningdomain.ErrInvalidSubscription)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	cancelled, err := s.attemptRepo.CancelScheduled(ctx, s.db, orgID, subID, now)
	if err != nil {
		return 0, err
	}
	if cancelled > 0 {
		// No dedupe key: each cancellation sweep is its own event.
		s.track(ctx, orgID, analyticsdomain.EventRetriesCanceled, "", map[string]any{
			"subscription_id": subID.String(),
			"cancelled":       cancelled,
		})
		obslogger.WithContext(ctx, s.log).Info("scheduled attempts cancelled",
			zap.String("subscription_id", subID.String()),
			zap.Int64("cancelled", cancelled),
		)
	}
	return cancelled, nil
}

// recordFailureSignal is best effort; monitor trouble never blocks the
// dunning transition itself.
func (s *Service) recordFailureSignal(ctx context.Context, event monitordomain.FailureEvent) {
	if err := s.monitor.RecordFailure(ctx, event); err != nil {
		obslogger.WithContext(ctx, s.log).Warn("failure monitor error", zap.Error(err))
	}
}

// notify delivers best effort; a failed notice never fails dunning.
func (s *Service) notify(ctx context.Context, notice notificationdomain.Notice) {
	if err := s.notifier.Notify(ctx, notice); err != nil {
		obslogger.WithContext(ctx, s.log).Warn("notice delivery failed",
			zap.String("notice_type", string(notice.Type)),
			zap.Error(err),
		)
	}
}

// track is best effort; analytics loss never fails dunning.
func (s *Service) track(ctx context.Context, orgID snowflake.ID, eventType, dedupeKey string, payload map[string]any) {
	if err := s.tracker.Track(ctx, orgID, eventType, dedupeKey, payload); err != nil {
		obslogger.WithContext(ctx, s.log).Warn("event track failed",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

func parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}
