package service

import (
	"context"
	"errors"
	"fmt"

	analyticsdomain "github.com/smallbiznis/reclaim/internal/analytics/domain"
	attemptdomain "github.com/smallbiznis/reclaim/internal/attempt/domain"
	dunningdomain "github.com/smallbiznis/reclaim/internal/dunning/domain"
	obslogger "github.com/smallbiznis/reclaim/internal/observability/logger"
	"github.com/smallbiznis/reclaim/internal/orgcontext"
	"go.uber.org/zap"
)

// interruptedErrorCode marks attempts that died in PROCESSING, for
// example during a deploy or a worker crash.
const interruptedErrorCode = "attempt_interrupted"

// ReconcileStuckAttempts is an operator action. Attempts stuck in
// PROCESSING are never resumed automatically because the gateway call
// may or may not have gone through; instead the operator fails them
// explicitly and lets the normal schedule take over.
func (s *Service) ReconcileStuckAttempts(ctx context.Context, limit int) (dunningdomain.ReconcileResult, error) {
	if limit <= 0 {
		limit = 100
	}

	cfg := s.holder.Get()
	now := s.clock.Now()
	before := now.Add(-cfg.StuckAfter())

	stuck, err := s.attemptRepo.FindStuckProcessing(ctx, s.db, before, limit)
	if err != nil {
		return dunningdomain.ReconcileResult{}, err
	}

	var result dunningdomain.ReconcileResult
	var errs []error
	for i := range stuck {
		attempt := stuck[i]
		itemCtx := orgcontext.WithOrgID(ctx, attempt.OrgID)

		failed, err := s.attemptRepo.MarkFailed(itemCtx, s.db, attempt.ID, now, attemptdomain.FailureOutcome{
			Code:     interruptedErrorCode,
			Message:  "attempt interrupted while processing",
			Category: "processing_error",
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !failed {
			continue
		}
		result.Reconciled++

		s.track(itemCtx, attempt.OrgID, analyticsdomain.EventAttemptReconciled,
			fmt.Sprintf("%s:%s:%d", analyticsdomain.EventAttemptReconciled, attempt.InvoiceID, attempt.AttemptNumber),
			map[string]any{
				"subscription_id": attempt.SubscriptionID.String(),
				"invoice_id":      attempt.InvoiceID.String(),
				"attempt_number":  attempt.AttemptNumber,
			})

		scheduleResult, err := s.ScheduleRetry(itemCtx, dunningdomain.ScheduleRetryRequest{
			SubscriptionID: attempt.SubscriptionID.String(),
			InvoiceID:      attempt.InvoiceID.String(),
			Amount:         attempt.AmountDue,
			Currency:       attempt.Currency,
			ErrorCode:      interruptedErrorCode,
			ErrorCategory:  "processing_error",
			FailedAt:       &now,
		})
		if err != nil {
			if errors.Is(err, dunningdomain.ErrSubscriptionClosed) {
				continue
			}
			errs = append(errs, err)
			continue
		}

		switch scheduleResult.Outcome {
		case dunningdomain.OutcomeScheduled:
			result.Rescheduled++
		case dunningdomain.OutcomeFinalNotice:
			result.Exhausted++
		}

		obslogger.WithContext(itemCtx, s.log).Warn("stuck attempt reconciled",
			zap.String("subscription_id", attempt.SubscriptionID.String()),
			zap.String("invoice_id", attempt.InvoiceID.String()),
			zap.Int("attempt_number", attempt.AttemptNumber),
			zap.String("outcome", string(scheduleResult.Outcome)),
		)
	}

	return result, errors.Join(errs...)
}
