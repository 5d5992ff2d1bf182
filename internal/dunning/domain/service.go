// Package domain defines the retry scheduling and processing contract.
package domain

import (
	"context"
	"errors"
	"time"

	attemptdomain "github.com/smallbiznis/reclaim/internal/attempt/domain"
)

var (
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidInvoice      = errors.New("invalid_invoice")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrSubscriptionClosed  = errors.New("subscription_closed")
)

// ScheduleOutcome reports what scheduling a retry produced.
type ScheduleOutcome string

const (
	// OutcomeScheduled means a new retry attempt was persisted.
	OutcomeScheduled ScheduleOutcome = "scheduled"
	// OutcomeFinalNotice means the schedule is exhausted and the
	// subscription entered its grace period.
	OutcomeFinalNotice ScheduleOutcome = "final_notice"
	// OutcomeAlreadyScheduled means an active attempt already covers
	// the invoice; the call was a no-op.
	OutcomeAlreadyScheduled ScheduleOutcome = "already_scheduled"
)

// ScheduleRetryRequest reports one failed payment to the engine.
type ScheduleRetryRequest struct {
	SubscriptionID string `json:"subscription_id"`
	InvoiceID      string `json:"invoice_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	ErrorCode      string `json:"error_code"`
	ErrorMessage   string `json:"error_message"`
	ErrorCategory  string `json:"error_category"`
	// FailedAt anchors the backoff delay. Zero means now.
	FailedAt *time.Time `json:"failed_at,omitempty"`
}

// ScheduleRetryResult describes the engine's reaction to a failure.
type ScheduleRetryResult struct {
	Outcome        ScheduleOutcome               `json:"outcome"`
	Attempt        *attemptdomain.PaymentAttempt `json:"attempt,omitempty"`
	GracePeriodEnd *time.Time                    `json:"grace_period_end,omitempty"`
}

// ProcessResult summarizes one processing pass over due attempts.
type ProcessResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ReconcileResult summarizes an admin pass over stuck attempts.
type ReconcileResult struct {
	Reconciled  int `json:"reconciled"`
	Rescheduled int `json:"rescheduled"`
	Exhausted   int `json:"exhausted"`
}

type Service interface {
	ScheduleRetry(ctx context.Context, req ScheduleRetryRequest) (ScheduleRetryResult, error)
	ProcessScheduledRetries(ctx context.Context, batchSize int) (ProcessResult, error)
	CancelScheduledAttempts(ctx context.Context, subscriptionID string) (int64, error)
	ReconcileStuckAttempts(ctx context.Context, limit int) (ReconcileResult, error)
}
