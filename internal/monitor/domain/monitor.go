// Package domain defines failure monitoring and operational alerting.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// AlertReason identifies which threshold fired.
type AlertReason string

const (
	AlertReasonConsecutiveFailures AlertReason = "consecutive_failures"
	AlertReasonCriticalAmount      AlertReason = "critical_amount"
	AlertReasonFailureRate         AlertReason = "failure_rate"
)

// FailureEvent describes one failed payment attempt.
type FailureEvent struct {
	OrgID          snowflake.ID
	SubscriptionID snowflake.ID
	InvoiceID      snowflake.ID
	AttemptNumber  int
	Amount         int64
	Currency       string
	ErrorCode      string
	ErrorCategory  string
	At             time.Time
}

// Alert is an operational notification for the on-call rotation.
type Alert struct {
	Reason         AlertReason
	OrgID          snowflake.ID
	SubscriptionID snowflake.ID
	InvoiceID      snowflake.ID
	Detail         string
	At             time.Time
}

// SuccessEvent describes one successful payment attempt.
type SuccessEvent struct {
	OrgID          snowflake.ID
	SubscriptionID snowflake.ID
	InvoiceID      snowflake.ID
	AttemptNumber  int
	Amount         int64
	Currency       string
	At             time.Time
}

// Sender delivers operational alerts.
type Sender interface {
	Send(ctx context.Context, alert Alert) error
}

// Monitor observes every processed payment outcome. Failures accumulate
// into a per-tenant window and raise at most one alert per evaluation,
// subject to a per-tenant cooldown; a success clears the window.
type Monitor interface {
	RecordFailure(ctx context.Context, event FailureEvent) error
	RecordSuccess(ctx context.Context, event SuccessEvent) error
}
