// Package domain defines recovery statistics reported per tenant.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var ErrInvalidWindow = errors.New("invalid_window")

// ErrorCodeCount pairs a gateway error code with its frequency.
type ErrorCodeCount struct {
	ErrorCode string `json:"error_code"`
	Count     int64  `json:"count"`
}

// RecoveryStats summarizes retry outcomes over a reporting window.
type RecoveryStats struct {
	WindowStart   time.Time        `json:"window_start"`
	WindowEnd     time.Time        `json:"window_end"`
	TotalAttempts int64            `json:"total_attempts"`
	Succeeded     int64            `json:"succeeded"`
	Failed        int64            `json:"failed"`
	RecoveryRate  float64          `json:"recovery_rate"`
	TopErrorCodes []ErrorCodeCount `json:"top_error_codes"`
}

// SubscriptionStats summarizes the full retry history of one
// subscription. Pending counts attempts still waiting in SCHEDULED or
// PROCESSING, and LastAttemptAt is the most recent activity across
// processed and pending attempts.
type SubscriptionStats struct {
	SubscriptionID snowflake.ID `json:"subscription_id"`
	TotalAttempts  int64        `json:"total_attempts"`
	Succeeded      int64        `json:"succeeded"`
	Failed         int64        `json:"failed"`
	Pending        int64        `json:"pending"`
	Invoices       int64        `json:"invoices"`
	RecoveryRate   float64      `json:"recovery_rate"`
	LastAttemptAt  *time.Time   `json:"last_attempt_at"`
}

type Service interface {
	Stats(ctx context.Context, orgID snowflake.ID, window time.Duration) (RecoveryStats, error)
	SubscriptionStats(ctx context.Context, orgID, subscriptionID snowflake.ID) (SubscriptionStats, error)
}
