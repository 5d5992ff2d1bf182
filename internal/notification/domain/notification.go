// Package domain defines customer notifications emitted during dunning.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// NoticeType enumerates the customer-facing dunning notices.
type NoticeType string

const (
	NoticeRetryScheduled   NoticeType = "RETRY_SCHEDULED"
	NoticePaymentRecovered NoticeType = "PAYMENT_RECOVERED"
	NoticeFinalNotice      NoticeType = "FINAL_NOTICE"
	NoticeSubscriptionCanceled NoticeType = "SUBSCRIPTION_CANCELED"
)

// Notice carries the context a customer message needs.
type Notice struct {
	Type           NoticeType
	OrgID          snowflake.ID
	SubscriptionID snowflake.ID
	InvoiceID      snowflake.ID
	AttemptNumber  int
	ScheduledAt    *time.Time
	GracePeriodEnd *time.Time
	Detail         string
}

// Notifier delivers customer notices. Delivery is best effort; callers
// must not fail the surrounding operation when delivery does.
type Notifier interface {
	Notify(ctx context.Context, notice Notice) error
}
