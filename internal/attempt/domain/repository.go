package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// FailureCounts aggregates failed attempts for monitoring windows.
type FailureCounts struct {
	Total  int64
	Failed int64
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, attempt *PaymentAttempt) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*PaymentAttempt, error)
	FindActive(ctx context.Context, db *gorm.DB, orgID, subscriptionID, invoiceID snowflake.ID) (*PaymentAttempt, error)
	MaxAttemptNumber(ctx context.Context, db *gorm.DB, orgID, subscriptionID, invoiceID snowflake.ID) (int, error)
	FindDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]PaymentAttempt, error)
	FindStuckProcessing(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]PaymentAttempt, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID) ([]PaymentAttempt, error)
	ListByInvoice(ctx context.Context, db *gorm.DB, orgID, invoiceID snowflake.ID) ([]PaymentAttempt, error)
	MarkProcessing(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	MarkSucceeded(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time, outcome FailureOutcome) (bool, error)
	CancelScheduled(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID, at time.Time) (int64, error)
	CountProcessedSince(ctx context.Context, db *gorm.DB, orgID snowflake.ID, since time.Time) (FailureCounts, error)
}
