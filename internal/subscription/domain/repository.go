package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// StatusCount pairs a subscription status with its current population.
type StatusCount struct {
	Status SubscriptionStatus
	Count  int64
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Subscription, error)
	MarkPastDue(ctx context.Context, db *gorm.DB, id snowflake.ID, gracePeriodEnd, at time.Time) (bool, error)
	MarkActive(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	MarkCanceled(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	FindPastDueExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	CountByStatus(ctx context.Context, db *gorm.DB) ([]StatusCount, error)
}
