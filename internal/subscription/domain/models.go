// Package domain contains persistence models for dunning-tracked subscriptions.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
)

var (
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidTransition    = errors.New("invalid_transition")
)

// Subscription captures the dunning-relevant slice of a billing agreement.
// grace_period_end is set exactly while the subscription is PAST_DUE.
type Subscription struct {
	ID             snowflake.ID       `gorm:"primaryKey"`
	OrgID          snowflake.ID       `gorm:"not null;index"`
	CustomerID     snowflake.ID       `gorm:"not null;index"`
	Status         SubscriptionStatus `gorm:"type:text;not null;index"`
	AutoRenew      bool               `gorm:"not null;default:true"`
	GracePeriodEnd *time.Time         `gorm:""`
	CanceledAt     *time.Time         `gorm:""`
	Metadata       datatypes.JSONMap  `gorm:"type:jsonb"`
	CreatedAt      time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }
