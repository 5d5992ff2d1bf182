// Package domain contains persistence models for payment retry attempts.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AttemptStatus represents lifecycle states for a retry attempt.
type AttemptStatus string

const (
	AttemptStatusScheduled  AttemptStatus = "SCHEDULED"
	AttemptStatusProcessing AttemptStatus = "PROCESSING"
	AttemptStatusSucceeded  AttemptStatus = "SUCCEEDED"
	AttemptStatusFailed     AttemptStatus = "FAILED"
	AttemptStatusCancelled  AttemptStatus = "CANCELLED"
)

// Active reports whether the status still occupies the retry pipeline.
func (s AttemptStatus) Active() bool {
	return s == AttemptStatusScheduled || s == AttemptStatusProcessing
}

// Terminal reports whether the status can no longer change.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptStatusSucceeded, AttemptStatusFailed, AttemptStatusCancelled:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidAttempt       = errors.New("invalid_attempt")
	ErrAttemptNotFound      = errors.New("attempt_not_found")
	ErrAttemptConflict      = errors.New("attempt_conflict")
	ErrActiveAttemptExists  = errors.New("active_attempt_exists")
	ErrInvalidStatusChange  = errors.New("invalid_status_change")
	ErrInvalidInvoice       = errors.New("invalid_invoice")
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrInvalidAttemptNumber = errors.New("invalid_attempt_number")
)

// PaymentAttempt records one retry of a failed invoice payment.
type PaymentAttempt struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	OrgID          snowflake.ID      `gorm:"not null;index"`
	SubscriptionID snowflake.ID      `gorm:"not null;index"`
	InvoiceID      snowflake.ID      `gorm:"not null;index"`
	AttemptNumber  int               `gorm:"not null"`
	Status         AttemptStatus     `gorm:"type:text;not null;index"`
	ScheduledAt    time.Time         `gorm:"not null;index"`
	ProcessedAt    *time.Time        `gorm:""`
	AmountDue      int64             `gorm:"not null"`
	Currency       string            `gorm:"type:text;not null"`
	ErrorCode      *string           `gorm:"type:text"`
	ErrorMessage   *string           `gorm:"type:text"`
	ErrorCategory  *string           `gorm:"type:text"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentAttempt) TableName() string { return "payment_attempts" }

// FailureOutcome captures the gateway result applied to a failed attempt.
type FailureOutcome struct {
	Code     string
	Message  string
	Category string
}
