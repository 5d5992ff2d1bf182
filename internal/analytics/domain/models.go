// Package domain captures outbox events emitted by the recovery engine.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Event types written to the dunning outbox.
const (
	EventRetryScheduled       = "dunning.retry_scheduled"
	EventRetrySucceeded       = "dunning.retry_succeeded"
	EventRetryFailed          = "dunning.retry_failed"
	EventRetriesExhausted     = "dunning.retries_exhausted"
	EventSubscriptionCanceled = "dunning.subscription_canceled"
	EventAttemptReconciled    = "dunning.attempt_reconciled"
	EventRetriesCanceled      = "dunning.retries_canceled"
)

// DunningEvent captures outbox events for downstream analytics consumers.
type DunningEvent struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	OrgID       snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_dunning_event_dedupe,priority:1"`
	EventType   string            `gorm:"type:text;not null"`
	Payload     datatypes.JSONMap `gorm:"type:jsonb;not null"`
	DedupeKey   *string           `gorm:"type:text;uniqueIndex:ux_dunning_event_dedupe,priority:2"`
	Published   bool              `gorm:"not null;default:false"`
	PublishedAt *time.Time        `gorm:""`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DunningEvent) TableName() string { return "dunning_events" }

// Tracker records engine events. Recording is best effort; callers
// must not fail the surrounding operation when it does. A non-empty
// dedupeKey makes the event idempotent per tenant; replays land on the
// unique index and are dropped silently.
type Tracker interface {
	Track(ctx context.Context, orgID snowflake.ID, eventType, dedupeKey string, payload map[string]any) error
}
