package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	analyticsdomain "github.com/smallbiznis/reclaim/internal/analytics/domain"
	"github.com/smallbiznis/reclaim/internal/clock"
	obslogger "github.com/smallbiznis/reclaim/internal/observability/logger"
	"github.com/smallbiznis/reclaim/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service appends engine events to the dunning_events outbox. A relay
// publishes rows downstream out of band.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

func NewService(p ServiceParam) analyticsdomain.Tracker {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("analytics.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// Track writes one outbox row. Duplicate dedupe keys are treated as
// already-recorded and succeed silently.
func (s *Service) Track(ctx context.Context, orgID snowflake.ID, eventType, dedupeKey string, payload map[string]any) error {
	// NULL keeps unkeyed events off the partial unique index.
	var key any
	if dedupeKey != "" {
		key = dedupeKey
	}

	now := s.clock.Now()
	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO dunning_events (
			id, org_id, event_type, payload, dedupe_key, published, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(),
		orgID,
		eventType,
		datatypes.JSONMap(payload),
		key,
		false,
		now,
	).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil
		}
		obslogger.WithContext(ctx, s.log).Warn("event track failed",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return err
	}
	return nil
}
