package service

import (
	"context"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	attemptdomain "github.com/smallbiznis/reclaim/internal/attempt/domain"
	"github.com/smallbiznis/reclaim/internal/clock"
	statsdomain "github.com/smallbiznis/reclaim/internal/recoverystats/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const topErrorCodeLimit = 3

// Service aggregates retry outcomes from the attempt store.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

func NewService(p ServiceParam) statsdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("recoverystats.service"),
		clock: p.Clock,
	}
}

// Stats reports outcomes for attempts processed inside the window. The
// recovery rate is succeeded over processed, rounded to two decimals,
// and zero when nothing was processed.
func (s *Service) Stats(ctx context.Context, orgID snowflake.ID, window time.Duration) (statsdomain.RecoveryStats, error) {
	if window <= 0 {
		return statsdomain.RecoveryStats{}, statsdomain.ErrInvalidWindow
	}

	end := s.clock.Now()
	start := end.Add(-window)

	var row struct {
		Total     int64
		Succeeded int64
		Failed    int64
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS total,
		        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
		        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed
		 FROM payment_attempts
		 WHERE org_id = ? AND processed_at >= ? AND processed_at < ?
		   AND status IN (?, ?)`,
		attemptdomain.AttemptStatusSucceeded,
		attemptdomain.AttemptStatusFailed,
		orgID,
		start,
		end,
		attemptdomain.AttemptStatusSucceeded,
		attemptdomain.AttemptStatusFailed,
	).Scan(&row).Error
	if err != nil {
		return statsdomain.RecoveryStats{}, err
	}

	topCodes, err := s.topErrorCodes(ctx, orgID, start, end)
	if err != nil {
		return statsdomain.RecoveryStats{}, err
	}

	return statsdomain.RecoveryStats{
		WindowStart:   start,
		WindowEnd:     end,
		TotalAttempts: row.Total,
		Succeeded:     row.Succeeded,
		Failed:        row.Failed,
		RecoveryRate:  recoveryRate(row.Succeeded, row.Total),
		TopErrorCodes: topCodes,
	}, nil
}

// SubscriptionStats reports the retry history of one subscription. The
// rate only counts processed attempts; pending ones are reported
// separately so a subscription mid-dunning does not look unrecoverable.
func (s *Service) SubscriptionStats(ctx context.Context, orgID, subscriptionID snowflake.ID) (statsdomain.SubscriptionStats, error) {
	var row struct {
		Total         int64
		Succeeded     int64
		Failed        int64
		Pending       int64
		Invoices      int64
		LastAttemptAt *time.Time
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS total,
		        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
		        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
		        COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0) AS pending,
		        COUNT(DISTINCT invoice_id) AS invoices,
		        MAX(CASE WHEN processed_at IS NOT NULL THEN processed_at ELSE scheduled_at END) AS last_attempt_at
		 FROM payment_attempts
		 WHERE org_id = ? AND subscription_id = ?`,
		attemptdomain.AttemptStatusSucceeded,
		attemptdomain.AttemptStatusFailed,
		attemptdomain.AttemptStatusScheduled,
		attemptdomain.AttemptStatusProcessing,
		orgID,
		subscriptionID,
	).Scan(&row).Error
	if err != nil {
		return statsdomain.SubscriptionStats{}, err
	}

	return statsdomain.SubscriptionStats{
		SubscriptionID: subscriptionID,
		TotalAttempts:  row.Total,
		Succeeded:      row.Succeeded,
		Failed:         row.Failed,
		Pending:        row.Pending,
		Invoices:       row.Invoices,
		RecoveryRate:   recoveryRate(row.Succeeded, row.Succeeded+row.Failed),
		LastAttemptAt:  row.LastAttemptAt,
	}, nil
}

func (s *Service) topErrorCodes(ctx context.Context, orgID snowflake.ID, start, end time.Time) ([]statsdomain.ErrorCodeCount, error) {
	var codes []statsdomain.ErrorCodeCount
	err := s.db.WithContext(ctx).Raw(
		`SELECT error_code, COUNT(*) AS count
		 FROM payment_attempts
		 WHERE org_id = ? AND processed_at >= ? AND processed_at < ?
		   AND status = ? AND error_code IS NOT NULL
		 GROUP BY error_code
		 ORDER BY count DESC, error_code ASC
		 LIMIT ?`,
		orgID,
		start,
		end,
		attemptdomain.AttemptStatusFailed,
		topErrorCodeLimit,
	).Scan(&codes).Error
	if err != nil {
		return nil, err
	}
	return codes, nil
}

func recoveryRate(succeeded, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(succeeded)/float64(total)*100) / 100
}
