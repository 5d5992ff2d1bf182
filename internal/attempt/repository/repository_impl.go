package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	attemptdomain "github.com/smallbiznis/reclaim/internal/attempt/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() attemptdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, attempt *attemptdomain.PaymentAttempt) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_attempts (
			id, org_id, subscription_id, invoice_id, attempt_number, status,
			scheduled_at, processed_at, amount_due, currency, error_code,
			error_message, error_category, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID,
		attempt.OrgID,
		attempt.SubscriptionID,
		attempt.InvoiceID,
		attempt.AttemptNumber,
		attempt.Status,
		attempt.ScheduledAt,
		attempt.ProcessedAt,
		attempt.AmountDue,
		attempt.Currency,
		attempt.ErrorCode,
		attempt.ErrorMessage,
		attempt.ErrorCategory,
		attempt.Metadata,
		attempt.CreatedAt,
		attempt.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*attemptdomain.PaymentAttempt, error) {
	var attempt attemptdomain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM payment_attempts WHERE org_id = ? AND id = ?`,
		orgID,
		id,
	).First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (r *repo) FindActive(ctx context.Context, db *gorm.DB, orgID, subscriptionID, invoiceID snowflake.ID) (*attemptdomain.PaymentAttempt, error) {
	var attempt attemptdomain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM payment_attempts
		 WHERE org_id = ? AND subscription_id = ? AND invoice_id = ?
		   AND status IN (?, ?)
		 ORDER BY attempt_number DESC
		 LIMIT 1`,
		orgID,
		subscriptionID,
		invoiceID,
		attemptdomain.AttemptStatusScheduled,
		attemptdomain.AttemptStatusProcessing,
	).First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (r *repo) MaxAttemptNumber(ctx context.Context, db *gorm.DB, orgID, subscriptionID, invoiceID snowflake.ID) (int, error) {
	var max int
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(attempt_number), 0) FROM payment_attempts
		 WHERE org_id = ? AND subscription_id = ? AND invoice_id = ?`,
		orgID,
		subscriptionID,
		invoiceID,
	).Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max, nil
}

func (r *repo) FindDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]attemptdomain.PaymentAttempt, error) {
	var attempts []attemptdomain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM payment_attempts
		 WHERE status = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC, id ASC
		 LIMIT ?`,
		attemptdomain.AttemptStatusScheduled,
		now,
		limit,
	).Scan(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *repo) FindStuckProcessing(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]attemptdomain.PaymentAttempt, error) {
	var attempts []attemptdomain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM payment_attempts
		 WHERE status = ? AND updated_at < ?
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		attemptdomain.AttemptStatusProcessing,
		before,
		limit,
	).Scan(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID) ([]attemptdomain.PaymentAttempt, error) {
	var attempts []attemptdomain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM payment_attempts
		 WHERE org_id = ? AND subscription_id = ?
		 ORDER BY invoice_id ASC, attempt_number ASC`,
		orgID,
		subscriptionID,
	).Scan(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *repo) ListByInvoice(ctx context.Context, db *gorm.DB, orgID, invoiceID snowflake.ID) ([]attemptdomain.PaymentAttempt, error) {
	var attempts []attemptdomain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM payment_attempts
		 WHERE org_id = ? AND invoice_id = ?
		 ORDER BY attempt_number ASC`,
		orgID,
		invoiceID,
	).Scan(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *repo) MarkProcessing(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		attemptdomain.AttemptStatusProcessing,
		at,
		id,
		attemptdomain.AttemptStatusScheduled,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) MarkSucceeded(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET status = ?, processed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		attemptdomain.AttemptStatusSucceeded,
		at,
		at,
		id,
		attemptdomain.AttemptStatusProcessing,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time, outcome attemptdomain.FailureOutcome) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET status = ?, processed_at = ?, error_code = ?, error_message = ?,
		     error_category = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		attemptdomain.AttemptStatusFailed,
		at,
		outcome.Code,
		outcome.Message,
		outcome.Category,
		at,
		id,
		attemptdomain.AttemptStatusProcessing,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) CancelScheduled(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET status = ?, updated_at = ?
		 WHERE org_id = ? AND subscription_id = ? AND status = ?`,
		attemptdomain.AttemptStatusCancelled,
		at,
		orgID,
		subscriptionID,
		attemptdomain.AttemptStatusScheduled,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) CountProcessedSince(ctx context.Context, db *gorm.DB, orgID snowflake.ID, since time.Time) (attemptdomain.FailureCounts, error) {
	var counts attemptdomain.FailureCounts
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS total,
		        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed
		 FROM payment_attempts
		 WHERE org_id = ? AND processed_at >= ? AND status IN (?, ?)`,
		attemptdomain.AttemptStatusFailed,
		orgID,
		since,
		attemptdomain.AttemptStatusSucceeded,
		attemptdomain.AttemptStatusFailed,
	).Scan(&counts).Error
	if err != nil {
		return attemptdomain.FailureCounts{}, err
	}
	return counts, nil
}
