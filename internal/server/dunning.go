package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	dunningdomain "github.com/smallbiznis/reclaim/internal/dunning/domain"
	"github.com/smallbiznis/reclaim/internal/orgcontext"
)

type scheduleRetryRequest struct {
	SubscriptionID string `json:"subscription_id"`
	InvoiceID      string `json:"invoice_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	ErrorCode      string `json:"error_code"`
	ErrorMessage   string `json:"error_message"`
	ErrorCategory  string `json:"error_category"`
	FailedAt       string `json:"failed_at"`
}

// ScheduleRetry reports a failed payment and schedules its next retry.
func (s *Server) ScheduleRetry(c *gin.Context) {
	var req scheduleRetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var failedAt *time.Time
	if value := strings.TrimSpace(req.FailedAt); value != "" {
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			AbortWithError(c, newValidationError("failed_at", "invalid_failed_at", "invalid failed_at"))
			return
		}
		failedAt = &parsed
	}

	result, err := s.dunningSvc.ScheduleRetry(c.Request.Context(), dunningdomain.ScheduleRetryRequest{
		SubscriptionID: strings.TrimSpace(req.SubscriptionID),
		InvoiceID:      strings.TrimSpace(req.InvoiceID),
		Amount:         req.Amount,
		Currency:       req.Currency,
		ErrorCode:      strings.TrimSpace(req.ErrorCode),
		ErrorMessage:   strings.TrimSpace(req.ErrorMessage),
		ErrorCategory:  strings.TrimSpace(req.ErrorCategory),
		FailedAt:       failedAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if result.Outcome == dunningdomain.OutcomeScheduled {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

func (s *Server) GetSubscription(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	subID, err := snowflake.ParseString(strings.TrimSpace(c.Param("subscription_id")))
	if err != nil {
		AbortWithError(c, newValidationError("subscription_id", "invalid_subscription", "invalid subscription id"))
		return
	}

	subscription, err := s.subscriptionRepo.FindByID(c.Request.Context(), s.db, orgID, subID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if subscription == nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": subscription})
}

func (s *Server) ListSubscriptionAttempts(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	subID, err := snowflake.ParseString(strings.TrimSpace(c.Param("subscription_id")))
	if err != nil {
		AbortWithError(c, newValidationError("subscription_id", "invalid_subscription", "invalid subscription id"))
		return
	}

	attempts, err := s.attemptRepo.ListBySubscription(c.Request.Context(), s.db, orgID, subID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": attempts})
}

func (s *Server) ListInvoiceAttempts(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(c.Param("invoice_id")))
	if err != nil {
		AbortWithError(c, newValidationError("invoice_id", "invalid_invoice", "invalid invoice id"))
		return
	}

	attempts, err := s.attemptRepo.ListByInvoice(c.Request.Context(), s.db, orgID, invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": attempts})
}

// CancelScheduledRetries voids pending retries, typically after an
// out-of-band payment.
func (s *Server) CancelScheduledRetries(c *gin.Context) {
	subID := strings.TrimSpace(c.Param("subscription_id"))

	cancelled, err := s.dunningSvc.CancelScheduledAttempts(c.Request.Context(), subID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

type recoveryStatsQuery struct {
	WindowHours int `form:"window_hours"`
}

func (s *Server) RecoveryStats(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	query := recoveryStatsQuery{WindowHours: 24}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if query.WindowHours == 0 {
		query.WindowHours = 24
	}

	stats, err := s.statsSvc.Stats(c.Request.Context(), orgID, time.Duration(query.WindowHours)*time.Hour)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// SubscriptionRecoveryStats reports the retry history of one
// subscription, including attempts still pending.
func (s *Server) SubscriptionRecoveryStats(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	subID, err := snowflake.ParseString(strings.TrimSpace(c.Param("subscription_id")))
	if err != nil {
		AbortWithError(c, newValidationError("subscription_id", "invalid_subscription", "invalid subscription id"))
		return
	}

	stats, err := s.statsSvc.SubscriptionStats(c.Request.Context(), orgID, subID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type batchQuery struct {
	BatchSize int `form:"batch_size"`
}

func (s *Server) ProcessRetries(c *gin.Context) {
	var query batchQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.dunningSvc.ProcessScheduledRetries(c.Request.Context(), query.BatchSize)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) GraceSweep(c *gin.Context) {
	var query batchQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.graceSvc.Sweep(c.Request.Context(), query.BatchSize)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) ReconcileStuck(c *gin.Context) {
	var query batchQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.dunningSvc.ReconcileStuckAttempts(c.Request.Context(), query.BatchSize)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
