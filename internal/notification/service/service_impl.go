package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/reclaim/internal/config"
	notificationdomain "github.com/smallbiznis/reclaim/internal/notification/domain"
	obslogger "github.com/smallbiznis/reclaim/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/reclaim/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service delivers dunning notices over an outbound webhook. When no
// webhook is configured it degrades to structured log delivery so local
// environments still see the full notice stream.
type Service struct {
	webhookURL string
	client     *http.Client
	log        *zap.Logger
	metrics    *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) notificationdomain.Notifier {
	return &Service{
		webhookURL: strings.TrimSpace(p.Cfg.NotifyWebhookURL),
		client:     &http.Client{Timeout: 5 * time.Second},
		log:        p.Log.Named("notification.service"),
		metrics:    p.Metrics,
	}
}

type webhookPayload struct {
	Type           string     `json:"type"`
	OrgID          string     `json:"org_id"`
	SubscriptionID string     `json:"subscription_id"`
	InvoiceID      string     `json:"invoice_id"`
	AttemptNumber  int        `json:"attempt_number,omitempty"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	GracePeriodEnd *time.Time `json:"grace_period_end,omitempty"`
	Detail         string     `json:"detail,omitempty"`
}

// Notify delivers one notice. Errors are returned for observability but
// callers treat delivery as best effort.
func (s *Service) Notify(ctx context.Context, notice notificationdomain.Notice) error {
	s.metrics.RecordNotification(ctx, string(notice.Type))

	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("notice_type", string(notice.Type)),
		zap.String("subscription_id", notice.SubscriptionID.String()),
		zap.String("invoice_id", notice.InvoiceID.String()),
	)

	if s.webhookURL == "" {
		log.Info("notice delivered via log sink")
		return nil
	}

	payload, err := json.Marshal(webhookPayload{
		Type:           string(notice.Type),
		OrgID:          notice.OrgID.String(),
		SubscriptionID: notice.SubscriptionID.String(),
		InvoiceID:      notice.InvoiceID.String(),
		AttemptNumber:  notice.AttemptNumber,
		ScheduledAt:    notice.ScheduledAt,
		GracePeriodEnd: notice.GracePeriodEnd,
		Detail:         notice.Detail,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		log.Warn("notice delivery failed", zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("notify webhook returned status %d", resp.StatusCode)
		log.Warn("notice delivery rejected", zap.Int("status", resp.StatusCode))
		return err
	}

	log.Info("notice delivered")
	return nil
}
