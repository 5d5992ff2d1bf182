package service

import (
	"context"

	monitordomain "github.com/smallbiznis/reclaim/internal/monitor/domain"
	obslogger "github.com/smallbiznis/reclaim/internal/observability/logger"
	"go.uber.org/zap"
)

// LogSender writes alerts to the structured log stream, where the log
// pipeline routes them to the paging integration.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) monitordomain.Sender {
	return &LogSender{log: log.Named("monitor.alerts")}
}

func (s *LogSender) Send(ctx context.Context, alert monitordomain.Alert) error {
	obslogger.WithContext(ctx, s.log).Error("dunning alert",
		zap.String("reason", string(alert.Reason)),
		zap.String("org_id", alert.OrgID.String()),
		zap.String("subscription_id", alert.SubscriptionID.String()),
		zap.String("invoice_id", alert.InvoiceID.String()),
		zap.String("detail", alert.Detail),
		zap.Time("at", alert.At),
	)
	return nil
}
