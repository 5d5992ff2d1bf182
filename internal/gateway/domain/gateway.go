// Package domain defines the payment gateway contract used for retries.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidConfig      = errors.New("invalid_gateway_config")
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
)

// Error categories returned by the gateway.
const (
	ErrorCategoryCardDeclined  = "card_declined"
	ErrorCategoryInsufficient  = "insufficient_funds"
	ErrorCategoryExpiredCard   = "expired_card"
	ErrorCategoryProcessing    = "processing_error"
	ErrorCategoryNetwork       = "network_error"
)

// ChargeRequest asks the gateway to retry collection for an invoice.
type ChargeRequest struct {
	OrgID          snowflake.ID
	SubscriptionID snowflake.ID
	InvoiceID      snowflake.ID
	AttemptID      snowflake.ID
	Amount         int64
	Currency       string
}

// ChargeResult reports the gateway outcome for a retry.
type ChargeResult struct {
	Succeeded     bool
	ErrorCode     string
	ErrorMessage  string
	ErrorCategory string
}

// Gateway retries invoice collection against the payment provider.
// Implementations must honor the context deadline.
type Gateway interface {
	RetryInvoice(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}
