package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/reclaim/internal/config"
	gatewaydomain "github.com/smallbiznis/reclaim/internal/gateway/domain"
	obsmetrics "github.com/smallbiznis/reclaim/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type chargeRequestBody struct {
	InvoiceID      string `json:"invoice_id"`
	SubscriptionID string `json:"subscription_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

type chargeResponseBody struct {
	Status string `json:"status"`
	Error  struct {
		Code     string `json:"code"`
		Message  string `json:"message"`
		Category string `json:"category"`
	} `json:"error"`
}

// Client calls the payment provider's invoice retry endpoint.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *zap.Logger
}

type ClientParam struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

// NewClient builds the HTTP gateway client with a bounded timeout.
func NewClient(p ClientParam) gatewaydomain.Gateway {
	timeout := time.Duration(p.Cfg.GatewayTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(p.Cfg.GatewayBaseURL), "/"),
		apiKey:  strings.TrimSpace(p.Cfg.GatewayAPIKey),
		client:  &http.Client{Timeout: timeout},
		log:     p.Log.Named("gateway.client"),
	}
}

// RetryInvoice asks the provider to collect the invoice again. A declined
// charge is a successful call with Succeeded=false; only transport and
// provider outages surface as errors.
func (c *Client) RetryInvoice(ctx context.Context, req gatewaydomain.ChargeRequest) (gatewaydomain.ChargeResult, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return gatewaydomain.ChargeResult{}, gatewaydomain.ErrInvalidConfig
	}

	body, err := json.Marshal(chargeRequestBody{
		InvoiceID:      req.InvoiceID.String(),
		SubscriptionID: req.SubscriptionID.String(),
		Amount:         req.Amount,
		Currency:       strings.ToLower(req.Currency),
	})
	if err != nil {
		return gatewaydomain.ChargeResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/invoices/retry", strings.NewReader(string(body)))
	if err != nil {
		return gatewaydomain.ChargeResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", "attempt:"+req.AttemptID.String())

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	obsmetrics.Dunning().ObserveGatewayLatency(time.Since(start))
	if err != nil {
		return gatewaydomain.ChargeResult{}, fmt.Errorf("%w: %v", gatewaydomain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gatewaydomain.ChargeResult{}, err
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		c.log.Warn("gateway unavailable",
			zap.Int("status", resp.StatusCode),
			zap.String("invoice_id", req.InvoiceID.String()),
		)
		return gatewaydomain.ChargeResult{}, gatewaydomain.ErrGatewayUnavailable
	}

	var parsed chargeResponseBody
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return gatewaydomain.ChargeResult{}, fmt.Errorf("%w: malformed response", gatewaydomain.ErrGatewayUnavailable)
	}

	if resp.StatusCode == http.StatusOK && strings.EqualFold(parsed.Status, "succeeded") {
		return gatewaydomain.ChargeResult{Succeeded: true}, nil
	}

	result := gatewaydomain.ChargeResult{
		Succeeded:     false,
		ErrorCode:     parsed.Error.Code,
		ErrorMessage:  parsed.Error.Message,
		ErrorCategory: parsed.Error.Category,
	}
	if result.ErrorCode == "" {
		result.ErrorCode = "payment_failed"
	}
	if result.ErrorCategory == "" {
		result.ErrorCategory = gatewaydomain.ErrorCategoryProcessing
	}
	return result, nil
}
