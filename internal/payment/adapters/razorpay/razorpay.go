// Package razorpay integrates the Razorpay gateway for UPI collection.
package razorpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/domain"
)

const defaultAPIBase = "https://api.razorpay.com"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Gateway() string {
	return "razorpay"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	keyID, ok := readString(cfg.Config, "key_id")
	if !ok || strings.TrimSpace(keyID) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	keySecret, ok := readString(cfg.Config, "key_secret")
	if !ok || strings.TrimSpace(keySecret) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	webhookSecret, ok := readString(cfg.Config, "webhook_secret")
	if !ok || strings.TrimSpace(webhookSecret) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	apiBase := defaultAPIBase
	if base, ok := readString(cfg.Config, "api_base"); ok && strings.TrimSpace(base) != "" {
		apiBase = strings.TrimRight(strings.TrimSpace(base), "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Adapter{
		keyID:         strings.TrimSpace(keyID),
		keySecret:     strings.TrimSpace(keySecret),
		webhookSecret: strings.TrimSpace(webhookSecret),
		apiBase:       apiBase,
		client:        &http.Client{Timeout: timeout},
		timeout:       timeout,
	}, nil
}

type Adapter struct {
	keyID         string
	keySecret     string
	webhookSecret string
	apiBase       string
	client        *http.Client
	timeout       time.Duration
}

func (a *Adapter) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"amount":      req.AmountMinor,
		"currency":    strings.ToUpper(req.Currency),
		"customer_id": req.AccountID,
		"method":      "upi",
		"recurring":   true,
		"notes": map[string]string{
			"tenant_id":  req.TenantID.String(),
			"invoice_id": req.InvoiceID.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.apiBase+"/v1/payments/create/recurring", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.SetBasicAuth(a.keyID, a.keySecret)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("X-Payment-Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, paymentdomain.ErrGatewayTransient
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, paymentdomain.ErrGatewayTransient
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, paymentdomain.ErrGatewayTransient
	case resp.StatusCode >= 400:
		return nil, paymentdomain.ErrGatewayDeclined
	}

	var payment struct {
		RazorpayPaymentID string `json:"razorpay_payment_id"`
		Amount            int64  `json:"amount"`
		Currency          string `json:"currency"`
	}
	if err := json.Unmarshal(respBody, &payment); err != nil || payment.RazorpayPaymentID == "" {
		return nil, paymentdomain.ErrGatewayTransient
	}

	return &paymentdomain.ChargeResult{
		GatewayRef:  payment.RazorpayPaymentID,
		AmountMinor: payment.Amount,
		Currency:    strings.ToUpper(payment.Currency),
	}, nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get("X-Razorpay-Signature"))
	if signature == "" {
		return paymentdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.GatewayEvent, error) {
	var event razorpayEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	var eventType string
	switch strings.TrimSpace(event.Event) {
	case "payment.captured":
		eventType = paymentdomain.EventTypePaymentSucceeded
	case "payment.failed":
		eventType = paymentdomain.EventTypePaymentFailed
	case "refund.processed":
		eventType = paymentdomain.EventTypeRefunded
	case "subscription.cancelled":
		eventType = paymentdomain.EventTypeSubscriptionCanceled
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	entity := event.Payload.Payment.Entity
	if entity.ID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	parsed := &paymentdomain.GatewayEvent{
		Gateway: "razorpay",
		// Razorpay carries the delivery id in a header, not the body, so
		// the event name plus payment id identifies the notification.
		EventID:     event.Event + ":" + entity.ID,
		Type:        eventType,
		GatewayRef:  entity.ID,
		AmountMinor: entity.Amount,
		Currency:    strings.ToUpper(entity.Currency),
		ErrorCode:   entity.ErrorCode,
		OccurredAt:  time.Unix(event.CreatedAt, 0).UTC(),
		RawPayload:  payload,
	}
	if tenantID, err := snowflake.ParseString(entity.Notes["tenant_id"]); err == nil {
		parsed.TenantID = tenantID
	}
	if invoiceID, err := snowflake.ParseString(entity.Notes["invoice_id"]); err == nil {
		parsed.InvoiceID = invoiceID
	}
	return parsed, nil
}

type razorpayEvent struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment struct {
			Entity struct {
				ID        string            `json:"id"`
				Amount    int64             `json:"amount"`
				Currency  string            `json:"currency"`
				ErrorCode string            `json:"error_code"`
				Notes     map[string]string `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

func readString(config map[string]any, key string) (string, bool) {
	if config == nil {
		return "", false
	}
	value, ok := config[key]
	if !ok {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}
