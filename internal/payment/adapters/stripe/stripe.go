// Package stripe integrates the Stripe card gateway.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/domain"
)

const defaultAPIBase = "https://api.stripe.com"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Gateway() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	apiKey, ok := readString(cfg.Config, "api_key")
	if !ok || strings.TrimSpace(apiKey) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	secret, ok := readString(cfg.Config, "webhook_secret")
	if !ok || strings.TrimSpace(secret) == "" {
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
		apiKey:        strings.TrimSpace(apiKey),
		webhookSecret: strings.TrimSpace(secret),
		apiBase:       apiBase,
		client:        &http.Client{Timeout: timeout},
		timeout:       timeout,
	}, nil
}

type Adapter struct {
	apiKey        string
	webhookSecret string
	apiBase       string
	client        *http.Client
	timeout       time.Duration
}

func (a *Adapter) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("amount", fmt.Sprintf("%d", req.AmountMinor))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("confirm", "true")
	form.Set("off_session", "true")
	form.Set("customer", req.AccountID)
	form.Set("metadata[tenant_id]", req.TenantID.String())
	form.Set("metadata[invoice_id]", req.InvoiceID.String())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.apiBase+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, paymentdomain.ErrGatewayTransient
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, paymentdomain.ErrGatewayTransient
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, paymentdomain.ErrGatewayTransient
	case resp.StatusCode >= 400:
		return nil, paymentdomain.ErrGatewayDeclined
	}

	var intent struct {
		ID       string `json:"id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(body, &intent); err != nil || intent.ID == "" {
		return nil, paymentdomain.ErrGatewayTransient
	}
	if intent.Status != "succeeded" && intent.Status != "processing" {
		return nil, paymentdomain.ErrGatewayDeclined
	}

	return &paymentdomain.ChargeResult{
		GatewayRef:  intent.ID,
		AmountMinor: intent.Amount,
		Currency:    strings.ToUpper(intent.Currency),
	}, nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.GatewayEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	var eventType string
	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		eventType = paymentdomain.EventTypePaymentSucceeded
	case "payment_intent.payment_failed":
		eventType = paymentdomain.EventTypePaymentFailed
	case "charge.refunded":
		eventType = paymentdomain.EventTypeRefunded
	case "customer.subscription.deleted":
		eventType = paymentdomain.EventTypeSubscriptionCanceled
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	object := event.Data.Object

	parsed := &paymentdomain.GatewayEvent{
		Gateway:     "stripe",
		EventID:     event.ID,
		Type:        eventType,
		GatewayRef:  object.ID,
		AmountMinor: object.Amount,
		Currency:    strings.ToUpper(object.Currency),
		OccurredAt:  time.Unix(event.Created, 0).UTC(),
		RawPayload:  payload,
	}
	if object.LastPaymentError.Code != "" {
		parsed.ErrorCode = object.LastPaymentError.Code
	}
	if tenantID, err := snowflake.ParseString(object.Metadata["tenant_id"]); err == nil {
		parsed.TenantID = tenantID
	}
	if invoiceID, err := snowflake.ParseString(object.Metadata["invoice_id"]); err == nil {
		parsed.InvoiceID = invoiceID
	}
	return parsed, nil
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID               string            `json:"id"`
			Amount           int64             `json:"amount"`
			Currency         string            `json:"currency"`
			Metadata         map[string]string `json:"metadata"`
			LastPaymentError struct {
				Code string `json:"code"`
			} `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

func parseSignatureHeader(header string) (string, []string, error) {
	timestamp := ""
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		pair := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(pair) != 2 {
			continue
		}
		key, value := pair[0], pair[1]
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
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
