package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	EventTypePaymentSucceeded     = "payment_succeeded"
	EventTypePaymentFailed        = "payment_failed"
	EventTypeRefunded             = "refunded"
	EventTypeSubscriptionCanceled = "subscription_canceled"
)

// ChargeRequest submits one invoice charge to a gateway.
type ChargeRequest struct {
	TenantID    snowflake.ID
	InvoiceID   snowflake.ID
	AmountMinor int64
	Currency    string
	AccountID   string
	// IdempotencyKey is forwarded to the gateway so a resubmitted charge
	// settles at most once.
	IdempotencyKey string
}

// ChargeResult reports a synchronous gateway response. Settlement is only
// final once the matching webhook arrives.
type ChargeResult struct {
	GatewayRef  string
	AmountMinor int64
	Currency    string
}

// GatewayEvent is the canonical event parsed out of a webhook payload.
type GatewayEvent struct {
	Gateway     string
	EventID     string
	Type        string
	TenantID    snowflake.ID
	InvoiceID   snowflake.ID
	GatewayRef  string
	AmountMinor int64
	Currency    string
	ErrorCode   string
	OccurredAt  time.Time
	RawPayload  []byte
}

// PaymentAdapter is one gateway integration.
type PaymentAdapter interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*GatewayEvent, error)
}

// AdapterConfig carries per-country gateway credentials. Factories parse
// Config fails-closed: a missing or malformed key refuses the adapter.
type AdapterConfig struct {
	Gateway string
	Config  map[string]any
	Timeout time.Duration
}

type AdapterFactory interface {
	Gateway() string
	NewAdapter(config AdapterConfig) (PaymentAdapter, error)
}
