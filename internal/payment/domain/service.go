package domain

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
)

// Orchestrator drives invoice charging: gateway selection, fallback,
// retry scheduling.
type Orchestrator interface {
	// Charge attempts to collect an invoice. A second caller for the same
	// invoice gets ErrChargeInFlight while the lease is held.
	Charge(ctx context.Context, invoiceID snowflake.ID) (*PaymentAttempt, error)
	// DueAttempts lists invoices whose next retry time has passed.
	DueAttempts(ctx context.Context, limit int) ([]PaymentAttempt, error)
	// DueInvoices lists unpaid invoices that need a charge now: invoices
	// never attempted plus invoices whose retry time has passed.
	DueInvoices(ctx context.Context, limit int) ([]snowflake.ID, error)
}

// WebhookProcessor ingests and replays gateway notifications.
type WebhookProcessor interface {
	Ingest(ctx context.Context, gateway string, payload []byte, headers http.Header) error
	// Reprocess retries stored FAILED events and PENDING events whose
	// processing never finished.
	Reprocess(ctx context.Context, limit int) (int, error)
}

var (
	ErrInvalidGateway   = errors.New("invalid_gateway")
	ErrGatewayNotFound  = errors.New("gateway_not_found")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrInvalidConfig    = errors.New("invalid_config")
	ErrDuplicateEvent   = errors.New("duplicate_event")
	ErrChargeInFlight   = errors.New("charge_in_flight")
	ErrGatewayTransient = errors.New("gateway_transient")
	ErrGatewayDeclined  = errors.New("gateway_declined")
	ErrNothingToCharge  = errors.New("nothing_to_charge")
	ErrRetriesExhausted = errors.New("retries_exhausted")
)
