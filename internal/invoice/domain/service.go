package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hiddenbraintechnologies-sys/tenantbill/pkg/db/pagination"
)

type ListInvoicesRequest struct {
	Status    string `json:"status"`
	PageToken string `json:"page_token"`
	PageSize  int32  `json:"page_size"`
}

type ListInvoicesResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

type Service interface {
	// Generate issues the invoice for a finished billing period. Calling it
	// again for the same subscription and period returns the stored invoice.
	Generate(ctx context.Context, subscriptionID snowflake.ID, periodStart, periodEnd time.Time) (*Invoice, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Invoice, error)
	List(ctx context.Context, req ListInvoicesRequest) (ListInvoicesResponse, error)
	Lines(ctx context.Context, invoiceID snowflake.ID) ([]InvoiceLine, error)
	// ApplyPayment credits amountMinor against the invoice. Negative
	// amounts record refunds.
	ApplyPayment(ctx context.Context, invoiceID snowflake.ID, amountMinor int64, at time.Time) (*Invoice, error)
	// MarkOverdue flips unpaid invoices past due_at to OVERDUE and returns
	// the affected invoices.
	MarkOverdue(ctx context.Context, now time.Time) ([]Invoice, error)
}

var (
	ErrInvalidTenant      = errors.New("invalid_tenant")
	ErrInvalidPeriod      = errors.New("invalid_period")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvoiceNotFound    = errors.New("invoice_not_found")
	ErrSubscriptionGone   = errors.New("subscription_gone")
	ErrInvoiceClosed      = errors.New("invoice_closed")
	ErrNumberClash        = errors.New("invoice_number_clash")
	ErrOverpayment        = errors.New("overpayment")
	ErrRefundExceedsPaid  = errors.New("refund_exceeds_paid")
	ErrPricingUnavailable = errors.New("pricing_unavailable")
)
