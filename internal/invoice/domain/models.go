// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status represents invoice lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPartial   Status = "partial"
	StatusPaid      Status = "paid"
	StatusOverdue   Status = "overdue"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// LineKind distinguishes the recurring base fee from usage overage lines.
type LineKind string

const (
	LineKindBaseFee LineKind = "base_fee"
	LineKindOverage LineKind = "overage"
)

// Invoice is one billing period settled in the tenant's local currency.
// amount_due is always total - amount_paid. The (subscription_id,
// period_start) unique index is the idempotency anchor for generation;
// (tenant_id, invoice_number) keeps numbering monotone per tenant.
type Invoice struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	TenantID       snowflake.ID `gorm:"not null;index;uniqueIndex:idx_invoice_number,priority:1"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex:idx_invoice_period,priority:1"`
	PeriodStart    time.Time    `gorm:"not null;uniqueIndex:idx_invoice_period,priority:2"`
	PeriodEnd      time.Time    `gorm:"not null"`
	InvoiceNumber  int64        `gorm:"not null;uniqueIndex:idx_invoice_number,priority:2"`
	Status         Status       `gorm:"type:text;not null;default:'pending'"`
	CountryCode    string       `gorm:"type:text;not null"`
	Currency       string       `gorm:"type:text;not null"`
	SubtotalMinor  int64        `gorm:"not null;default:0"`
	TaxName        string       `gorm:"type:text"`
	TaxRateBps     int64        `gorm:"not null;default:0"`
	TaxMinor       int64        `gorm:"not null;default:0"`
	TotalMinor     int64        `gorm:"not null;default:0"`
	AmountPaid     int64        `gorm:"not null;default:0"`
	AmountDue      int64        `gorm:"not null;default:0"`
	IssuedAt       time.Time    `gorm:"not null"`
	DueAt          time.Time    `gorm:"not null"`
	PaidAt         *time.Time
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// InvoiceLine is one line on an invoice.
type InvoiceLine struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	TenantID    snowflake.ID `gorm:"not null;index"`
	InvoiceID   snowflake.ID `gorm:"not null;index"`
	Kind        LineKind     `gorm:"type:text;not null"`
	Description string       `gorm:"type:text"`
	UsageType   string       `gorm:"type:text"`
	Quantity    int64        `gorm:"not null"`
	UnitMinor   int64        `gorm:"not null"`
	AmountMinor int64        `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceLine) TableName() string { return "invoice_lines" }

// NumberSequence allocates per-tenant monotone invoice numbers.
type NumberSequence struct {
	TenantID   snowflake.ID `gorm:"primaryKey"`
	NextNumber int64        `gorm:"not null;default:1"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (NumberSequence) TableName() string { return "invoice_number_sequences" }
