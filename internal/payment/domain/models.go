// Package domain contains persistence models and adapter contracts for
// payment processing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AttemptStatus is the outcome of one charge submission.
type AttemptStatus string

const (
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusDeclined  AttemptStatus = "declined"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusExhausted AttemptStatus = "exhausted"
)

// PaymentAttempt is the append-only record of one charge submission.
// attempt_number counts per invoice; the unique index keeps concurrent
// orchestrators from writing the same slot twice.
type PaymentAttempt struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	TenantID      snowflake.ID  `gorm:"not null;index"`
	InvoiceID     snowflake.ID  `gorm:"not null;uniqueIndex:idx_attempt_slot,priority:1"`
	AttemptNumber int           `gorm:"not null;uniqueIndex:idx_attempt_slot,priority:2"`
	Gateway       string        `gorm:"type:text;not null"`
	Status        AttemptStatus `gorm:"type:text;not null"`
	AmountMinor   int64         `gorm:"not null"`
	Currency      string        `gorm:"type:text;not null"`
	ErrorCode     string        `gorm:"type:text"`
	GatewayRef    string        `gorm:"type:text"`
	NextRetryAt   *time.Time    `gorm:"index"`
	CreatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentAttempt) TableName() string { return "payment_attempts" }

// WebhookStatus tracks processing of a stored gateway event.
type WebhookStatus string

const (
	WebhookStatusPending   WebhookStatus = "pending"
	WebhookStatusProcessed WebhookStatus = "processed"
	WebhookStatusFailed    WebhookStatus = "failed"
	WebhookStatusSkipped   WebhookStatus = "skipped"
)

// WebhookEvent stores every received gateway notification. The
// (gateway, event_id) unique index is the delivery idempotency anchor:
// the row is inserted before any effect runs.
type WebhookEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	Gateway     string         `gorm:"type:text;not null;uniqueIndex:idx_webhook_event,priority:1"`
	EventID     string         `gorm:"type:text;not null;uniqueIndex:idx_webhook_event,priority:2"`
	EventType   string         `gorm:"type:text;not null"`
	TenantID    snowflake.ID   `gorm:"index"`
	Status      WebhookStatus  `gorm:"type:text;not null;default:'pending'"`
	RetryCount  int            `gorm:"not null;default:0"`
	LastError   string         `gorm:"type:text"`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null"`
	ReceivedAt  time.Time      `gorm:"not null"`
	ProcessedAt *time.Time
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "webhook_events" }
