// Package domain contains persistence models for tenant subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// TransitionReason labels why a state change happened.
type TransitionReason string

const (
	ReasonTrialEnded      TransitionReason = "trial_ended"
	ReasonPaymentFailed   TransitionReason = "payment_failed"
	ReasonPaymentSettled  TransitionReason = "payment_settled"
	ReasonGraceExpired    TransitionReason = "grace_expired"
	ReasonTenantRequested TransitionReason = "tenant_requested"
	ReasonPeriodEnded     TransitionReason = "period_ended"
	ReasonGatewayEvent    TransitionReason = "gateway_event"
)

// Subscription captures a tenant's billing agreement. One row per tenant;
// plan, country and business type are snapshotted here so billing stays
// deterministic when catalog rows change mid-period.
type Subscription struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	TenantID            snowflake.ID `gorm:"not null;uniqueIndex"`
	PlanID              snowflake.ID `gorm:"not null;index"`
	PendingPlanID       *snowflake.ID
	BusinessType        string       `gorm:"type:text;not null"`
	CountryCode         string       `gorm:"type:text;not null"`
	Status              Status       `gorm:"type:text;not null"`
	TrialEndsAt         *time.Time
	CurrentPeriodStart  time.Time `gorm:"not null"`
	CurrentPeriodEnd    time.Time `gorm:"not null"`
	CancelAtPeriodEnd   bool      `gorm:"not null;default:false"`
	CancelledAt         *time.Time
	SuspendedAt         *time.Time
	PastDueSince        *time.Time
	PaymentFailureCount int `gorm:"not null;default:0"`
	NextPaymentAt       *time.Time
	PaymentMethodSet    bool              `gorm:"not null;default:false"`
	Metadata            datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// StateTransition is the append-only audit log of lifecycle changes.
type StateTransition struct {
	ID             snowflake.ID     `gorm:"primaryKey"`
	TenantID       snowflake.ID     `gorm:"not null;index"`
	SubscriptionID snowflake.ID     `gorm:"not null;index"`
	FromStatus     Status           `gorm:"type:text;not null"`
	ToStatus       Status           `gorm:"type:text;not null"`
	Reason         TransitionReason `gorm:"type:text;not null"`
	CreatedAt      time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (StateTransition) TableName() string { return "subscription_transitions" }
