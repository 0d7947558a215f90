package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CreateRequest struct {
	PlanID       string         `json:"plan_id"`
	BusinessType string         `json:"business_type"`
	CountryCode  string         `json:"country_code"`
	Metadata     map[string]any `json:"metadata"`
}

type TickResult struct {
	RolledOver int
	Suspended  int
	Cancelled  int
	Activated  int
	Errs       []error
}

type Service interface {
	Create(context.Context, CreateRequest) (*Subscription, error)
	GetByTenant(ctx context.Context) (*Subscription, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Subscription, error)
	ChangePlan(ctx context.Context, planID snowflake.ID) (*Subscription, error)
	Cancel(ctx context.Context, atPeriodEnd bool) (*Subscription, error)
	SetPaymentMethod(ctx context.Context, set bool) error
	Transition(ctx context.Context, id snowflake.ID, to Status, reason TransitionReason) error
	RecordPaymentFailure(ctx context.Context, id snowflake.ID, at time.Time) error
	RecordPaymentSuccess(ctx context.Context, id snowflake.ID, at time.Time) error
	// Tick advances every subscription whose period has ended. Safe to run
	// concurrently; each rollover is guarded by a conditional update.
	Tick(ctx context.Context, now time.Time) (TickResult, error)
}

var (
	ErrInvalidTenant        = errors.New("invalid_tenant")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrInvalidCountry       = errors.New("invalid_country")
	ErrSubscriptionExists   = errors.New("subscription_exists")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrSubscriptionEnded    = errors.New("subscription_ended")
)
