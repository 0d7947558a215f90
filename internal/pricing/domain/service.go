package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// GatewayAccount is the per-gateway slice of a country's gateway config.
type GatewayAccount struct {
	AccountID     string `json:"account_id"`
	CaptureMethod string `json:"capture_method,omitempty"`
}

// GatewaySettings is the typed form of CountryConfig.GatewayConfig.
// Parsing is strict: a config that does not cover the country's declared
// gateways resolves nothing rather than charging through a half-configured
// gateway.
type GatewaySettings struct {
	Accounts map[string]GatewayAccount `json:"accounts"`
}

// EffectivePrice is the pricing snapshot stamped onto an invoice.
type EffectivePrice struct {
	PlanID           snowflake.ID
	PlanCode         string
	CountryCode      string
	Currency         string
	BasePriceMinor   int64
	TaxName          string
	TaxRateBps       int64
	PrimaryGateway   string
	SecondaryGateway string
	Gateways         GatewaySettings
	FxRateMicros     int64
	FxSnapshotAt     time.Time
	ResolvedAt       time.Time
}

type Service interface {
	// Resolve computes the effective price for the tenant's subscription.
	// The result is deterministic given the exchange-rate snapshot in the
	// database at call time.
	Resolve(ctx context.Context, tenantID snowflake.ID, asOf time.Time) (EffectivePrice, error)
	GetPlan(ctx context.Context, id snowflake.ID) (*Plan, error)
	GetPlanByCode(ctx context.Context, code string) (*Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)
	GetCountryConfig(ctx context.Context, countryCode string) (*CountryConfig, error)
	UpsertExchangeRate(ctx context.Context, base, quote string, rateMicros int64, at time.Time) error
}

var (
	ErrInvalidTenant      = errors.New("invalid_tenant")
	ErrInvalidPlanCode    = errors.New("invalid_plan_code")
	ErrInvalidCountry     = errors.New("invalid_country")
	ErrInvalidRate        = errors.New("invalid_rate")
	ErrPlanNotFound       = errors.New("plan_not_found")
	ErrPricingUnresolved  = errors.New("pricing_unresolved")
	ErrBadGatewayConfig   = errors.New("bad_gateway_config")
	ErrMissingFxRate      = errors.New("missing_fx_rate")
	ErrCountryNotFound    = errors.New("country_not_found")
	ErrSubscriptionAbsent = errors.New("subscription_absent")
)
