// Package domain contains the billing catalog: plans, per-country prices,
// country tax/gateway configuration and exchange-rate snapshots.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Plan is a sellable subscription tier. Prices are minor units.
type Plan struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	Code           string       `gorm:"type:text;not null;uniqueIndex"`
	Name           string       `gorm:"type:text;not null"`
	BasePriceMinor int64        `gorm:"not null"`
	Currency       string       `gorm:"type:text;not null"`
	TrialDays      int          `gorm:"not null;default:0"`
	Active         bool         `gorm:"not null;default:true"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// PlanCountryPrice overrides the plan base price for one country.
type PlanCountryPrice struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	PlanID         snowflake.ID `gorm:"not null;uniqueIndex:idx_plan_country_price,priority:1"`
	CountryCode    string       `gorm:"type:text;not null;uniqueIndex:idx_plan_country_price,priority:2"`
	BasePriceMinor int64        `gorm:"not null"`
	Currency       string       `gorm:"type:text;not null"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PlanCountryPrice) TableName() string { return "plan_country_prices" }

// CountryConfig holds per-country billing settings: settlement currency,
// tax, and which payment gateways serve the country.
type CountryConfig struct {
	ID               snowflake.ID      `gorm:"primaryKey"`
	CountryCode      string            `gorm:"type:text;not null;uniqueIndex"`
	Currency         string            `gorm:"type:text;not null"`
	TaxName          string            `gorm:"type:text;not null"`
	TaxRateBps       int64             `gorm:"not null;default:0"`
	PrimaryGateway   string            `gorm:"type:text;not null"`
	SecondaryGateway string            `gorm:"type:text"`
	GatewayConfig    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CountryConfig) TableName() string { return "country_configs" }

// ExchangeRate is a snapshot row. rate_micros scales the rate by 1e6 so
// conversion stays in integer arithmetic.
type ExchangeRate struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	BaseCurrency  string       `gorm:"type:text;not null;uniqueIndex:idx_exchange_rate_pair,priority:1"`
	QuoteCurrency string       `gorm:"type:text;not null;uniqueIndex:idx_exchange_rate_pair,priority:2"`
	RateMicros    int64        `gorm:"not null"`
	UpdatedAt     time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (ExchangeRate) TableName() string { return "exchange_rates" }
