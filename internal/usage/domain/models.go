// Package domain contains persistence models for the usage ledger and
// the per-period aggregation counters.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageEvent stores a single unit of metered activity. Rows are append
// only; corrections are new events, never updates.
type UsageEvent struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	TenantID   snowflake.ID      `gorm:"not null;uniqueIndex:idx_usage_events_dedup,priority:1"`
	UsageType  string            `gorm:"type:text;not null"`
	Quantity   int64             `gorm:"not null"`
	RecordedAt time.Time         `gorm:"not null"`
	DedupKey   *string           `gorm:"type:text;uniqueIndex:idx_usage_events_dedup,priority:2"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// PeriodCounter aggregates usage per tenant, usage type and billing
// period. included_units and overage_rate_minor are snapshotted from the
// plan limit when the row is created so later plan edits cannot change a
// period that is already running.
type PeriodCounter struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	TenantID         snowflake.ID `gorm:"not null;uniqueIndex:idx_usage_tracking_period,priority:1"`
	UsageType        string       `gorm:"type:text;not null;uniqueIndex:idx_usage_tracking_period,priority:2"`
	PeriodStart      time.Time    `gorm:"not null;uniqueIndex:idx_usage_tracking_period,priority:3"`
	PeriodEnd        time.Time    `gorm:"not null"`
	UsedUnits        int64        `gorm:"not null;default:0"`
	IncludedUnits    int64        `gorm:"not null;default:0"`
	OverageUnits     int64        `gorm:"not null;default:0"`
	OverageRateMinor int64        `gorm:"not null;default:0"`
	OverageCostMinor int64        `gorm:"not null;default:0"`
	HardLimit        *int64
	IsBilled         bool      `gorm:"not null;default:false"`
	CreatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PeriodCounter) TableName() string { return "tenant_usage_tracking" }

// PlanUsageLimit entitles a usage type for a plan and business type.
type PlanUsageLimit struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	PlanID           snowflake.ID `gorm:"not null;uniqueIndex:idx_plan_usage_limits,priority:1"`
	BusinessType     string       `gorm:"type:text;not null;uniqueIndex:idx_plan_usage_limits,priority:2"`
	UsageType        string       `gorm:"type:text;not null;uniqueIndex:idx_plan_usage_limits,priority:3"`
	IncludedUnits    int64        `gorm:"not null;default:0"`
	OverageRateMinor int64        `gorm:"not null;default:0"`
	HardLimit        *int64
	CreatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PlanUsageLimit) TableName() string { return "plan_usage_limits" }
