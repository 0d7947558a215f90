package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hiddenbraintechnologies-sys/tenantbill/pkg/db/pagination"
	"gorm.io/gorm"
)

type RecordRequest struct {
	UsageType  string         `json:"usage_type"`
	Quantity   int64          `json:"quantity"`
	RecordedAt time.Time      `json:"recorded_at"`
	DedupKey   *string        `json:"dedup_key"`
	Metadata   map[string]any `json:"metadata"`
}

type ListUsageRequest struct {
	UsageType string `json:"usage_type"`
	PageToken string `json:"page_token"`
	PageSize  int32  `json:"page_size"`
}

type ListUsageResponse struct {
	pagination.PageInfo
	UsageEvents []UsageEvent `json:"usage_events"`
}

type Service interface {
	Record(context.Context, RecordRequest) (*UsageEvent, error)
	List(context.Context, ListUsageRequest) (ListUsageResponse, error)
	ClosePeriod(ctx context.Context, tenantID snowflake.ID, usageType string, periodStart time.Time) (*PeriodCounter, error)
	UnbilledCounters(ctx context.Context, tenantID snowflake.ID, periodStart, periodEnd time.Time) ([]PeriodCounter, error)
	// CloseCountersTx marks every unbilled counter in the period as billed
	// inside the caller's transaction and returns the closed rows. Invoice
	// generation uses it so counters close together with the invoice insert.
	CloseCountersTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, periodStart, periodEnd time.Time) ([]PeriodCounter, error)
}

var (
	ErrInvalidTenant      = errors.New("invalid_tenant")
	ErrInvalidUsageType   = errors.New("invalid_usage_type")
	ErrInvalidQuantity    = errors.New("invalid_quantity")
	ErrNoSubscription     = errors.New("no_subscription")
	ErrSubscriptionFrozen = errors.New("subscription_frozen")
	ErrNoUsageLimit       = errors.New("no_usage_limit")
	ErrQuotaExceeded      = errors.New("quota_exceeded")
	ErrPeriodBilled       = errors.New("period_billed")
	ErrCounterNotFound    = errors.New("counter_not_found")
)
