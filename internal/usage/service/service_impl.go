package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/clock"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/events"
	obsmetrics "github.com/hiddenbraintechnologies-sys/tenantbill/internal/observability/metrics"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/tenantctx"
	usagedomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/usage/domain"
	"github.com/hiddenbraintechnologies-sys/tenantbill/pkg/db/option"
	"github.com/hiddenbraintechnologies-sys/tenantbill/pkg/db/pagination"
	"github.com/hiddenbraintechnologies-sys/tenantbill/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	Outbox     *events.Outbox      `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID       *snowflake.Node
	clock       clock.Clock
	usagerepo   repository.Repository[usagedomain.UsageEvent]
	counterrepo repository.Repository[usagedomain.PeriodCounter]
	limitrepo   repository.Repository[usagedomain.PlanUsageLimit]
	obsMetrics  *obsmetrics.Metrics
	outbox      *events.Outbox
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:       p.GenID,
		clock:       p.Clock,
		usagerepo:   repository.ProvideStore[usagedomain.UsageEvent](p.DB),
		counterrepo: repository.ProvideStore[usagedomain.PeriodCounter](p.DB),
		limitrepo:   repository.ProvideStore[usagedomain.PlanUsageLimit](p.DB),
		obsMetrics:  p.ObsMetrics,
		outbox:      p.Outbox,
	}
}

// subscriptionRow is the projection of the tenant's subscription that
// usage recording needs. Read with raw SQL so this package does not
// depend on the subscription context.
type subscriptionRow struct {
	ID           snowflake.ID
	PlanID       snowflake.ID
	BusinessType string
	Status       string
	PeriodStart  time.Time `gorm:"column:current_period_start"`
	PeriodEnd    time.Time `gorm:"column:current_period_end"`
}

func (s *Service) Record(
	ctx context.Context,
	req usagedomain.RecordRequest,
) (*usagedomain.UsageEvent, error) {

	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return nil, usagedomain.ErrInvalidTenant
	}

	usageType := strings.TrimSpace(req.UsageType)
	if usageType == "" {
		return nil, usagedomain.ErrInvalidUsageType
	}
	if req.Quantity <= 0 {
		return nil, usagedomain.ErrInvalidQuantity
	}

	dedupKey := normalizeDedupKey(req.DedupKey)

	// Idempotency check before any side effect. A replayed key returns
	// the stored event exactly as it was accepted, even if entitlements
	// changed between the original call and the retry.
	existing, err := s.findEventByDedupKey(ctx, tenantID, dedupKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	sub, err := s.lookupSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	limit, err := s.lookupLimit(ctx, sub.PlanID, sub.BusinessType, usageType)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	recordedAt := req.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = now
	}
	recordedAt = recordedAt.UTC()

	record := &usagedomain.UsageEvent{
		ID:         s.genID.Generate(),
		TenantID:   tenantID,
		UsageType:  usageType,
		Quantity:   req.Quantity,
		RecordedAt: recordedAt,
		CreatedAt:  now,
	}
	if dedupKey != "" {
		record.DedupKey = &dedupKey
	}
	if req.Metadata != nil {
		record.Metadata = datatypes.JSONMap(req.Metadata)
	}

	var deduplicated bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.insertEvent(ctx, tx, record, dedupKey)
		if err != nil {
			return err
		}
		if !inserted {
			deduplicated = true
			return nil
		}
		return s.incrementCounter(ctx, tx, tenantID, sub, limit, usageType, req.Quantity, now)
	})
	if err != nil {
		if errors.Is(err, usagedomain.ErrQuotaExceeded) {
			s.recordQuotaReject(ctx, tenantID, usageType, sub.PeriodStart, limit)
		}
		return nil, err
	}

	// Lost the insert race to a concurrent request with the same key.
	if deduplicated {
		existing, err := s.findEventByDedupKey(ctx, tenantID, dedupKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordUsageIngest(ctx, usageType)
	}

	return record, nil
}

func (s *Service) List(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return usagedomain.ListUsageResponse{}, usagedomain.ErrInvalidTenant
	}

	filter := usagedomain.UsageEvent{
		TenantID:  tenantID,
		UsageType: strings.TrimSpace(req.UsageType),
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.usagerepo.Find(ctx, &filter,
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(pageSize),
		}),
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return usagedomain.ListUsageResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(ev *usagedomain.UsageEvent) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{
			ID:        ev.ID.String(),
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		return token
	})
	if len(items) > int(pageSize) {
		items = items[:pageSize]
	}
	events := make([]usagedomain.UsageEvent, 0, len(items))
	for _, ev := range items {
		events = append(events, *ev)
	}
	return usagedomain.ListUsageResponse{PageInfo: *pageInfo, UsageEvents: events}, nil
}

func (s *Service) ClosePeriod(ctx context.Context, tenantID snowflake.ID, usageType string, periodStart time.Time) (*usagedomain.PeriodCounter, error) {
	if tenantID == 0 {
		return nil, usagedomain.ErrInvalidTenant
	}
	usageType = strings.TrimSpace(usageType)
	if usageType == "" {
		return nil, usagedomain.ErrInvalidUsageType
	}

	// First call flips is_billed, every later call matches zero rows and
	// falls through to the read below.
	err := s.db.WithContext(ctx).
		Model(&usagedomain.PeriodCounter{}).
		Where("tenant_id = ? AND usage_type = ? AND period_start = ? AND is_billed = ?",
			tenantID, usageType, periodStart.UTC(), false).
		Updates(map[string]any{"is_billed": true, "updated_at": s.clock.Now()}).
		Error
	if err != nil {
		return nil, err
	}

	counter, err := s.counterrepo.FindOne(ctx, &usagedomain.PeriodCounter{
		TenantID:    tenantID,
		UsageType:   usageType,
		PeriodStart: periodStart.UTC(),
	})
	if err != nil {
		return nil, err
	}
	if counter == nil {
		return nil, usagedomain.ErrCounterNotFound
	}
	return counter, nil
}

func (s *Service) UnbilledCounters(ctx context.Context, tenantID snowflake.ID, periodStart, periodEnd time.Time) ([]usagedomain.PeriodCounter, error) {
	if tenantID == 0 {
		return nil, usagedomain.ErrInvalidTenant
	}
	var counters []usagedomain.PeriodCounter
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND is_billed = ? AND period_start >= ? AND period_start < ?",
			tenantID, false, periodStart.UTC(), periodEnd.UTC()).
		Order("usage_type ASC").
		Find(&counters).Error
	if err != nil {
		return nil, err
	}
	return counters, nil
}

func (s *Service) CloseCountersTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, periodStart, periodEnd time.Time) ([]usagedomain.PeriodCounter, error) {
	if tx == nil {
		return nil, errors.New("missing_transaction")
	}
	if tenantID == 0 {
		return nil, usagedomain.ErrInvalidTenant
	}

	query := tx.WithContext(ctx).
		Where("tenant_id = ? AND is_billed = ? AND period_start >= ? AND period_start < ?",
			tenantID, false, periodStart.UTC(), periodEnd.UTC()).
		Order("usage_type ASC")
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var counters []usagedomain.PeriodCounter
	if err := query.Find(&counters).Error; err != nil {
		return nil, err
	}
	if len(counters) == 0 {
		return counters, nil
	}

	ids := make([]snowflake.ID, 0, len(counters))
	for i := range counters {
		ids = append(ids, counters[i].ID)
		counters[i].IsBilled = true
	}
	err := tx.WithContext(ctx).
		Model(&usagedomain.PeriodCounter{}).
		Where("id IN ? AND is_billed = ?", ids, false).
		Updates(map[string]any{"is_billed": true, "updated_at": s.clock.Now()}).
		Error
	if err != nil {
		return nil, err
	}
	return counters, nil
}

func (s *Service) lookupSubscription(ctx context.Context, tenantID snowflake.ID) (subscriptionRow, error) {
	var sub subscriptionRow
	err := s.db.WithContext(ctx).
		Raw(`SELECT id, plan_id, business_type, status, current_period_start, current_period_end
		     FROM subscriptions WHERE tenant_id = ?`, tenantID).
		Scan(&sub).Error
	if err != nil {
		return subscriptionRow{}, err
	}
	if sub.ID == 0 {
		return subscriptionRow{}, usagedomain.ErrNoSubscription
	}
	switch sub.Status {
	case "trialing", "active", "past_due":
		return sub, nil
	default:
		return subscriptionRow{}, usagedomain.ErrSubscriptionFrozen
	}
}

func (s *Service) lookupLimit(ctx context.Context, planID snowflake.ID, businessType, usageType string) (usagedomain.PlanUsageLimit, error) {
	limit, err := s.limitrepo.FindOne(ctx, &usagedomain.PlanUsageLimit{
		PlanID:       planID,
		BusinessType: businessType,
		UsageType:    usageType,
	})
	if err != nil {
		return usagedomain.PlanUsageLimit{}, err
	}
	if limit == nil {
		return usagedomain.PlanUsageLimit{}, usagedomain.ErrNoUsageLimit
	}
	return *limit, nil
}

func (s *Service) insertEvent(ctx context.Context, tx *gorm.DB, record *usagedomain.UsageEvent, dedupKey string) (bool, error) {
	if record == nil {
		return false, errors.New("missing_usage_event")
	}
	db := tx.WithContext(ctx)
	if dedupKey != "" {
		db = db.Clauses(buildDedupConflictClause(tx))
	}
	result := db.Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// incrementCounter lazily creates the period counter (snapshotting the
// plan limit) and applies the delta with one conditional UPDATE. The
// WHERE clause enforces the hard limit, so there is no read-modify-write
// window between concurrent writers.
func (s *Service) incrementCounter(
	ctx context.Context,
	tx *gorm.DB,
	tenantID snowflake.ID,
	sub subscriptionRow,
	limit usagedomain.PlanUsageLimit,
	usageType string,
	quantity int64,
	now time.Time,
) error {
	counter := usagedomain.PeriodCounter{
		ID:               s.genID.Generate(),
		TenantID:         tenantID,
		UsageType:        usageType,
		PeriodStart:      sub.PeriodStart.UTC(),
		PeriodEnd:        sub.PeriodEnd.UTC(),
		IncludedUnits:    limit.IncludedUnits,
		OverageRateMinor: limit.OverageRateMinor,
		HardLimit:        limit.HardLimit,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "usage_type"}, {Name: "period_start"}},
			DoNothing: true,
		}).
		Create(&counter).Error
	if err != nil {
		return err
	}

	result := tx.WithContext(ctx).Exec(`
		UPDATE tenant_usage_tracking
		SET used_units = used_units + ?,
		    overage_units = CASE WHEN used_units + ? > included_units
		        THEN used_units + ? - included_units ELSE 0 END,
		    overage_cost_minor = CASE WHEN used_units + ? > included_units
		        THEN (used_units + ? - included_units) * overage_rate_minor ELSE 0 END,
		    updated_at = ?
		WHERE tenant_id = ? AND usage_type = ? AND period_start = ?
		  AND is_billed = ?
		  AND (hard_limit IS NULL OR used_units + ? <= hard_limit)`,
		quantity, quantity, quantity, quantity, quantity,
		now, tenantID, usageType, sub.PeriodStart.UTC(), false, quantity,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	stored, err := s.counterrepo.WithTrx(tx).FindOne(ctx, &usagedomain.PeriodCounter{
		TenantID:    tenantID,
		UsageType:   usageType,
		PeriodStart: sub.PeriodStart.UTC(),
	})
	if err != nil {
		return err
	}
	if stored != nil && stored.IsBilled {
		return usagedomain.ErrPeriodBilled
	}
	return usagedomain.ErrQuotaExceeded
}

func (s *Service) recordQuotaReject(ctx context.Context, tenantID snowflake.ID, usageType string, periodStart time.Time, limit usagedomain.PlanUsageLimit) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordQuotaReject(ctx, usageType)
	}
	if s.outbox == nil {
		return
	}
	hardLimit := int64(0)
	if limit.HardLimit != nil {
		hardLimit = *limit.HardLimit
	}
	payload := events.QuotaExceededPayload{
		UsageType:   usageType,
		PeriodStart: periodStart.UTC().Format(time.RFC3339),
		HardLimit:   hardLimit,
	}
	err := s.outbox.Publish(ctx, events.Event{
		TenantID:  tenantID,
		Type:      events.EventUsageQuotaExceeded,
		Payload:   payload.ToMap(),
		DedupeKey: "quota_exceeded:" + usageType + ":" + periodStart.UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.log.Warn("quota outbox publish failed", zap.Error(err))
	}
}

func (s *Service) findEventByDedupKey(ctx context.Context, tenantID snowflake.ID, key string) (*usagedomain.UsageEvent, error) {
	if s.db == nil {
		return nil, errors.New("missing_db")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var record usagedomain.UsageEvent
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND dedup_key = ?", tenantID, key).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func buildDedupConflictClause(db *gorm.DB) clause.OnConflict {
	conflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "dedup_key"}},
		DoNothing: true,
	}
	if db != nil && strings.EqualFold(db.Dialector.Name(), "postgres") {
		conflict.TargetWhere = clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "dedup_key IS NOT NULL"},
		}}
	}
	return conflict
}

func normalizeDedupKey(key *string) string {
	if key == nil {
		return ""
	}
	return strings.TrimSpace(*key)
}
