package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/clock"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/config"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/events"
	invoicedomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/invoice/domain"
	obsmetrics "github.com/hiddenbraintechnologies-sys/tenantbill/internal/observability/metrics"
	pricingdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/pricing/domain"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/tenantctx"
	usagedomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/usage/domain"
	"github.com/hiddenbraintechnologies-sys/tenantbill/pkg/db"
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
	Billing    *config.BillingConfigHolder
	UsageSvc   usagedomain.Service
	PricingSvc pricingdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	Outbox     *events.Outbox      `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID       *snowflake.Node
	clock       clock.Clock
	billing     *config.BillingConfigHolder
	usageSvc    usagedomain.Service
	pricingSvc  pricingdomain.Service
	invoicerepo repository.Repository[invoicedomain.Invoice]
	linerepo    repository.Repository[invoicedomain.InvoiceLine]
	obsMetrics  *obsmetrics.Metrics
	outbox      *events.Outbox
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("invoice.service"),

		genID:       p.GenID,
		clock:       p.Clock,
		billing:     p.Billing,
		usageSvc:    p.UsageSvc,
		pricingSvc:  p.PricingSvc,
		invoicerepo: repository.ProvideStore[invoicedomain.Invoice](p.DB),
		linerepo:    repository.ProvideStore[invoicedomain.InvoiceLine](p.DB),
		obsMetrics:  p.ObsMetrics,
		outbox:      p.Outbox,
	}
}

// subscriptionRow is the projection invoicing needs, read with raw SQL so
// this package does not depend on the subscription context.
type subscriptionRow struct {
	ID          snowflake.ID
	TenantID    snowflake.ID
	PlanID      snowflake.ID
	CountryCode string
	Status      string
}

func (s *Service) Generate(ctx context.Context, subscriptionID snowflake.ID, periodStart, periodEnd time.Time) (*invoicedomain.Invoice, error) {
	periodStart = periodStart.UTC()
	periodEnd = periodEnd.UTC()
	if subscriptionID == 0 || !periodEnd.After(periodStart) {
		return nil, invoicedomain.ErrInvalidPeriod
	}

	sub, err := s.lookupSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	// Fast path before resolving prices or touching counters.
	existing, err := s.findByPeriod(ctx, subscriptionID, periodStart)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	price, err := s.pricingSvc.Resolve(ctx, sub.TenantID, periodEnd)
	if err != nil {
		s.log.Warn("pricing unresolved, invoice deferred",
			zap.String("subscription_id", subscriptionID.String()),
			zap.Error(err))
		return nil, invoicedomain.ErrPricingUnavailable
	}

	now := s.clock.Now()
	cfg := s.billing.Get()

	invoice := &invoicedomain.Invoice{
		ID:             s.genID.Generate(),
		TenantID:       sub.TenantID,
		SubscriptionID: subscriptionID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		Status:         invoicedomain.StatusPending,
		CountryCode:    price.CountryCode,
		Currency:       price.Currency,
		TaxName:        price.TaxName,
		TaxRateBps:     price.TaxRateBps,
		IssuedAt:       now,
		DueAt:          now.Add(time.Duration(cfg.InvoiceDueDays) * 24 * time.Hour),
		Metadata: datatypes.JSONMap{
			"plan_code":      price.PlanCode,
			"fx_rate_micros": price.FxRateMicros,
			"fx_snapshot_at": price.FxSnapshotAt.Format(time.RFC3339),
			"resolved_at":    price.ResolvedAt.Format(time.RFC3339),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counters, err := s.usageSvc.CloseCountersTx(ctx, tx, sub.TenantID, periodStart, periodEnd)
		if err != nil {
			return err
		}

		lines := s.buildLines(invoice, price, counters)
		subtotal := int64(0)
		for _, line := range lines {
			subtotal += line.AmountMinor
		}
		tax := subtotal * price.TaxRateBps / 10000

		invoice.SubtotalMinor = subtotal
		invoice.TaxMinor = tax
		invoice.TotalMinor = subtotal + tax
		invoice.AmountDue = invoice.TotalMinor

		number, err := s.nextInvoiceNumber(ctx, tx, sub.TenantID, now)
		if err != nil {
			return err
		}
		invoice.InvoiceNumber = number

		if err := tx.WithContext(ctx).Create(invoice).Error; err != nil {
			return err
		}
		for i := range lines {
			lines[i].InvoiceID = invoice.ID
		}
		if len(lines) > 0 {
			if err := tx.WithContext(ctx).Create(&lines).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Lost the generation race: the stored invoice wins. A
			// duplicate without a stored row means the number sequence
			// was corrupted, which is fatal.
			stored, findErr := s.findByPeriod(ctx, subscriptionID, periodStart)
			if findErr != nil {
				return nil, findErr
			}
			if stored != nil {
				return stored, nil
			}
			return nil, invoicedomain.ErrNumberClash
		}
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordInvoiceIssued(ctx, invoice.CountryCode)
	}

	return invoice, nil
}

func (s *Service) buildLines(invoice *invoicedomain.Invoice, price pricingdomain.EffectivePrice, counters []usagedomain.PeriodCounter) []invoicedomain.InvoiceLine {
	now := s.clock.Now()
	lines := []invoicedomain.InvoiceLine{{
		ID:          s.genID.Generate(),
		TenantID:    invoice.TenantID,
		InvoiceID:   invoice.ID,
		Kind:        invoicedomain.LineKindBaseFee,
		Description: fmt.Sprintf("%s plan, %s to %s", price.PlanCode,
			invoice.PeriodStart.Format("2006-01-02"), invoice.PeriodEnd.Format("2006-01-02")),
		Quantity:    1,
		UnitMinor:   price.BasePriceMinor,
		AmountMinor: price.BasePriceMinor,
		CreatedAt:   now,
	}}
	for _, counter := range counters {
		if counter.OverageUnits <= 0 {
			continue
		}
		lines = append(lines, invoicedomain.InvoiceLine{
			ID:          s.genID.Generate(),
			TenantID:    invoice.TenantID,
			InvoiceID:   invoice.ID,
			Kind:        invoicedomain.LineKindOverage,
			Description: fmt.Sprintf("%s overage", counter.UsageType),
			UsageType:   counter.UsageType,
			Quantity:    counter.OverageUnits,
			UnitMinor:   counter.OverageRateMinor,
			AmountMinor: counter.OverageCostMinor,
			CreatedAt:   now,
		})
	}
	return lines
}

// nextInvoiceNumber allocates the tenant's next monotone invoice number.
// The guarded update detects lost races; invoice insertion then re-checks
// uniqueness at the constraint level.
func (s *Service) nextInvoiceNumber(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, now time.Time) (int64, error) {
	seq := invoicedomain.NumberSequence{TenantID: tenantID, NextNumber: 1, UpdatedAt: now}
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			DoNothing: true,
		}).
		Create(&seq).Error
	if err != nil {
		return 0, err
	}

	query := tx.WithContext(ctx)
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var current invoicedomain.NumberSequence
	if err := query.Where("tenant_id = ?", tenantID).First(&current).Error; err != nil {
		return 0, err
	}

	result := tx.WithContext(ctx).
		Model(&invoicedomain.NumberSequence{}).
		Where("tenant_id = ? AND next_number = ?", tenantID, current.NextNumber).
		Updates(map[string]any{"next_number": current.NextNumber + 1, "updated_at": now})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, invoicedomain.ErrNumberClash
	}
	return current.NextNumber, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	if id == 0 {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	invoice, err := s.invoicerepo.FindOne(ctx, &invoicedomain.Invoice{ID: id})
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if tenantID, ok := tenantctx.TenantIDFromContext(ctx); ok && tenantID != 0 && invoice.TenantID != tenantID {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoicesRequest) (invoicedomain.ListInvoicesResponse, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return invoicedomain.ListInvoicesResponse{}, invoicedomain.ErrInvalidTenant
	}

	filter := invoicedomain.Invoice{TenantID: tenantID}
	if status := strings.TrimSpace(req.Status); status != "" {
		filter.Status = invoicedomain.Status(status)
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.invoicerepo.Find(ctx, &filter,
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(pageSize),
		}),
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return invoicedomain.ListInvoicesResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(inv *invoicedomain.Invoice) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{
			ID:        inv.ID.String(),
			CreatedAt: inv.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		return token
	})
	if len(items) > int(pageSize) {
		items = items[:pageSize]
	}
	invoices := make([]invoicedomain.Invoice, 0, len(items))
	for _, inv := range items {
		invoices = append(invoices, *inv)
	}
	return invoicedomain.ListInvoicesResponse{PageInfo: *pageInfo, Invoices: invoices}, nil
}

func (s *Service) Lines(ctx context.Context, invoiceID snowflake.ID) ([]invoicedomain.InvoiceLine, error) {
	if invoiceID == 0 {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	items, err := s.linerepo.Find(ctx, &invoicedomain.InvoiceLine{InvoiceID: invoiceID})
	if err != nil {
		return nil, err
	}
	lines := make([]invoicedomain.InvoiceLine, 0, len(items))
	for _, line := range items {
		lines = append(lines, *line)
	}
	return lines, nil
}

func (s *Service) ApplyPayment(ctx context.Context, invoiceID snowflake.ID, amountMinor int64, at time.Time) (*invoicedomain.Invoice, error) {
	if invoiceID == 0 {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if amountMinor == 0 {
		return nil, invoicedomain.ErrInvalidAmount
	}
	at = at.UTC()

	var updated invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.WithContext(ctx)
		if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var invoice invoicedomain.Invoice
		if err := query.Where("id = ?", invoiceID).First(&invoice).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return invoicedomain.ErrInvoiceNotFound
			}
			return err
		}
		if invoice.Status == invoicedomain.StatusCancelled {
			return invoicedomain.ErrInvoiceClosed
		}

		paid := invoice.AmountPaid + amountMinor
		if amountMinor > 0 && paid > invoice.TotalMinor {
			return invoicedomain.ErrOverpayment
		}
		if amountMinor < 0 && paid < 0 {
			return invoicedomain.ErrRefundExceedsPaid
		}

		invoice.AmountPaid = paid
		invoice.AmountDue = invoice.TotalMinor - paid
		invoice.UpdatedAt = s.clock.Now()

		switch {
		case amountMinor < 0:
			invoice.Status = invoicedomain.StatusRefunded
		case paid >= invoice.TotalMinor:
			invoice.Status = invoicedomain.StatusPaid
			invoice.PaidAt = &at
		default:
			invoice.Status = invoicedomain.StatusPartial
		}

		if err := tx.WithContext(ctx).Save(&invoice).Error; err != nil {
			return err
		}

		if invoice.Status == invoicedomain.StatusPaid && s.outbox != nil {
			payload := events.InvoicePayload{
				InvoiceID:      invoice.ID.String(),
				SubscriptionID: invoice.SubscriptionID.String(),
				InvoiceNumber:  fmt.Sprintf("INV-%d", invoice.InvoiceNumber),
				AmountMinor:    invoice.TotalMinor,
				Currency:       invoice.Currency,
			}
			err := s.outbox.PublishTx(ctx, tx, events.Event{
				TenantID:  invoice.TenantID,
				Type:      events.EventInvoicePaid,
				Payload:   payload.ToMap(),
				DedupeKey: "invoice_paid:" + invoice.ID.String(),
			})
			if err != nil {
				return err
			}
		}

		updated = invoice
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Service) MarkOverdue(ctx context.Context, now time.Time) ([]invoicedomain.Invoice, error) {
	now = now.UTC()

	var due []invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("status IN ? AND due_at <= ?",
			[]invoicedomain.Status{invoicedomain.StatusPending, invoicedomain.StatusPartial}, now).
		Find(&due).Error
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}

	flipped := make([]invoicedomain.Invoice, 0, len(due))
	for _, invoice := range due {
		result := s.db.WithContext(ctx).
			Model(&invoicedomain.Invoice{}).
			Where("id = ? AND status = ?", invoice.ID, invoice.Status).
			Updates(map[string]any{"status": invoicedomain.StatusOverdue, "updated_at": now})
		if result.Error != nil {
			return flipped, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}
		invoice.Status = invoicedomain.StatusOverdue
		flipped = append(flipped, invoice)

		if s.outbox != nil {
			payload := events.InvoicePayload{
				InvoiceID:      invoice.ID.String(),
				SubscriptionID: invoice.SubscriptionID.String(),
				AmountMinor:    invoice.AmountDue,
				Currency:       invoice.Currency,
			}
			err := s.outbox.Publish(ctx, events.Event{
				TenantID:  invoice.TenantID,
				Type:      events.EventInvoiceOverdue,
				Payload:   payload.ToMap(),
				DedupeKey: "invoice_overdue:" + invoice.ID.String(),
			})
			if err != nil {
				s.log.Warn("overdue outbox publish failed", zap.Error(err))
			}
		}
	}
	return flipped, nil
}

func (s *Service) lookupSubscription(ctx context.Context, subscriptionID snowflake.ID) (subscriptionRow, error) {
	var sub subscriptionRow
	err := s.db.WithContext(ctx).
		Raw(`SELECT id, tenant_id, plan_id, country_code, status
		     FROM subscriptions WHERE id = ?`, subscriptionID).
		Scan(&sub).Error
	if err != nil {
		return subscriptionRow{}, err
	}
	if sub.ID == 0 {
		return subscriptionRow{}, invoicedomain.ErrSubscriptionGone
	}
	return sub, nil
}

func (s *Service) findByPeriod(ctx context.Context, subscriptionID snowflake.ID, periodStart time.Time) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("subscription_id = ? AND period_start = ?", subscriptionID, periodStart.UTC()).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}
