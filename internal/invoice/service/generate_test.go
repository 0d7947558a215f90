package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/clock"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/config"
	invoicedomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/invoice/domain"
	pricingdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/pricing/domain"
	pricingservice "github.com/hiddenbraintechnologies-sys/tenantbill/internal/pricing/service"
	subscriptiondomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/subscription/domain"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/tenantctx"
	usagedomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/usage/domain"
	usageservice "github.com/hiddenbraintechnologies-sys/tenantbill/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type invoiceFixture struct {
	db       *gorm.DB
	svc      invoicedomain.Service
	usageSvc usagedomain.Service
	genID    *snowflake.Node
	clk      *clock.FakeClock
	tenantID snowflake.ID
	planID   snowflake.ID
	subID    snowflake.ID
	start    time.Time
	end      time.Time
}

func newInvoiceFixture(t *testing.T) *invoiceFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&usagedomain.UsageEvent{},
		&usagedomain.PeriodCounter{},
		&usagedomain.PlanUsageLimit{},
		&pricingdomain.Plan{},
		&pricingdomain.PlanCountryPrice{},
		&pricingdomain.CountryConfig{},
		&pricingdomain.ExchangeRate{},
		&subscriptiondomain.Subscription{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&invoicedomain.NumberSequence{},
	))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	clk := clock.NewFakeClock(end.Add(time.Hour))
	log := zap.NewNop()

	f := &invoiceFixture{
		db:       db,
		genID:    node,
		clk:      clk,
		tenantID: node.Generate(),
		planID:   node.Generate(),
		subID:    node.Generate(),
		start:    start,
		end:      end,
	}

	require.NoError(t, db.Create(&pricingdomain.Plan{
		ID:             f.planID,
		Code:           "pro",
		Name:           "Pro",
		BasePriceMinor: 10000,
		Currency:       "INR",
		Active:         true,
	}).Error)
	require.NoError(t, db.Create(&pricingdomain.CountryConfig{
		ID:             node.Generate(),
		CountryCode:    "IN",
		Currency:       "INR",
		TaxName:        "GST",
		TaxRateBps:     1800,
		PrimaryGateway: "razorpay",
		GatewayConfig: datatypes.JSONMap{
			"accounts": map[string]any{
				"razorpay": map[string]any{"account_id": "rzp_acct_1"},
			},
		},
	}).Error)
	require.NoError(t, db.Create(&usagedomain.PlanUsageLimit{
		ID:               node.Generate(),
		PlanID:           f.planID,
		BusinessType:     "saas",
		UsageType:        "api_calls",
		IncludedUnits:    1000,
		OverageRateMinor: 5,
	}).Error)
	require.NoError(t, db.Create(&subscriptiondomain.Subscription{
		ID:                 f.subID,
		TenantID:           f.tenantID,
		PlanID:             f.planID,
		BusinessType:       "saas",
		CountryCode:        "IN",
		Status:             subscriptiondomain.StatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		CreatedAt:          start,
		UpdatedAt:          start,
	}).Error)

	f.usageSvc = usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk,
	})
	pricingSvc := pricingservice.NewService(pricingservice.ServiceParam{
		DB: db, Log: log, GenID: node,
	})
	f.svc = NewService(ServiceParam{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Billing:    config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		UsageSvc:   f.usageSvc,
		PricingSvc: pricingSvc,
	})
	return f
}

func (f *invoiceFixture) ctx() context.Context {
	return tenantctx.WithTenantID(context.Background(), f.tenantID)
}

func (f *invoiceFixture) recordUsage(t *testing.T, quantity int64) {
	t.Helper()
	_, err := f.usageSvc.Record(f.ctx(), usagedomain.RecordRequest{
		UsageType:  "api_calls",
		Quantity:   quantity,
		RecordedAt: f.start.Add(time.Hour),
	})
	require.NoError(t, err)
}

func TestGenerate_TaxMath(t *testing.T) {
	f := newInvoiceFixture(t)

	invoice, err := f.svc.Generate(context.Background(), f.subID, f.start, f.end)
	require.NoError(t, err)

	// 18% GST on a 10000 subtotal.
	assert.Equal(t, int64(10000), invoice.SubtotalMinor)
	assert.Equal(t, int64(1800), invoice.TaxMinor)
	assert.Equal(t, int64(11800), invoice.TotalMinor)
	assert.Equal(t, int64(11800), invoice.AmountDue)
	assert.Equal(t, int64(0), invoice.AmountPaid)
	assert.Equal(t, invoicedomain.StatusPending, invoice.Status)
	assert.Equal(t, "GST", invoice.TaxName)
	assert.Equal(t, "INR", invoice.Currency)
	assert.Equal(t, int64(1), invoice.InvoiceNumber)

	lines, err := f.svc.Lines(context.Background(), invoice.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, invoicedomain.LineKindBaseFee, lines[0].Kind)
	assert.Equal(t, int64(10000), lines[0].AmountMinor)
}

func TestGenerate_OverageLine(t *testing.T) {
	f := newInvoiceFixture(t)
	f.recordUsage(t, 1200)

	invoice, err := f.svc.Generate(context.Background(), f.subID, f.start, f.end)
	require.NoError(t, err)

	// 200 overage units at 5 minor units each on top of the base fee.
	assert.Equal(t, int64(11000), invoice.SubtotalMinor)
	assert.Equal(t, int64(11000*1800/10000), invoice.TaxMinor)
	assert.Equal(t, invoice.SubtotalMinor+invoice.TaxMinor, invoice.TotalMinor)

	lines, err := f.svc.Lines(context.Background(), invoice.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	var overage *invoicedomain.InvoiceLine
	for i := range lines {
		if lines[i].Kind == invoicedomain.LineKindOverage {
			overage = &lines[i]
		}
	}
	require.NotNil(t, overage)
	assert.Equal(t, int64(200), overage.Quantity)
	assert.Equal(t, int64(5), overage.UnitMinor)
	assert.Equal(t, int64(1000), overage.AmountMinor)
}

func TestGenerate_Idempotent(t *testing.T) {
	f := newInvoiceFixture(t)
	f.recordUsage(t, 1200)

	first, err := f.svc.Generate(context.Background(), f.subID, f.start, f.end)
	require.NoError(t, err)

	second, err := f.svc.Generate(context.Background(), f.subID, f.start, f.end)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.TotalMinor, second.TotalMinor)

	var invoiceCount int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&invoiceCount).Error)
	assert.Equal(t, int64(1), invoiceCount)

	// The counter closed exactly once.
	var counter usagedomain.PeriodCounter
	require.NoError(t, f.db.Where("tenant_id = ?", f.tenantID).First(&counter).Error)
	assert.True(t, counter.IsBilled)
}

func TestGenerate_MonotoneNumbers(t *testing.T) {
	f := newInvoiceFixture(t)

	first, err := f.svc.Generate(context.Background(), f.subID, f.start, f.end)
	require.NoError(t, err)

	nextEnd := f.end.AddDate(0, 1, 0)
	require.NoError(t, f.db.Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", f.subID).
		Updates(map[string]any{"current_period_start": f.end, "current_period_end": nextEnd}).Error)

	second, err := f.svc.Generate(context.Background(), f.subID, f.end, nextEnd)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.InvoiceNumber)
	assert.Equal(t, int64(2), second.InvoiceNumber)
}

func TestGenerate_UnknownSubscription(t *testing.T) {
	f := newInvoiceFixture(t)
	_, err := f.svc.Generate(context.Background(), f.genID.Generate(), f.start, f.end)
	assert.ErrorIs(t, err, invoicedomain.ErrSubscriptionGone)
}

func TestGenerate_PricingGapDefersInvoice(t *testing.T) {
	f := newInvoiceFixture(t)
	require.NoError(t, f.db.Where("country_code = ?", "IN").Delete(&pricingdomain.CountryConfig{}).Error)

	_, err := f.svc.Generate(context.Background(), f.subID, f.start, f.end)
	assert.ErrorIs(t, err, invoicedomain.ErrPricingUnavailable)

	// Counters stay open for the retry.
	var counterCount int64
	require.NoError(t, f.db.Model(&usagedomain.PeriodCounter{}).
		Where("tenant_id = ? AND is_billed = ?", f.tenantID, true).
		Count(&counterCount).Error)
	assert.Equal(t, int64(0), counterCount)
}

func TestApplyPayment_Invariant(t *testing.T) {
	f := newInvoiceFixture(t)
	invoice, err := f.svc.Generate(context.Background(), f.subID, f.start, f.end)
	require.NoError(t, err)

	at := f.clk.Now()

	partial, err := f.svc.ApplyPayment(context.Background(), invoice.ID, 5000, at)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPartial, partial.Status)
	assert.Equal(t, int64(5000), partial.AmountPaid)
	assert.Equal(t, partial.TotalMinor-partial.AmountPaid, partial.AmountDue)

	paid, err := f.svc.ApplyPayment(context.Background(), invoice.ID, 6800, at)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPaid, paid.Status)
	assert.Equal(t, int64(0), paid.AmountDue)
	require.NotNil(t, paid.PaidAt)

	_, err = f.svc.ApplyPayment(context.Background(), invoice.ID, 1, at)
	assert.ErrorIs(t, err, invoicedomain.ErrOverpayment)

	refunded, err := f.svc.ApplyPayment(context.Background(), invoice.ID, -11800, at)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusRefunded, refunded.Status)
	assert.Equal(t, int64(0), refunded.AmountPaid)
	assert.Equal(t, refunded.TotalMinor, refunded.AmountDue)

	_, err = f.svc.ApplyPayment(context.Background(), invoice.ID, -1, at)
	assert.ErrorIs(t, err, invoicedomain.ErrRefundExceedsPaid)
}

func TestMarkOverdue(t *testing.T) {
	f := newInvoiceFixture(t)
	invoice, err := f.svc.Generate(context.Background(), f.subID, f.start, f.end)
	require.NoError(t, err)

	// Not yet due.
	flipped, err := f.svc.MarkOverdue(context.Background(), f.clk.Now())
	require.NoError(t, err)
	assert.Empty(t, flipped)

	flipped, err = f.svc.MarkOverdue(context.Background(), invoice.DueAt.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, flipped, 1)
	assert.Equal(t, invoicedomain.StatusOverdue, flipped[0].Status)

	// Second sweep is a no-op.
	flipped, err = f.svc.MarkOverdue(context.Background(), invoice.DueAt.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, flipped)
}
