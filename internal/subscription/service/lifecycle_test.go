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
	invoiceservice "github.com/hiddenbraintechnologies-sys/tenantbill/internal/invoice/service"
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

type lifecycleFixture struct {
	db       *gorm.DB
	svc      subscriptiondomain.Service
	genID    *snowflake.Node
	clk      *clock.FakeClock
	tenantID snowflake.ID
	planID   snowflake.ID
}

func newLifecycleFixture(t *testing.T, trialDays int) *lifecycleFixture {
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
		&subscriptiondomain.StateTransition{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&invoicedomain.NumberSequence{},
	))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	billing := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	f := &lifecycleFixture{
		db:       db,
		genID:    node,
		clk:      clk,
		tenantID: node.Generate(),
		planID:   node.Generate(),
	}

	require.NoError(t, db.Create(&pricingdomain.Plan{
		ID:             f.planID,
		Code:           "pro",
		Name:           "Pro",
		BasePriceMinor: 10000,
		Currency:       "INR",
		TrialDays:      trialDays,
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

	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk,
	})
	pricingSvc := pricingservice.NewService(pricingservice.ServiceParam{
		DB: db, Log: log, GenID: node,
	})
	invoiceSvc := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Billing:    billing,
		UsageSvc:   usageSvc,
		PricingSvc: pricingSvc,
	})
	f.svc = NewService(ServiceParam{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Billing:    billing,
		PricingSvc: pricingSvc,
		InvoiceSvc: invoiceSvc,
	})
	return f
}

func (f *lifecycleFixture) ctx() context.Context {
	return tenantctx.WithTenantID(context.Background(), f.tenantID)
}

func (f *lifecycleFixture) create(t *testing.T) *subscriptiondomain.Subscription {
	t.Helper()
	sub, err := f.svc.Create(f.ctx(), subscriptiondomain.CreateRequest{
		PlanID:       f.planID.String(),
		BusinessType: "saas",
		CountryCode:  "IN",
	})
	require.NoError(t, err)
	return sub
}

func (f *lifecycleFixture) reload(t *testing.T, id snowflake.ID) *subscriptiondomain.Subscription {
	t.Helper()
	sub, err := f.svc.GetByID(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func TestCreate_OnePerTenant(t *testing.T) {
	f := newLifecycleFixture(t, 0)

	sub := f.create(t)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	assert.True(t, sub.CurrentPeriodEnd.After(sub.CurrentPeriodStart))

	_, err := f.svc.Create(f.ctx(), subscriptiondomain.CreateRequest{
		PlanID:       f.planID.String(),
		BusinessType: "saas",
		CountryCode:  "IN",
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionExists)
}

func TestCreate_TrialStart(t *testing.T) {
	f := newLifecycleFixture(t, 14)

	sub := f.create(t)
	assert.Equal(t, subscriptiondomain.StatusTrialing, sub.Status)
	require.NotNil(t, sub.TrialEndsAt)
	assert.Equal(t, f.clk.Now().Add(14*24*time.Hour), *sub.TrialEndsAt)
}

func TestTransition_Table(t *testing.T) {
	f := newLifecycleFixture(t, 0)
	sub := f.create(t)
	ctx := context.Background()

	// active -> past_due -> active is the only two-way pair.
	require.NoError(t, f.svc.Transition(ctx, sub.ID, subscriptiondomain.StatusPastDue, subscriptiondomain.ReasonPaymentFailed))
	require.NoError(t, f.svc.Transition(ctx, sub.ID, subscriptiondomain.StatusActive, subscriptiondomain.ReasonPaymentSettled))

	// active -> suspended is illegal, it must pass through past_due.
	err := f.svc.Transition(ctx, sub.ID, subscriptiondomain.StatusSuspended, subscriptiondomain.ReasonPaymentFailed)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	require.NoError(t, f.svc.Transition(ctx, sub.ID, subscriptiondomain.StatusCancelled, subscriptiondomain.ReasonTenantRequested))

	// cancelled is terminal.
	err = f.svc.Transition(ctx, sub.ID, subscriptiondomain.StatusActive, subscriptiondomain.ReasonPaymentSettled)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	var transitions []subscriptiondomain.StateTransition
	require.NoError(t, f.db.Where("subscription_id = ?", sub.ID).Order("created_at").Find(&transitions).Error)
	assert.Len(t, transitions, 3)
}

func TestRecordPaymentFailure_SuspendsAfterThreshold(t *testing.T) {
	f := newLifecycleFixture(t, 0)
	sub := f.create(t)
	ctx := context.Background()

	at := f.clk.Now()
	require.NoError(t, f.svc.RecordPaymentFailure(ctx, sub.ID, at))
	assert.Equal(t, subscriptiondomain.StatusPastDue, f.reload(t, sub.ID).Status)

	require.NoError(t, f.svc.RecordPaymentFailure(ctx, sub.ID, at.Add(time.Hour)))
	assert.Equal(t, subscriptiondomain.StatusPastDue, f.reload(t, sub.ID).Status)

	// Third consecutive failure crosses maxPaymentFailures.
	require.NoError(t, f.svc.RecordPaymentFailure(ctx, sub.ID, at.Add(2*time.Hour)))
	got := f.reload(t, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusSuspended, got.Status)
	require.NotNil(t, got.SuspendedAt)
}

func TestRecordPaymentFailure_GraceDeadline(t *testing.T) {
	f := newLifecycleFixture(t, 0)
	sub := f.create(t)
	ctx := context.Background()

	at := f.clk.Now()
	require.NoError(t, f.svc.RecordPaymentFailure(ctx, sub.ID, at))
	assert.Equal(t, subscriptiondomain.StatusPastDue, f.reload(t, sub.ID).Status)

	// A second failure after the grace window suspends even though the
	// failure count is still under the threshold.
	require.NoError(t, f.svc.RecordPaymentFailure(ctx, sub.ID, at.Add(8*24*time.Hour)))
	assert.Equal(t, subscriptiondomain.StatusSuspended, f.reload(t, sub.ID).Status)
}

func TestRecordPaymentSuccess_Recovers(t *testing.T) {
	f := newLifecycleFixture(t, 0)
	sub := f.create(t)
	ctx := context.Background()

	at := f.clk.Now()
	require.NoError(t, f.svc.RecordPaymentFailure(ctx, sub.ID, at))
	require.NoError(t, f.svc.RecordPaymentSuccess(ctx, sub.ID, at.Add(time.Hour)))

	got := f.reload(t, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusActive, got.Status)
	assert.Equal(t, 0, got.PaymentFailureCount)
	assert.Nil(t, got.PastDueSince)
}

func TestTick_RolloverGeneratesOneInvoice(t *testing.T) {
	f := newLifecycleFixture(t, 0)
	sub := f.create(t)

	f.clk.Advance(31 * 24 * time.Hour)
	now := f.clk.Now()

	first, err := f.svc.Tick(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, first.RolledOver)

	// A second tick for the same instant must not double-advance or
	// double-invoice.
	second, err := f.svc.Tick(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, second.RolledOver)

	var invoiceCount int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&invoiceCount).Error)
	assert.Equal(t, int64(1), invoiceCount)

	got := f.reload(t, sub.ID)
	assert.True(t, sub.CurrentPeriodEnd.Equal(got.CurrentPeriodStart))
	require.NotNil(t, got.NextPaymentAt)
}

func TestTick_CancelAtPeriodEnd(t *testing.T) {
	f := newLifecycleFixture(t, 0)
	sub := f.create(t)

	_, err := f.svc.Cancel(f.ctx(), true)
	require.NoError(t, err)

	f.clk.Advance(31 * 24 * time.Hour)
	result, err := f.svc.Tick(context.Background(), f.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Cancelled)
	assert.Equal(t, 0, result.RolledOver)

	got := f.reload(t, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusCancelled, got.Status)
	// The final period was still invoiced.
	var invoiceCount int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&invoiceCount).Error)
	assert.Equal(t, int64(1), invoiceCount)
	// The period itself never advanced.
	assert.True(t, sub.CurrentPeriodEnd.Equal(got.CurrentPeriodEnd))
}

func TestTick_TrialEnd(t *testing.T) {
	t.Run("payment method set activates", func(t *testing.T) {
		f := newLifecycleFixture(t, 14)
		sub := f.create(t)
		require.NoError(t, f.svc.SetPaymentMethod(f.ctx(), true))

		f.clk.Advance(15 * 24 * time.Hour)
		result, err := f.svc.Tick(context.Background(), f.clk.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Activated)
		assert.Equal(t, subscriptiondomain.StatusActive, f.reload(t, sub.ID).Status)
	})

	t.Run("no payment method cancels", func(t *testing.T) {
		f := newLifecycleFixture(t, 14)
		sub := f.create(t)

		f.clk.Advance(15 * 24 * time.Hour)
		result, err := f.svc.Tick(context.Background(), f.clk.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Cancelled)
		assert.Equal(t, subscriptiondomain.StatusCancelled, f.reload(t, sub.ID).Status)
	})
}

func TestChangePlan_AppliesAtRollover(t *testing.T) {
	f := newLifecycleFixture(t, 0)
	sub := f.create(t)

	newPlan := pricingdomain.Plan{
		ID:             f.genID.Generate(),
		Code:           "scale",
		Name:           "Scale",
		BasePriceMinor: 50000,
		Currency:       "INR",
		Active:         true,
	}
	require.NoError(t, f.db.Create(&newPlan).Error)

	changed, err := f.svc.ChangePlan(f.ctx(), newPlan.ID)
	require.NoError(t, err)
	require.NotNil(t, changed.PendingPlanID)

	// The running period keeps the old plan.
	assert.Equal(t, f.planID, f.reload(t, sub.ID).PlanID)

	f.clk.Advance(31 * 24 * time.Hour)
	_, err = f.svc.Tick(context.Background(), f.clk.Now())
	require.NoError(t, err)

	got := f.reload(t, sub.ID)
	assert.Equal(t, newPlan.ID, got.PlanID)
	assert.Nil(t, got.PendingPlanID)
}
