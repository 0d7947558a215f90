package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	pricingdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/pricing/domain"
	subscriptiondomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type pricingFixture struct {
	db       *gorm.DB
	svc      pricingdomain.Service
	genID    *snowflake.Node
	tenantID snowflake.ID
	planID   snowflake.ID
}

func newPricingFixture(t *testing.T) *pricingFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&pricingdomain.Plan{},
		&pricingdomain.PlanCountryPrice{},
		&pricingdomain.CountryConfig{},
		&pricingdomain.ExchangeRate{},
		&subscriptiondomain.Subscription{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	f := &pricingFixture{
		db:       db,
		genID:    node,
		tenantID: node.Generate(),
		planID:   node.Generate(),
	}
	f.svc = NewService(ServiceParam{DB: db, Log: zap.NewNop(), GenID: node})

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&subscriptiondomain.Subscription{
		ID:                 node.Generate(),
		TenantID:           f.tenantID,
		PlanID:             f.planID,
		BusinessType:       "saas",
		CountryCode:        "IN",
		Status:             subscriptiondomain.StatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   start.AddDate(0, 1, 0),
		CreatedAt:          start,
		UpdatedAt:          start,
	}).Error)

	require.NoError(t, db.Create(&pricingdomain.Plan{
		ID:             f.planID,
		Code:           "pro",
		Name:           "Pro",
		BasePriceMinor: 2900,
		Currency:       "USD",
		TrialDays:      14,
		Active:         true,
	}).Error)

	return f
}

func (f *pricingFixture) seedCountry(t *testing.T, gatewayConfig datatypes.JSONMap) {
	t.Helper()
	require.NoError(t, f.db.Create(&pricingdomain.CountryConfig{
		ID:               f.genID.Generate(),
		CountryCode:      "IN",
		Currency:         "INR",
		TaxName:          "GST",
		TaxRateBps:       1800,
		PrimaryGateway:   "razorpay",
		SecondaryGateway: "stripe",
		GatewayConfig:    gatewayConfig,
	}).Error)
}

func validGatewayConfig() datatypes.JSONMap {
	return datatypes.JSONMap{
		"accounts": map[string]any{
			"razorpay": map[string]any{"account_id": "rzp_acct_1"},
			"stripe":   map[string]any{"account_id": "acct_1"},
		},
	}
}

func TestResolve_CountryOverride(t *testing.T) {
	f := newPricingFixture(t)
	f.seedCountry(t, validGatewayConfig())

	require.NoError(t, f.db.Create(&pricingdomain.PlanCountryPrice{
		ID:             f.genID.Generate(),
		PlanID:         f.planID,
		CountryCode:    "IN",
		BasePriceMinor: 199900,
		Currency:       "INR",
	}).Error)

	asOf := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	price, err := f.svc.Resolve(context.Background(), f.tenantID, asOf)
	require.NoError(t, err)

	assert.Equal(t, int64(199900), price.BasePriceMinor)
	assert.Equal(t, "INR", price.Currency)
	assert.Equal(t, "GST", price.TaxName)
	assert.Equal(t, int64(1800), price.TaxRateBps)
	assert.Equal(t, "razorpay", price.PrimaryGateway)
	assert.Equal(t, "stripe", price.SecondaryGateway)
	assert.Equal(t, int64(1_000_000), price.FxRateMicros)
}

func TestResolve_FxConversion(t *testing.T) {
	f := newPricingFixture(t)
	f.seedCountry(t, validGatewayConfig())

	snapshotAt := time.Date(2026, 3, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.svc.UpsertExchangeRate(context.Background(), "USD", "INR", 83_500_000, snapshotAt))

	asOf := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	price, err := f.svc.Resolve(context.Background(), f.tenantID, asOf)
	require.NoError(t, err)

	// 2900 USD-minor at 83.5 INR per USD.
	assert.Equal(t, int64(2900*83_500_000/1_000_000), price.BasePriceMinor)
	assert.Equal(t, "INR", price.Currency)
	assert.Equal(t, int64(83_500_000), price.FxRateMicros)
	assert.True(t, snapshotAt.Equal(price.FxSnapshotAt))
}

func TestResolve_Unresolvable(t *testing.T) {
	t.Run("missing country config", func(t *testing.T) {
		f := newPricingFixture(t)
		_, err := f.svc.Resolve(context.Background(), f.tenantID, time.Now().UTC())
		assert.ErrorIs(t, err, pricingdomain.ErrPricingUnresolved)
	})

	t.Run("inactive plan", func(t *testing.T) {
		f := newPricingFixture(t)
		f.seedCountry(t, validGatewayConfig())
		require.NoError(t, f.db.Model(&pricingdomain.Plan{}).
			Where("id = ?", f.planID).Update("active", false).Error)
		_, err := f.svc.Resolve(context.Background(), f.tenantID, time.Now().UTC())
		assert.ErrorIs(t, err, pricingdomain.ErrPricingUnresolved)
	})

	t.Run("missing exchange rate", func(t *testing.T) {
		f := newPricingFixture(t)
		f.seedCountry(t, validGatewayConfig())
		_, err := f.svc.Resolve(context.Background(), f.tenantID, time.Now().UTC())
		assert.ErrorIs(t, err, pricingdomain.ErrMissingFxRate)
	})

	t.Run("no subscription", func(t *testing.T) {
		f := newPricingFixture(t)
		_, err := f.svc.Resolve(context.Background(), f.genID.Generate(), time.Now().UTC())
		assert.ErrorIs(t, err, pricingdomain.ErrSubscriptionAbsent)
	})
}

func TestResolve_GatewayConfigFailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		config datatypes.JSONMap
	}{
		{name: "nil config", config: nil},
		{name: "empty accounts", config: datatypes.JSONMap{"accounts": map[string]any{}}},
		{
			name: "missing secondary",
			config: datatypes.JSONMap{"accounts": map[string]any{
				"razorpay": map[string]any{"account_id": "rzp_acct_1"},
			}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newPricingFixture(t)
			f.seedCountry(t, tc.config)
			_, err := f.svc.Resolve(context.Background(), f.tenantID, time.Now().UTC())
			assert.ErrorIs(t, err, pricingdomain.ErrBadGatewayConfig)
		})
	}
}
