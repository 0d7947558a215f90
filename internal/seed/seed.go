// Package seed bootstraps a starter catalog so a fresh install can
// accept subscriptions without manual setup.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	pricingdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/pricing/domain"
	usagedomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/usage/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type planSeed struct {
	code           string
	name           string
	basePriceMinor int64
	trialDays      int
	limits         []limitSeed
}

type limitSeed struct {
	businessType     string
	usageType        string
	includedUnits    int64
	overageRateMinor int64
	hardLimit        *int64
}

func i64ptr(v int64) *int64 { return &v }

var defaultPlans = []planSeed{
	{
		code:           "starter",
		name:           "Starter",
		basePriceMinor: 0,
		trialDays:      0,
		limits: []limitSeed{
			{businessType: "saas", usageType: "api_calls", includedUnits: 1000, overageRateMinor: 0, hardLimit: i64ptr(1000)},
			{businessType: "saas", usageType: "seats", includedUnits: 3, overageRateMinor: 0, hardLimit: i64ptr(3)},
		},
	},
	{
		code:           "pro",
		name:           "Pro",
		basePriceMinor: 290000,
		trialDays:      14,
		limits: []limitSeed{
			{businessType: "saas", usageType: "api_calls", includedUnits: 100000, overageRateMinor: 5},
			{businessType: "saas", usageType: "seats", includedUnits: 25, overageRateMinor: 50000},
			{businessType: "saas", usageType: "storage_gb", includedUnits: 100, overageRateMinor: 2000},
		},
	},
	{
		code:           "enterprise",
		name:           "Enterprise",
		basePriceMinor: 2900000,
		trialDays:      30,
		limits: []limitSeed{
			{businessType: "saas", usageType: "api_calls", includedUnits: 5000000, overageRateMinor: 2},
			{businessType: "saas", usageType: "seats", includedUnits: 500, overageRateMinor: 25000},
			{businessType: "saas", usageType: "storage_gb", includedUnits: 2000, overageRateMinor: 1000},
		},
	},
}

type countrySeed struct {
	code             string
	currency         string
	taxName          string
	taxRateBps       int64
	primaryGateway   string
	secondaryGateway string
}

var defaultCountries = []countrySeed{
	{code: "IN", currency: "INR", taxName: "GST", taxRateBps: 1800, primaryGateway: "razorpay", secondaryGateway: "stripe"},
	{code: "US", currency: "USD", taxName: "Sales Tax", taxRateBps: 0, primaryGateway: "stripe"},
}

// EnsureDefaultCatalog seeds plans, usage limits and country configs that
// are missing. Existing rows are never modified.
func EnsureDefaultCatalog(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, plan := range defaultPlans {
			if err := ensurePlanTx(ctx, tx, node, plan); err != nil {
				return err
			}
		}
		for _, country := range defaultCountries {
			if err := ensureCountryTx(ctx, tx, node, country); err != nil {
				return err
			}
		}
		return nil
	})
}

func ensurePlanTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, seed planSeed) error {
	var plan pricingdomain.Plan
	err := tx.WithContext(ctx).Where("code = ?", seed.code).First(&plan).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now := time.Now().UTC()
		plan = pricingdomain.Plan{
			ID:             node.Generate(),
			Code:           seed.code,
			Name:           seed.name,
			BasePriceMinor: seed.basePriceMinor,
			Currency:       "USD",
			TrialDays:      seed.trialDays,
			Active:         true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.WithContext(ctx).Create(&plan).Error; err != nil {
			return err
		}
	}

	for _, limit := range seed.limits {
		var count int64
		err := tx.WithContext(ctx).
			Model(&usagedomain.PlanUsageLimit{}).
			Where("plan_id = ? AND business_type = ? AND usage_type = ?", plan.ID, limit.businessType, limit.usageType).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		now := time.Now().UTC()
		row := usagedomain.PlanUsageLimit{
			ID:               node.Generate(),
			PlanID:           plan.ID,
			BusinessType:     limit.businessType,
			UsageType:        limit.usageType,
			IncludedUnits:    limit.includedUnits,
			OverageRateMinor: limit.overageRateMinor,
			HardLimit:        limit.hardLimit,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

func ensureCountryTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, seed countrySeed) error {
	var count int64
	err := tx.WithContext(ctx).
		Model(&pricingdomain.CountryConfig{}).
		Where("country_code = ?", seed.code).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	// Credentials stay empty; operators fill gateway accounts before
	// enabling payments for the country.
	accounts := map[string]any{
		seed.primaryGateway: map[string]any{"account_id": ""},
	}
	if seed.secondaryGateway != "" {
		accounts[seed.secondaryGateway] = map[string]any{"account_id": ""}
	}

	now := time.Now().UTC()
	row := pricingdomain.CountryConfig{
		ID:               node.Generate(),
		CountryCode:      seed.code,
		Currency:         seed.currency,
		TaxName:          seed.taxName,
		TaxRateBps:       seed.taxRateBps,
		PrimaryGateway:   seed.primaryGateway,
		SecondaryGateway: seed.secondaryGateway,
		GatewayConfig:    datatypes.JSONMap{"accounts": accounts},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return tx.WithContext(ctx).Create(&row).Error
}
