package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	pricingdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/pricing/domain"
	"github.com/hiddenbraintechnologies-sys/tenantbill/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const rateScale = 1_000_000

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID        *snowflake.Node
	planrepo     repository.Repository[pricingdomain.Plan]
	countryrepo  repository.Repository[pricingdomain.CountryConfig]
	overriderepo repository.Repository[pricingdomain.PlanCountryPrice]
	raterepo     repository.Repository[pricingdomain.ExchangeRate]
}

func NewService(p ServiceParam) pricingdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("pricing.service"),

		genID:        p.GenID,
		planrepo:     repository.ProvideStore[pricingdomain.Plan](p.DB),
		countryrepo:  repository.ProvideStore[pricingdomain.CountryConfig](p.DB),
		overriderepo: repository.ProvideStore[pricingdomain.PlanCountryPrice](p.DB),
		raterepo:     repository.ProvideStore[pricingdomain.ExchangeRate](p.DB),
	}
}

// subscriptionRow is the minimal projection pricing needs. Read with raw
// SQL so this package does not depend on the subscription context.
type subscriptionRow struct {
	ID          snowflake.ID
	PlanID      snowflake.ID
	CountryCode string
}

func (s *Service) Resolve(ctx context.Context, tenantID snowflake.ID, asOf time.Time) (pricingdomain.EffectivePrice, error) {
	if tenantID == 0 {
		return pricingdomain.EffectivePrice{}, pricingdomain.ErrInvalidTenant
	}

	var sub subscriptionRow
	err := s.db.WithContext(ctx).
		Raw(`SELECT id, plan_id, country_code FROM subscriptions WHERE tenant_id = ?`, tenantID).
		Scan(&sub).Error
	if err != nil {
		return pricingdomain.EffectivePrice{}, err
	}
	if sub.ID == 0 {
		return pricingdomain.EffectivePrice{}, pricingdomain.ErrSubscriptionAbsent
	}

	plan, err := s.planrepo.FindOne(ctx, &pricingdomain.Plan{ID: sub.PlanID})
	if err != nil {
		return pricingdomain.EffectivePrice{}, err
	}
	if plan == nil || !plan.Active {
		return pricingdomain.EffectivePrice{}, pricingdomain.ErrPricingUnresolved
	}

	country, err := s.countryrepo.FindOne(ctx, &pricingdomain.CountryConfig{CountryCode: sub.CountryCode})
	if err != nil {
		return pricingdomain.EffectivePrice{}, err
	}
	if country == nil {
		return pricingdomain.EffectivePrice{}, pricingdomain.ErrPricingUnresolved
	}

	gateways, err := parseGatewaySettings(country)
	if err != nil {
		return pricingdomain.EffectivePrice{}, err
	}

	priceMinor := plan.BasePriceMinor
	priceCurrency := plan.Currency

	override, err := s.overriderepo.FindOne(ctx, &pricingdomain.PlanCountryPrice{
		PlanID:      sub.PlanID,
		CountryCode: sub.CountryCode,
	})
	if err != nil {
		return pricingdomain.EffectivePrice{}, err
	}
	if override != nil {
		priceMinor = override.BasePriceMinor
		priceCurrency = override.Currency
	}

	effective := pricingdomain.EffectivePrice{
		PlanID:           plan.ID,
		PlanCode:         plan.Code,
		CountryCode:      country.CountryCode,
		Currency:         country.Currency,
		BasePriceMinor:   priceMinor,
		TaxName:          country.TaxName,
		TaxRateBps:       country.TaxRateBps,
		PrimaryGateway:   country.PrimaryGateway,
		SecondaryGateway: country.SecondaryGateway,
		Gateways:         gateways,
		FxRateMicros:     rateScale,
		FxSnapshotAt:     asOf.UTC(),
		ResolvedAt:       asOf.UTC(),
	}

	if !strings.EqualFold(priceCurrency, country.Currency) {
		rate, err := s.raterepo.FindOne(ctx, &pricingdomain.ExchangeRate{
			BaseCurrency:  strings.ToUpper(priceCurrency),
			QuoteCurrency: strings.ToUpper(country.Currency),
		})
		if err != nil {
			return pricingdomain.EffectivePrice{}, err
		}
		if rate == nil || rate.RateMicros <= 0 {
			return pricingdomain.EffectivePrice{}, pricingdomain.ErrMissingFxRate
		}
		effective.BasePriceMinor = priceMinor * rate.RateMicros / rateScale
		effective.FxRateMicros = rate.RateMicros
		effective.FxSnapshotAt = rate.UpdatedAt.UTC()
	}

	return effective, nil
}

func (s *Service) GetPlan(ctx context.Context, id snowflake.ID) (*pricingdomain.Plan, error) {
	if id == 0 {
		return nil, pricingdomain.ErrPlanNotFound
	}
	plan, err := s.planrepo.FindOne(ctx, &pricingdomain.Plan{ID: id})
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, pricingdomain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) GetPlanByCode(ctx context.Context, code string) (*pricingdomain.Plan, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, pricingdomain.ErrInvalidPlanCode
	}
	plan, err := s.planrepo.FindOne(ctx, &pricingdomain.Plan{Code: code})
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, pricingdomain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) ListPlans(ctx context.Context) ([]pricingdomain.Plan, error) {
	items, err := s.planrepo.Find(ctx, &pricingdomain.Plan{Active: true})
	if err != nil {
		return nil, err
	}
	plans := make([]pricingdomain.Plan, 0, len(items))
	for _, p := range items {
		plans = append(plans, *p)
	}
	return plans, nil
}

func (s *Service) GetCountryConfig(ctx context.Context, countryCode string) (*pricingdomain.CountryConfig, error) {
	countryCode = strings.ToUpper(strings.TrimSpace(countryCode))
	if countryCode == "" {
		return nil, pricingdomain.ErrInvalidCountry
	}
	country, err := s.countryrepo.FindOne(ctx, &pricingdomain.CountryConfig{CountryCode: countryCode})
	if err != nil {
		return nil, err
	}
	if country == nil {
		return nil, pricingdomain.ErrCountryNotFound
	}
	return country, nil
}

func (s *Service) UpsertExchangeRate(ctx context.Context, base, quote string, rateMicros int64, at time.Time) error {
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if base == "" || quote == "" || base == quote {
		return pricingdomain.ErrInvalidRate
	}
	if rateMicros <= 0 {
		return pricingdomain.ErrInvalidRate
	}
	rate := pricingdomain.ExchangeRate{
		ID:            s.genID.Generate(),
		BaseCurrency:  base,
		QuoteCurrency: quote,
		RateMicros:    rateMicros,
		UpdatedAt:     at.UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "base_currency"}, {Name: "quote_currency"}},
			DoUpdates: clause.AssignmentColumns([]string{"rate_micros", "updated_at"}),
		}).
		Create(&rate).Error
}

// parseGatewaySettings round-trips the stored JSON into the typed struct
// and rejects configs that do not cover the declared gateways.
func parseGatewaySettings(country *pricingdomain.CountryConfig) (pricingdomain.GatewaySettings, error) {
	var settings pricingdomain.GatewaySettings
	if country.PrimaryGateway == "" {
		return settings, pricingdomain.ErrBadGatewayConfig
	}
	raw, err := json.Marshal(country.GatewayConfig)
	if err != nil {
		return settings, pricingdomain.ErrBadGatewayConfig
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return settings, pricingdomain.ErrBadGatewayConfig
	}
	if settings.Accounts == nil {
		return settings, pricingdomain.ErrBadGatewayConfig
	}
	if _, ok := settings.Accounts[country.PrimaryGateway]; !ok {
		return settings, pricingdomain.ErrBadGatewayConfig
	}
	if country.SecondaryGateway != "" {
		if _, ok := settings.Accounts[country.SecondaryGateway]; !ok {
			return settings, pricingdomain.ErrBadGatewayConfig
		}
	}
	return settings, nil
}
