package migration

import (
	"strings"

	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/config"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/events"
	invoicedomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/invoice/domain"
	paymentdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/domain"
	pricingdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/pricing/domain"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/seed"
	subscriptiondomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/subscription/domain"
	usagedomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if strings.EqualFold(conn.Dialector.Name(), "postgres") {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// Non-postgres targets (sqlite dev databases) build the schema
			// from the models instead of the SQL files.
			if err := autoMigrate(conn); err != nil {
				return err
			}
		}

		return seed.EnsureDefaultCatalog(conn)
	}),
)

func autoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&pricingdomain.Plan{},
		&pricingdomain.PlanCountryPrice{},
		&pricingdomain.CountryConfig{},
		&pricingdomain.ExchangeRate{},
		&usagedomain.UsageEvent{},
		&usagedomain.PeriodCounter{},
		&usagedomain.PlanUsageLimit{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.StateTransition{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&invoicedomain.NumberSequence{},
		&paymentdomain.PaymentAttempt{},
		&paymentdomain.WebhookEvent{},
		&events.BillingEvent{},
	)
}
