package payment

import (
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/adapters"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/adapters/razorpay"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/adapters/stripe"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/service"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/webhook"
	"go.uber.org/fx"
)

func newRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		stripe.NewFactory(),
		razorpay.NewFactory(),
	)
}

var Module = fx.Module("payment",
	fx.Provide(
		newRegistry,
		service.NewOrchestrator,
		webhook.NewService,
	),
)
