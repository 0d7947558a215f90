package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/clock"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/config"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/events"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/invoice"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/lease"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/migration"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/observability"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/pricing"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/scheduler"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/subscription"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/usage"
	"github.com/hiddenbraintechnologies-sys/tenantbill/pkg/db"
	"go.uber.org/fx"
)

// Standalone scheduler: runs billing jobs without serving HTTP. Deploy one
// instance; the jobs are idempotent, so an accidental second instance is
// safe but wasteful.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		events.Module,
		lease.Module,

		usage.Module,
		pricing.Module,
		subscription.Module,
		invoice.Module,
		payment.Module,

		migration.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
