package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/migration"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/observability"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/scheduler"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/server"
	"github.com/hiddenbraintechnologies-sys/tenantbill/pkg/db"
	"go.uber.org/fx"
)

// The monolith: API server plus in-process scheduler. Set
// SCHEDULER_ENABLED=false and run apps/scheduler separately to split them.
func main() {
	app := fx.New(
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,

		server.Module,
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
