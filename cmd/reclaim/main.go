package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reclaim/internal/clock"
	"github.com/smallbiznis/reclaim/internal/migration"
	"github.com/smallbiznis/reclaim/internal/observability"
	"github.com/smallbiznis/reclaim/internal/scheduler"
	"github.com/smallbiznis/reclaim/internal/server"
	"github.com/smallbiznis/reclaim/pkg/db"
	"go.uber.org/fx"
)

// The monolith runs the HTTP API and the dunning scheduler in one
// process. Deployments that want a dedicated worker use apps/worker.
func main() {
	app := fx.New(
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
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
