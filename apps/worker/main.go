package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reclaim/internal/analytics"
	"github.com/smallbiznis/reclaim/internal/attempt"
	"github.com/smallbiznis/reclaim/internal/clock"
	"github.com/smallbiznis/reclaim/internal/config"
	"github.com/smallbiznis/reclaim/internal/dunning"
	"github.com/smallbiznis/reclaim/internal/gateway"
	"github.com/smallbiznis/reclaim/internal/grace"
	"github.com/smallbiznis/reclaim/internal/monitor"
	"github.com/smallbiznis/reclaim/internal/notification"
	"github.com/smallbiznis/reclaim/internal/observability"
	"github.com/smallbiznis/reclaim/internal/scheduler"
	"github.com/smallbiznis/reclaim/internal/subscription"
	"github.com/smallbiznis/reclaim/pkg/db"
	"go.uber.org/fx"
)

// Scheduler-only worker. No HTTP server; retries, grace sweeps and
// status gauges run on the configured interval.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		attempt.Module,
		subscription.Module,
		gateway.Module,
		notification.Module,
		analytics.Module,
		monitor.Module,
		dunning.Module,
		grace.Module,

		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
