package monitor

import (
	"github.com/smallbiznis/reclaim/internal/monitor/service"
	"go.uber.org/fx"
)

var Module = fx.Module("monitor",
	fx.Provide(service.NewLogSender),
	fx.Provide(service.NewService),
)
