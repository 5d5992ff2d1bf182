package analytics

import (
	"github.com/smallbiznis/reclaim/internal/analytics/service"
	"go.uber.org/fx"
)

var Module = fx.Module("analytics",
	fx.Provide(service.NewService),
)
