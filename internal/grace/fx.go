package grace

import (
	"github.com/smallbiznis/reclaim/internal/grace/service"
	"go.uber.org/fx"
)

var Module = fx.Module("grace",
	fx.Provide(service.NewService),
)
