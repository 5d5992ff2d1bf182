package recoverystats

import (
	"github.com/smallbiznis/reclaim/internal/recoverystats/service"
	"go.uber.org/fx"
)

var Module = fx.Module("recoverystats",
	fx.Provide(service.NewService),
)
