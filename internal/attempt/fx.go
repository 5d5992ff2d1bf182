package attempt

import (
	"github.com/smallbiznis/reclaim/internal/attempt/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("attempt",
	fx.Provide(repository.Provide),
)
