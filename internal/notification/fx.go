package notification

import (
	"github.com/smallbiznis/reclaim/internal/notification/service"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(service.NewService),
)
