package gateway

import (
	"github.com/smallbiznis/reclaim/internal/gateway/provider"
	"go.uber.org/fx"
)

var Module = fx.Module("gateway",
	fx.Provide(provider.NewClient),
)
