package ratelimit

import "go.uber.org/fx"

var Module = fx.Module("rate.limit",
	fx.Provide(NewSlidingWindow),
	fx.Provide(PoliciesFromConfig),
	fx.Provide(NewGuard),
)
