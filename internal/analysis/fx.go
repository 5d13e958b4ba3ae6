package analysis

import (
	"github.com/reefbuddy/reefbuddy/internal/config"
	obsmetrics "github.com/reefbuddy/reefbuddy/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("analysis.executor",
	fx.Provide(func(cfg config.Config, log *zap.Logger, metrics *obsmetrics.Metrics) Executor {
		if cfg.Analysis.URL == "" {
			log.Warn("ANALYSIS_URL not set; analysis requests will fail after the unit is consumed")
		}
		return NewHTTPExecutor(cfg.Analysis, log, metrics)
	}),
)
