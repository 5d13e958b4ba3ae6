package kvstore

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/reefbuddy/reefbuddy/internal/clock"
	"github.com/reefbuddy/reefbuddy/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

var Module = fx.Module("kvstore",
	fx.Provide(New),
	fx.Provide(NewLocker),
)

// New selects the Store implementation from configuration.
func New(lc fx.Lifecycle, cfg config.Config, clk clock.Clock, log *zap.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.KV.Driver)) {
	case DriverRedis, "":
		if cfg.KV.RedisAddr == "" {
			return nil, fmt.Errorf("%w: redis addr is required", ErrNotConfigured)
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.KV.RedisAddr,
			Password: cfg.KV.RedisPassword,
			DB:       cfg.KV.RedisDB,
		})
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
		log.Info("kv store configured", zap.String("driver", DriverRedis), zap.String("addr", cfg.KV.RedisAddr))
		return NewRedisStore(client, cfg.KV.Timeout), nil
	case DriverMemory:
		if cfg.IsProduction() {
			return nil, fmt.Errorf("%w: memory kv driver is not allowed in production", ErrNotConfigured)
		}
		log.Warn("kv store is process-local", zap.String("driver", DriverMemory))
		return NewMemoryStore(clk), nil
	default:
		return nil, fmt.Errorf("unsupported kv driver %q", cfg.KV.Driver)
	}
}
