package migration

import (
	"context"

	"github.com/reefbuddy/reefbuddy/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg db.Config, log *zap.Logger) error {
		return Run(context.Background(), conn, cfg.Type, log)
	}),
)

// Run migrates conn using the strategy for the given database type.
func Run(ctx context.Context, conn *gorm.DB, dbType string, log *zap.Logger) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}

	if dbType == db.TypeSQLite {
		err = ApplyEmbedded(ctx, sqlDB)
	} else {
		err = RunMigrations(sqlDB)
	}
	if err != nil {
		return err
	}
	if log != nil {
		log.Info("migrations applied", zap.String("type", dbType))
	}
	return nil
}
