package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/reefbuddy/reefbuddy/internal/analysis"
	"github.com/reefbuddy/reefbuddy/internal/clock"
	"github.com/reefbuddy/reefbuddy/internal/config"
	"github.com/reefbuddy/reefbuddy/internal/entitlement"
	"github.com/reefbuddy/reefbuddy/internal/kvstore"
	"github.com/reefbuddy/reefbuddy/internal/migration"
	"github.com/reefbuddy/reefbuddy/internal/observability"
	"github.com/reefbuddy/reefbuddy/internal/purchase"
	"github.com/reefbuddy/reefbuddy/internal/ratelimit"
	"github.com/reefbuddy/reefbuddy/internal/receipt"
	"github.com/reefbuddy/reefbuddy/internal/scheduler"
	"github.com/reefbuddy/reefbuddy/internal/server"
	"github.com/reefbuddy/reefbuddy/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		clock.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		kvstore.Module,
		ratelimit.Module,

		// Functional Domains
		receipt.Module,
		purchase.Module,
		entitlement.Module,
		analysis.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
