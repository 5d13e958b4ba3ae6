// Command ledgerctl runs one-off ledger maintenance against the configured stores.
//
// Usage:
//
//	ledgerctl migrate
//	ledgerctl reconcile --older-than 10m --limit 500
//	ledgerctl balance device-0001
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bwmarrin/snowflake"
	"github.com/reefbuddy/reefbuddy/internal/clock"
	"github.com/reefbuddy/reefbuddy/internal/config"
	"github.com/reefbuddy/reefbuddy/internal/entitlement"
	entitlementdomain "github.com/reefbuddy/reefbuddy/internal/entitlement/domain"
	"github.com/reefbuddy/reefbuddy/internal/kvstore"
	"github.com/reefbuddy/reefbuddy/internal/migration"
	"github.com/reefbuddy/reefbuddy/internal/observability"
	"github.com/reefbuddy/reefbuddy/internal/purchase"
	"github.com/reefbuddy/reefbuddy/internal/receipt"
	"github.com/reefbuddy/reefbuddy/pkg/db"
	"go.uber.org/fx"
)

type CLI struct {
	Migrate   MigrateCmd   `cmd:"" help:"Apply database migrations."`
	Reconcile ReconcileCmd `cmd:"" help:"Credit purchases that were recorded but never applied."`
	Balance   BalanceCmd   `cmd:"" help:"Print the balance of one device."`

	Timeout time.Duration `help:"Overall deadline for the command." default:"2m"`
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(cli *CLI) error {
	return runApp(cli.Timeout, []fx.Option{migration.Module}, func(context.Context) error {
		fmt.Println("migrations applied")
		return nil
	})
}

type ReconcileCmd struct {
	OlderThan time.Duration `name:"older-than" help:"Only sweep records older than this." default:"30s"`
	Limit     int           `help:"Maximum records per batch." default:"500"`
}

func (c *ReconcileCmd) Run(cli *CLI) error {
	var svc entitlementdomain.Service
	return runApp(cli.Timeout, []fx.Option{entitlementOptions(), fx.Populate(&svc)}, func(ctx context.Context) error {
		total := entitlementdomain.ReconcileReport{}
		for {
			report, err := svc.Reconcile(ctx, c.OlderThan, c.Limit)
			if err != nil {
				return err
			}
			total.Scanned += report.Scanned
			total.Applied += report.Applied
			total.Failed += report.Failed
			if report.Scanned < c.Limit || report.Applied == 0 {
				break
			}
		}
		return printJSON(total)
	})
}

type BalanceCmd struct {
	DeviceID string `arg:"" name:"device-id" help:"Device identifier."`
}

func (c *BalanceCmd) Run(cli *CLI) error {
	var svc entitlementdomain.Service
	return runApp(cli.Timeout, []fx.Option{entitlementOptions(), fx.Populate(&svc)}, func(ctx context.Context) error {
		view, err := svc.Balance(ctx, c.DeviceID)
		if err != nil {
			return err
		}
		return printJSON(view)
	})
}

func entitlementOptions() fx.Option {
	return fx.Options(
		clock.Module,
		fx.Provide(newSnowflake),
		kvstore.Module,
		receipt.Module,
		purchase.Module,
		entitlement.Module,
	)
}

// runApp builds the dependency graph, starts it, runs fn and stops it again.
func runApp(timeout time.Duration, opts []fx.Option, fn func(ctx context.Context) error) error {
	base := []fx.Option{
		fx.NopLogger,
		config.Module,
		observability.Module,
		db.Module,
	}
	app := fx.New(append(base, opts...)...)
	if err := app.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return err
	}
	runErr := fn(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func newSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("ledgerctl"),
		kong.Description("ReefBuddy credit ledger maintenance"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
