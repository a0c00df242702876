package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fleetgrid/relay/internal/config"
	"github.com/fleetgrid/relay/internal/gateway"
	"github.com/fleetgrid/relay/internal/inbox"
	"github.com/fleetgrid/relay/internal/maintenance"
	"github.com/fleetgrid/relay/internal/realtime"
	"github.com/fleetgrid/relay/internal/resolver"
	"github.com/fleetgrid/relay/internal/router"
	"github.com/fleetgrid/relay/internal/store"
	"github.com/fleetgrid/relay/internal/store/pg"
	"github.com/fleetgrid/relay/internal/store/sqlite"
	"github.com/fleetgrid/relay/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	stores, err := openStores(cfg)
	if err != nil {
		return err
	}

	feed := realtime.NewMemFeed()
	res := resolver.New(stores)
	rtr := router.New(res, stores, feed, cfg.Snapshot().MaxMessageChars)
	ibx := inbox.New(rtr, stores)

	srv := gateway.NewServer(cfg, stores, res, rtr, ibx, feed)

	sweeper, err := maintenance.New(stores.Conversations, cfg.Maintenance.RecountSchedule)
	if err != nil {
		return err
	}

	cfg.OnReload = func(lim config.Limits) {
		srv.RateLimiter().SetRate(lim.Gateway.RateLimitRPM)
		rtr.SetMaxBodyChars(lim.Gateway.MaxMessageChars)
		if err := sweeper.SetSchedule(lim.Maintenance.RecountSchedule); err != nil {
			slog.Warn("reloaded maintenance schedule rejected", "error", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error { return cfg.Watch(ctx, cfgPath) })

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("relay stopped")
	return nil
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	sc := store.StoreConfig{
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  cfg.Database.SQLitePath,
	}
	if cfg.IsManagedMode() {
		slog.Info("storage: postgres (managed mode)")
		return pg.NewPGStores(sc)
	}
	slog.Info("storage: sqlite (standalone mode)", "path", sc.SQLitePath)
	return sqlite.NewSQLiteStores(sc)
}
