package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/api"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/config"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/store"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, WebSocket stream and keeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			router := api.NewRouter(a.service(), a.hub, api.RouterConfig{
				APIKey:         cfg.Server.APIKey,
				CORSOrigins:    cfg.Server.CORSOrigins,
				RequestTimeout: cfg.Server.RequestTimeout.Duration,
			})
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return ignoreCanceled(a.hub.Run(gctx)) })
			g.Go(func() error {
				logger.Info("coverage engine listening", "port", cfg.Server.Port)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if cfg.Keeper.Enabled {
				runner := a.keeper()
				g.Go(func() error { return ignoreCanceled(runner.Run(gctx)) })
			} else {
				logger.Info("keeper disabled")
			}
			return g.Wait()
		},
	}
}

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			if !cfg.UsesPostgres() {
				return errors.New("migrate: database.url is not set")
			}
			pool, err := openPostgres(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := store.NewPostgresStore(pool).Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newUpkeepCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "upkeep",
		Short: "Run a single keeper pass over every pool and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			return runUpkeepOnce(cmd.Context(), cfg, logger)
		},
	}
}

func runUpkeepOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.keeper().RunOnce(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
