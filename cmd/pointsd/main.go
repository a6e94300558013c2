/*
main.go - Application entry point

PURPOSE:
  Starts the points ledger server and runs its batch jobs from the
  command line. Handles configuration, dependency injection, and graceful
  shutdown.

COMMANDS:
  serve       HTTP API plus the daily scheduler
  sweep       One auto-investment sweep (--period YYYY-MM)
  mature      Settle investments due as of today (or --as-of)
  reconcile   Replay history against stored balances (--student, optional)
  scenario    Reset the database and load a demo scenario (development only)

  Every command accepts --config <file>. Environment variables prefixed
  POINTS_ override the file (see config/config.go).

STARTUP SEQUENCE (serve):
  1. Load configuration, build the zap logger
  2. Open the store (SQLite or PostgreSQL) and migrate
  3. Wire the engines (api.NewHandler), seed settings records
  4. Start the scheduler
  5. Serve HTTP until SIGINT/SIGTERM

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (a running batch finishes first)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  pointsd serve --config ./points.yaml
  POINTS_DATABASE_DSN=":memory:" pointsd serve
  pointsd sweep --period 2025-03
  pointsd reconcile --student stu-1

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Daily batch
  - config/config.go: Configuration sources
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/points-engine/api"
	"github.com/warp/points-engine/config"
	"github.com/warp/points-engine/investment"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/store/sqlstore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is everything a command needs, built from configuration.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *sqlstore.Store
	handler *api.Handler
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "pointsd",
		Short:         "Student points ledger and allocation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (YAML or JSON)")

	boot := func(ctx context.Context) (*app, error) {
		return newApp(ctx, configPath)
	}
	root.AddCommand(
		newServeCmd(boot),
		newSweepCmd(boot),
		newMatureCmd(boot),
		newReconcileCmd(boot),
		newScenarioCmd(boot),
	)
	return root
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	store, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	handler := api.NewHandler(store, api.Options{
		Logger:           logger,
		Registry:         reg,
		Defaults:         cfg.Defaults,
		MaxAttempts:      cfg.Ledger.MaxAttempts,
		StoreTimeout:     cfg.Ledger.StoreTimeout,
		SweepConcurrency: cfg.Scheduler.Concurrency,
	})
	if err := handler.SeedSettings(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to seed settings: %w", err)
	}
	return &app{cfg: cfg, logger: logger, store: store, handler: handler}, nil
}

func (a *app) close() {
	a.store.Close()
	_ = a.logger.Sync()
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd(boot func(context.Context) (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the daily scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := boot(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	var sched *api.Scheduler
	if a.cfg.Scheduler.Enabled {
		var err error
		if sched, err = api.NewScheduler(a.handler, a.cfg.Scheduler.Spec, a.logger); err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:         a.cfg.Server.Addr(),
		Handler:      api.NewRouter(a.handler, a.cfg.Server.AllowedOrigins),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	if sched != nil {
		sched.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}

// =============================================================================
// BATCH COMMANDS
// =============================================================================

func newSweepCmd(boot func(context.Context) (*app, error)) *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the auto-investment sweep for one period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := boot(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if period == "" {
				period = investment.PeriodKey(time.Now())
			}
			settings, err := a.handler.InvestmentSettings(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := a.handler.Sweeper.Run(cmd.Context(), period, settings)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, summary); err != nil {
				return err
			}
			if n := len(summary.Failures); n > 0 {
				return fmt.Errorf("%d students failed", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "period key YYYY-MM (default: current month)")
	return cmd
}

func newMatureCmd(boot func(context.Context) (*app, error)) *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "mature",
		Short: "Settle investments whose maturity date has passed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := boot(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			when := time.Now().UTC()
			if asOf != "" {
				if when, err = time.Parse("2006-01-02", asOf); err != nil {
					return points.Invalid("as-of", "invalid date %q (use YYYY-MM-DD)", asOf)
				}
			}
			report, err := a.handler.Investments.Mature(cmd.Context(), when)
			if err != nil {
				return err
			}
			a.logger.Info("maturity run finished",
				zap.Int("completed", len(report.Completed)),
				zap.Int("failures", len(report.Failures)))
			return printJSON(cmd, map[string]any{
				"completed": len(report.Completed),
				"failures":  report.Failures,
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "settle as of this date YYYY-MM-DD (default: today)")
	return cmd
}

func newReconcileCmd(boot func(context.Context) (*app, error)) *cobra.Command {
	var student string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare stored balances with replayed history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := boot(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			var reports []points.Report
			if student != "" {
				rep, err := a.handler.Reconciler.Reconcile(cmd.Context(), points.StudentID(student))
				if err != nil {
					return err
				}
				reports = append(reports, rep)
			} else if reports, err = a.handler.Reconciler.ReconcileAll(cmd.Context()); err != nil {
				return err
			}

			drifted := 0
			for _, rep := range reports {
				if !rep.Consistent {
					drifted++
				}
			}
			if err := printJSON(cmd, reports); err != nil {
				return err
			}
			if drifted > 0 {
				return fmt.Errorf("%d of %d balances drifted from history", drifted, len(reports))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&student, "student", "", "reconcile one student (default: all)")
	return cmd
}

func newScenarioCmd(boot func(context.Context) (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "scenario <id>",
		Short: "Reset the database and load a demo scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := boot(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.handler.LoadScenarioByID(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded scenario %s\n", args[0])
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
