/*
main.go - Application entry point

PURPOSE:
  Command-line entry point for the credit ledger. Wires configuration,
  logging, the SQLite store, the customer lock and the engine, then runs
  one of the subcommands.

COMMANDS:
  serve              Run the HTTP API (default)
  rollup KIND ID     Print a branch or route rollup (--from, --to)
  recalc ID...       Rewrite drifted projections for customers
  seed SCENARIO      Load a demo scenario

CONFIGURATION:
  --config ledger.toml, then .env, then LEDGER_* environment variables.
  See config/config.go for the keys.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the database, Redis client and log file
  4. Exit

EXAMPLES:
  ledger serve --config ./ledger.toml
  LEDGER_DB_PATH=":memory:" ledger serve
  ledger rollup branch b1 --from 2025-03-01 --to 2025-03-31
  ledger recalc c1 c2

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/config"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/lock"
	"github.com/warp/credit-ledger/logger"
	"github.com/warp/credit-ledger/store/sqlite"
)

var version = "1.0.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Credit ledger and payment reconciliation engine",
	Long: `Credit ledger for a multi-branch billing console: derived customer
balances, cheque lifecycle, bulk payments, branch/route rollups and
cascading customer deletion.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var rollupCmd = &cobra.Command{
	Use:   "rollup (branch|route) ID",
	Short: "Print a branch or route rollup as JSON",
	Example: `  ledger rollup branch b1 --from 2025-03-01 --to 2025-03-31
  ledger rollup route r7 --from 2025-03-01 --to 2025-03-31`,
	Args: cobra.ExactArgs(2),
	RunE: runRollup,
}

var recalcCmd = &cobra.Command{
	Use:   "recalc CUSTOMER_ID...",
	Short: "Recompute and rewrite customer and invoice projections",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRecalc,
}

var seedCmd = &cobra.Command{
	Use:   "seed SCENARIO",
	Short: "Load a demo scenario",
	Long:  "Load a demo scenario. Run without arguments to list scenarios.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSeed,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a TOML config file")

	rollupCmd.Flags().String("from", "", "Period start (YYYY-MM-DD)")
	rollupCmd.Flags().String("to", "", "Period end (YYYY-MM-DD), inclusive")
	rollupCmd.MarkFlagRequired("from")
	rollupCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(serveCmd, rollupCmd, recalcCmd, seedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log := logger.WithComponent("cmd")
		log.Error().Err(err).Msg("command failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg     config.Config
	engine  *ledger.Engine
	closers []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	logCloser, err := logger.Setup(cfg.Log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, logCloser)
	log := logger.WithComponent("main")

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.closers = append(a.closers, store)

	var locker ledger.Locker = lock.NewLocal()
	if cfg.Lock.Backend == "redis" {
		redisLock, rdb, err := lock.Connect(ctx, cfg.Lock.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rdb)
		locker = redisLock
	}

	a.engine = ledger.NewEngine(store,
		ledger.WithLocker(locker),
		ledger.WithValidatorConfig(cfg.ValidatorConfig()),
		ledger.WithMaxBatchSize(cfg.Ledger.MaxBatchSize),
		ledger.WithLogger(logger.WithComponent("ledger")),
	)

	log.Info().
		Str("db", cfg.Database.Path).
		Str("lock", cfg.Lock.Backend).
		Int("max_batch_size", cfg.Ledger.MaxBatchSize).
		Msg("ledger initialized")
	return a, nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	log := logger.WithComponent("server")

	router := api.NewRouter(api.NewHandler(a.engine), api.RouterOptions{CORSOrigins: a.cfg.Server.CORSOrigins})
	srv := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func runRollup(cmd *cobra.Command, args []string) error {
	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")
	from, err := ledger.ParseDate(fromStr)
	if err != nil {
		return err
	}
	to, err := ledger.ParseDate(toStr)
	if err != nil {
		return err
	}
	period, err := ledger.NewPeriod(from, to)
	if err != nil {
		return err
	}

	var scope ledger.Scope
	switch args[0] {
	case "branch":
		scope = ledger.BranchScope(ledger.BranchID(args[1]))
	case "route":
		scope = ledger.RouteScope(ledger.RouteID(args[1]))
	default:
		return fmt.Errorf("scope must be branch or route, got %q", args[0])
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.engine.ComputeRollup(cmd.Context(), scope, period)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runRecalc(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	for _, id := range args {
		st, err := a.engine.Recalculate(cmd.Context(), ledger.CustomerID(id))
		if err != nil {
			return fmt.Errorf("recalculate %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\tbalance %s\toutstanding %s\tcredit %s\n",
			id, st.Customer.Balance.StringFixed(2), st.Outstanding.StringFixed(2), st.Ledger.UnallocatedCredit.StringFixed(2))
	}
	return nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		for _, s := range api.Scenarios() {
			fmt.Fprintf(cmd.OutOrStdout(), "%-18s %s\n", s.ID, s.Description)
		}
		return nil
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := api.LoadScenario(cmd.Context(), a.engine, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "loaded %s: customers %v\n", resp.ScenarioID, resp.Customers)
	return nil
}
