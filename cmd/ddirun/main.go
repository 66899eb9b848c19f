package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ddiexposure/internal/config"
	"ddiexposure/internal/definition"
	"ddiexposure/internal/episode"
	"ddiexposure/internal/exposure"
	"ddiexposure/internal/logging"
	"ddiexposure/internal/metrics"
	"ddiexposure/internal/pgsink"
	"ddiexposure/internal/pipeline"
	"ddiexposure/internal/tables"
	"ddiexposure/internal/tracing"
)

// errFailedDefinitions makes the process exit nonzero after a partial run.
var errFailedDefinitions = errors.New("one or more definitions failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ddirun:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ddirun",
		Short:         "Drug-drug interaction exposure episodes for facility stays",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Run configuration file (YAML)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compute exposure episodes for every selected definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if ids, _ := cmd.Flags().GetStringSlice("definition"); len(ids) > 0 {
				cfg.Run.Definitions = ids
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			return run(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringSlice("definition", nil, "Run only these definition ids")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	start := time.Now()

	tcfg := tracing.DefaultConfig(tracing.Name)
	tcfg.OTLPEndpoint = cfg.Tracing.OTLPEndpoint
	tcfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	if tp.Enabled() {
		logger.Info("tracing enabled", zap.String("endpoint", tcfg.OTLPEndpoint), zap.Float64("sample_rate", tcfg.SampleRate))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	m := metrics.New()

	cat, err := definition.Load(cfg.Catalog)
	if err != nil {
		return err
	}
	if err := cat.Validate(); err != nil {
		// Broken definitions fail on their own; the rest still run.
		logger.Warn("catalog has invalid definitions", zap.Error(err))
	}
	defs, err := cat.Select(cfg.Run.Definitions)
	if err != nil {
		return err
	}
	lists := pipeline.LoadLists(cat, logger)

	loader := &tables.Loader{Format: tables.Format(cfg.Input.Format), Logger: logger}
	if cfg.Input.Cohort != "" {
		if loader.Cohort, err = tables.LoadCohort(cfg.Input.Cohort); err != nil {
			return err
		}
		logger.Info("cohort loaded", zap.Int("beneficiaries", len(loader.Cohort)))
	}
	rx, rxStats, err := loader.Dispensing(cfg.Input.Dispensing)
	if err != nil {
		return err
	}
	stayRows, stayStats, err := loader.Stays(cfg.Input.Stays)
	if err != nil {
		return err
	}
	m.RecordsRead.WithLabelValues("dispensing").Add(float64(rxStats.Read))
	m.RecordsRejected.WithLabelValues("dispensing").Add(float64(rxStats.Rejected))
	m.RecordsRead.WithLabelValues("stays").Add(float64(stayStats.Read))
	m.RecordsRejected.WithLabelValues("stays").Add(float64(stayStats.Rejected))

	stays := episode.NewStayIndex(stayRows)
	if stays.Dropped > 0 {
		logger.Warn("dropped inverted stays", zap.Int("count", stays.Dropped))
	}

	var outputs []pipeline.Output
	if cfg.WritesParquet() {
		outputs = append(outputs, &pipeline.ParquetOutput{Dir: cfg.Output.Dir, Audit: cfg.Output.Audit})
	}
	var ledger pipeline.Ledger
	if cfg.WritesPostgres() {
		sink, err := pgsink.Connect(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns, logger)
		if err != nil {
			return err
		}
		defer sink.Close()
		if err := sink.Migrate(ctx); err != nil {
			return err
		}
		outputs = append(outputs, &pipeline.DatabaseOutput{Sink: sink})
		ledger = sink
	}

	variants := make([]exposure.Variant, len(cfg.Run.Variants))
	for i, v := range cfg.Run.Variants {
		variants[i] = exposure.Variant(v)
	}
	runner := &pipeline.Runner{
		Stages: &pipeline.Stages{
			Catalog: cat,
			Lists:   lists,
			Options: pipeline.Options{
				Variants:         variants,
				BeneWorkers:      cfg.Run.BeneWorkers,
				KeepIntermediate: cfg.Output.Audit,
			},
			Logger:  logger,
			Metrics: m,
		},
		Inputs:      pipeline.Inputs{Dispensing: rx, Stays: stays},
		Outputs:     outputs,
		Ledger:      ledger,
		CatalogPath: cfg.Catalog,
		Workers:     cfg.Run.Workers,
		Logger:      logger,
		Metrics:     m,
	}
	sum, err := runner.Run(ctx, defs)
	if err != nil {
		return err
	}
	printSummary(sum, rxStats, stays.Len(), time.Since(start))

	if cfg.Metrics.Textfile != "" {
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Warn("metrics not written", zap.Error(err))
		}
	}
	if !sum.OK() {
		return errFailedDefinitions
	}
	return nil
}

func printSummary(sum *pipeline.Summary, rx tables.LoadStats, benesWithStays int, elapsed time.Duration) {
	fmt.Println()
	fmt.Printf("Run %s done in %s\n", sum.RunID, elapsed.Round(time.Millisecond))
	fmt.Printf("  Dispensing rows:  %d read, %d rejected, %d outside cohort\n", rx.Read, rx.Rejected, rx.Filtered)
	fmt.Printf("  Beneficiaries with stays: %d\n", benesWithStays)
	fmt.Printf("  Definitions:      %d ok, %d failed\n", len(sum.Succeeded), len(sum.Failed))
	if len(sum.Exposures) > 0 {
		fmt.Println()
		fmt.Printf("  %-28s %-10s %10s %10s %12s\n", "definition", "variant", "benes", "episodes", "days")
		for _, e := range sum.Exposures {
			fmt.Printf("  %-28s %-10s %10d %10d %12d\n", e.DefinitionID, e.Variant, e.Beneficiaries, e.Episodes, e.Days)
		}
	}
	for _, f := range sum.Failed {
		fmt.Printf("  FAILED %s: %v\n", f.DefinitionID, f.Err)
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the catalog and drug lists without reading claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Catalog == "" {
				return errors.New("catalog is required")
			}

			cat, err := definition.Load(cfg.Catalog)
			if err != nil {
				return err
			}
			errs := []error{cat.Validate()}
			lists := pipeline.LoadLists(cat, logger)
			for _, d := range cat.Definitions {
				if _, err := lists.Resolve(d); err != nil {
					errs = append(errs, err)
				}
			}
			if err := errors.Join(errs...); err != nil {
				return fmt.Errorf("catalog %s:\n%w", cfg.Catalog, err)
			}
			fmt.Printf("Catalog %s: %d lists, %d definitions OK\n", cfg.Catalog, len(cat.Lists), len(cat.Definitions))
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the exposure tables in PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Postgres.URL == "" {
				return errors.New("postgres.url is required")
			}

			sink, err := pgsink.Connect(cmd.Context(), cfg.Postgres.URL, cfg.Postgres.MaxConns, logger)
			if err != nil {
				return err
			}
			defer sink.Close()
			if err := sink.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Schema up to date")
			return nil
		},
	}
}
