package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-scrape-catalog/checkpoint"
	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/device"
	"github.com/aluiziolira/go-scrape-catalog/history"
	"github.com/aluiziolira/go-scrape-catalog/logging"
	"github.com/aluiziolira/go-scrape-catalog/metrics"
	"github.com/aluiziolira/go-scrape-catalog/orchestrator"
)

func main() {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "harvester",
		Short: "Collect shop catalogs from food-delivery apps on attached Android devices",
		Long: `harvester drives one worker per attached handset. Each worker visits the
shops of its task list in order, walks every category and streams the items
it reads into per-shop result tables, checkpointing after every batch so an
interrupted run continues where it stopped.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(devicesCmd(a))
	rootCmd.AddCommand(runCmd(a))
	rootCmd.AddCommand(serveCmd(a))
	rootCmd.AddCommand(checkpointCmd(a))
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(configCmd(a))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds what every subcommand shares once flags are parsed.
type app struct {
	configPath string
	verbose    bool

	cfg     *config.Config
	logger  *slog.Logger
	level   *slog.LevelVar
	metrics *metrics.Metrics
	history *history.Store
}

func (a *app) load() error {
	a.logger, a.level = logging.New(os.Stdout, a.verbose)
	slog.SetDefault(a.logger)
	slog.SetLogLoggerLevel(a.level.Level())

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}
	if a.verbose {
		cfg.Verbose = true
	} else if cfg.Verbose {
		a.level.Set(slog.LevelDebug)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg
	a.metrics = metrics.New()
	return nil
}

func (a *app) close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			slog.Error("close history", slog.Any("error", err))
		}
		a.history = nil
	}
}

// openHistory connects the run history when a DSN is configured. A broken
// database only disables history.
func (a *app) openHistory() {
	if a.cfg.HistoryDSN == "" || a.history != nil {
		return
	}
	store, err := history.Open(a.cfg.HistoryDSN)
	if err != nil {
		slog.Warn("run history disabled", slog.Any("error", err))
		return
	}
	a.history = store
}

// orchestrator wires the device bridge (or demo devices) to a new orchestrator.
func (a *app) orchestrator(demo int) (*orchestrator.Orchestrator, error) {
	a.openHistory()

	adb := device.NewADBClient(a.cfg.Device.ADBAddr)
	var lister device.Lister = adb
	if demo > 0 {
		lister = orchestrator.DemoLister{Count: demo}
	}

	opts := orchestrator.Options{
		Config:  a.cfg,
		Lister:  lister,
		Factory: &orchestrator.DeviceFactory{Config: a.cfg, ADB: adb, Metrics: a.metrics},
		Store:   checkpoint.NewFileStore(a.cfg.OutputDir),
		Metrics: a.metrics,
		Logger:  a.logger,
		Level:   a.level,
	}
	if a.history != nil {
		opts.History = a.history
	}
	return orchestrator.New(opts)
}

// serveMetrics exposes the registry on the configured metrics address and
// returns a function that shuts the server down.
func (a *app) serveMetrics() func() {
	addr := a.cfg.Server.MetricsAddr
	if addr == "" {
		return func() {}
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(a.metrics.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
	}
}
