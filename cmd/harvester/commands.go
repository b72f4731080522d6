package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aluiziolira/go-scrape-catalog/api"
	"github.com/aluiziolira/go-scrape-catalog/checkpoint"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/tasks"
)

func devicesCmd(a *app) *cobra.Command {
	var demo int
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List attached devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := a.orchestrator(demo)
			if err != nil {
				return err
			}
			devices, err := orch.ListDevices(cmd.Context())
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("No devices attached.")
				return nil
			}
			store := checkpoint.NewFileStore(a.cfg.OutputDir)
			for _, d := range devices {
				line := fmt.Sprintf("%-20s %s", d.Serial, statusLabel(d.Status))
				if d.Model != "" {
					line += "  " + d.Model
				}
				if cp, err := store.Load(d.Serial); err == nil && cp != nil {
					line += fmt.Sprintf("  [%s: %s]", cp.Status, cp.Summary())
				}
				fmt.Println(line)
				if d.Error != "" {
					fmt.Printf("%-20s %s\n", "", dim.Sprint(d.Error))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&demo, "demo", 0, "List N demo devices instead of querying adb")
	return cmd
}

func runCmd(a *app) *cobra.Command {
	var (
		assigns []string
		demo    int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Collect the assigned task lists and wait for every device to finish",
		Long: `Assign a task list to each device and run them in parallel:

  harvester run --assign SERIAL=tasks.xlsx --assign OTHER=tasks.csv
  harvester run --demo 2 --assign MOCK-1=tasks.xlsx --assign MOCK-2=tasks.xlsx

Ctrl-C stops every worker after it has saved its checkpoint; running the
same command again continues from there.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(assigns) == 0 {
				return errors.New("at least one --assign SERIAL=FILE is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch, err := a.orchestrator(demo)
			if err != nil {
				return err
			}
			stopMetrics := a.serveMetrics()
			defer stopMetrics()

			if _, err := orch.ListDevices(ctx); err != nil {
				return err
			}

			slog.Info("starting harvest",
				slog.String("run_id", orch.RunID()),
				slog.Int("devices", len(assigns)),
				slog.String("output_dir", a.cfg.OutputDir),
			)
			queues := make(map[string][]models.Task, len(assigns))
			var order []string
			for _, assign := range assigns {
				serial, file, ok := strings.Cut(assign, "=")
				if !ok || serial == "" || file == "" {
					return fmt.Errorf("invalid --assign %q: want SERIAL=FILE", assign)
				}
				list, err := tasks.LoadFile(file, a.logger)
				if err != nil {
					return err
				}
				queues[serial] = list
				order = append(order, serial)
			}

			started := 0
			for _, serial := range order {
				err := orch.AssignTasks(serial, queues[serial])
				if err == nil {
					err = orch.Start(ctx, serial)
				}
				if err != nil {
					slog.Error("device did not start", slog.String("device", serial), slog.Any("error", err))
					continue
				}
				started++
			}
			if started == 0 {
				return errors.New("no device started")
			}

			go func() {
				<-ctx.Done()
				slog.Info("shutdown signal received, stopping workers after their next checkpoint")
				orch.StopAll()
			}()

			startTime := time.Now()
			results := orch.Wait()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := orch.Shutdown(shutdownCtx); err != nil {
				slog.Error("orchestrator shutdown failed", slog.Any("error", err))
			}

			printSummary(results, time.Since(startTime), a.cfg.OutputDir)

			var failed []string
			for serial, res := range results {
				if res.FinalState == models.RunFailed {
					failed = append(failed, serial)
				}
			}
			if len(failed) > 0 {
				sort.Strings(failed)
				return fmt.Errorf("%d device(s) failed: %s", len(failed), strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&assigns, "assign", nil, "SERIAL=FILE task list for a device (repeatable)")
	cmd.Flags().IntVar(&demo, "demo", 0, "Use N demo devices (MOCK-1 ... MOCK-N) instead of adb")
	return cmd
}

func serveCmd(a *app) *cobra.Command {
	var demo int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch, err := a.orchestrator(demo)
			if err != nil {
				return err
			}
			stopMetrics := a.serveMetrics()
			defer stopMetrics()

			if _, err := orch.ListDevices(ctx); err != nil {
				slog.Warn("initial device enumeration failed", slog.Any("error", err))
			}

			opts := api.Options{
				Metrics:         a.metrics,
				Logger:          a.logger,
				RateLimitPerSec: a.cfg.Server.RateLimitPerSec,
				RateLimitBurst:  a.cfg.Server.RateLimitBurst,
			}
			if a.history != nil {
				opts.Runs = a.history
			}
			srv := &http.Server{
				Addr:    a.cfg.Server.ListenAddr,
				Handler: api.NewRouter(orch, opts),
			}
			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()
			slog.Info("control api listening", slog.String("addr", srv.Addr), slog.String("run_id", orch.RunID()))

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("control api: %w", err)
				}
			case <-ctx.Done():
				slog.Info("shutdown signal received, stopping workers")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("control api shutdown failed", slog.Any("error", err))
			}
			return orch.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVar(&demo, "demo", 0, "Use N demo devices (MOCK-1 ... MOCK-N) instead of adb")
	return cmd
}

func checkpointCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or discard a device's saved progress",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show SERIAL",
		Short: "Print the checkpoint of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := checkpoint.NewFileStore(a.cfg.OutputDir)
			cp, err := store.Load(args[0])
			if err != nil {
				return err
			}
			if cp == nil {
				fmt.Printf("%s has no checkpoint\n", args[0])
				return nil
			}
			fmt.Printf("%s %s (%s)\n", args[0], statusLabel(deviceStatusFor(cp.Status)), cp.Summary())
			out, err := json.MarshalIndent(cp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear SERIAL",
		Short: "Delete the checkpoint of a device so its next run starts at the first task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := checkpoint.NewFileStore(a.cfg.OutputDir)
			if err := store.Clear(args[0]); err != nil {
				return err
			}
			fmt.Printf("Checkpoint of %s cleared\n", args[0])
			return nil
		},
	})
	return cmd
}

func templateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "template [PATH]",
		Short: "Write an example task workbook",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "tasks_template.xlsx"
			if len(args) == 1 {
				path = args[0]
			}
			if err := tasks.WriteTemplate(path); err != nil {
				return err
			}
			fmt.Printf("Template written to %s\n", path)
			return nil
		},
	}
}

func configCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(a.cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
