package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron"
	"github.com/spf13/cobra"

	"air-quality-platform/internal/aggregation"
	"air-quality-platform/internal/cleaning"
	"air-quality-platform/internal/collector"
	"air-quality-platform/internal/models"
	"air-quality-platform/internal/persistence"
	"air-quality-platform/internal/services"
	"air-quality-platform/pkg/logging"
)

// ComparisonFile is the default spreadsheet written by the export command
const ComparisonFile = "comparison.xlsx"

type appFunc func() *app

func newCollectCommand(get appFunc) *cobra.Command {
	var (
		sample bool
		input  string
		output string
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect raw measurements and save a CSV snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := cmd.Context()

			c, err := a.collector(sample || a.cfg.Pipeline.UseSample, input)
			if err != nil {
				return err
			}
			p, err := a.pipeline(ctx, c, false)
			if err != nil {
				return err
			}

			raw, err := p.Collect(ctx)
			if err != nil {
				return err
			}

			if output == "" {
				output = a.snapshotPath()
			}
			if err := collector.SaveSnapshot(output, raw); err != nil {
				return err
			}

			a.logger.Info(ctx, "[COLLECT_SNAPSHOT] Raw snapshot written", logging.Fields{
				"path": output,
				"rows": len(raw.Rows),
			})
			printBanner("COLLECTION COMPLETE")
			fmt.Printf("Rows:     %d\n", len(raw.Rows))
			fmt.Printf("Snapshot: %s\n", output)
			return nil
		},
	}

	cmd.Flags().BoolVar(&sample, "sample", false, "Generate sample data instead of reading a file")
	cmd.Flags().StringVar(&input, "input", "", "CSV file to collect from")
	cmd.Flags().StringVar(&output, "output", "", "Snapshot path (default: <raw dir>/"+SampleSnapshotFile+")")
	return cmd
}

func newCleanCommand(get appFunc) *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Clean a raw CSV snapshot and persist the dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := cmd.Context()

			if input == "" {
				input = a.snapshotPath()
			}
			p, err := a.pipeline(ctx, collector.NewCSVCollector(input), false)
			if err != nil {
				return err
			}

			raw, err := p.Collect(ctx)
			if err != nil {
				return err
			}
			table, report, err := p.Clean(ctx, raw)
			if err != nil {
				return err
			}
			saved, err := a.adapter().SaveTable(ctx, table)
			if err != nil {
				return err
			}

			printBanner("CLEANING COMPLETE")
			printReport(report)
			printSave(saved)
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "Raw CSV snapshot (default: <raw dir>/"+SampleSnapshotFile+")")
	return cmd
}

func newRunCommand(get appFunc) *cobra.Command {
	var (
		sample bool
		input  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			p, err := a.runnable(cmd.Context(), sample, input)
			if err != nil {
				return err
			}

			result, err := p.Run(cmd.Context())
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	cmd.Flags().BoolVar(&sample, "sample", false, "Generate sample data instead of reading a file")
	cmd.Flags().StringVar(&input, "input", "", "CSV file to collect from")
	return cmd
}

func newScheduleCommand(get appFunc) *cobra.Command {
	var (
		expr        string
		sample      bool
		input       string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the pipeline on a cron schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := cmd.Context()

			if expr == "" {
				expr = a.cfg.Pipeline.Schedule
			}
			if expr == "" {
				return errors.New("no schedule given: set --cron or PIPELINE_SCHEDULE")
			}

			p, err := a.runnable(ctx, sample, input)
			if err != nil {
				return err
			}

			var running sync.Mutex
			job := func() {
				if !running.TryLock() {
					a.logger.Warn(ctx, "[SCHEDULE_SKIP] Previous run still in progress", logging.Fields{
						"schedule": expr,
					})
					return
				}
				defer running.Unlock()

				// Failures are already logged and counted by the pipeline
				_, _ = p.Run(ctx)
			}

			c := cron.New()
			if err := c.AddFunc(expr, job); err != nil {
				return fmt.Errorf("invalid schedule %q: %w", expr, err)
			}

			var server *http.Server
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				server = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						a.logger.Error(ctx, "[METRICS_SERVER_ERROR] Metrics endpoint failed", logging.Fields{
							"address": metricsAddr,
						}, err)
					}
				}()
			}

			a.logger.Info(ctx, "[SCHEDULE_START] Pipeline scheduled", logging.Fields{
				"schedule":     expr,
				"metrics_addr": metricsAddr,
			})
			c.Start()

			<-ctx.Done()

			a.logger.Info(context.Background(), "[SCHEDULE_STOP] Stopping scheduler", logging.Fields{})
			c.Stop()
			running.Lock()
			running.Unlock()

			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					a.logger.Error(shutdownCtx, "[SHUTDOWN_ERROR] Metrics endpoint forced to shutdown", logging.Fields{}, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&expr, "cron", "", "Cron expression or descriptor such as @daily (default: PIPELINE_SCHEDULE)")
	cmd.Flags().BoolVar(&sample, "sample", false, "Generate sample data instead of reading a file")
	cmd.Flags().StringVar(&input, "input", "", "CSV file to collect from")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func newExportCommand(get appFunc) *cobra.Command {
	var (
		dataset string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the per-city pollutant comparison as a spreadsheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := cmd.Context()

			if dataset == "" {
				dataset = a.cfg.Server.DatasetPath
			}
			if output == "" {
				output = filepath.Join(a.cfg.Pipeline.ProcessedDir, ComparisonFile)
			}

			table, err := persistence.LoadParquet(dataset)
			if err != nil {
				return err
			}
			rows, err := aggregation.GroupMeans(ctx, table, a.cfg.Pipeline.Workers)
			if err != nil {
				return err
			}
			if err := persistence.ExportGroupMeans(output, rows); err != nil {
				return err
			}

			a.logger.Info(ctx, "[EXPORT_COMPLETE] Comparison exported", logging.Fields{
				"dataset": dataset,
				"path":    output,
				"groups":  len(rows),
			})
			printBanner("EXPORT COMPLETE")
			fmt.Printf("Groups:  %d\n", len(rows))
			fmt.Printf("Output:  %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataset, "dataset", "", "Parquet dataset (default: SERVER_DATASET_PATH)")
	cmd.Flags().StringVar(&output, "output", "", "Spreadsheet path (default: <processed dir>/"+ComparisonFile+")")
	return cmd
}

// runnable builds a pipeline with every configured integration attached
func (a *app) runnable(ctx context.Context, sample bool, input string) (*services.PipelineService, error) {
	c, err := a.collector(sample || a.cfg.Pipeline.UseSample, input)
	if err != nil {
		return nil, err
	}
	return a.pipeline(ctx, c, true)
}

func printBanner(title string) {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println(title)
	fmt.Println(strings.Repeat("=", 80))
}

func printReport(report *cleaning.Report) {
	fmt.Printf("Rows In:            %d\n", report.RowsIn)
	fmt.Printf("Rows Out:           %d\n", report.RowsOut)
	fmt.Printf("Parse Errors:       %d\n", report.ParseErrors())
	fmt.Printf("Duplicates Removed: %d\n", report.DuplicatesRemoved)
	fmt.Printf("Dropped (missing):  %d\n", report.DroppedMissingEssential)
	fmt.Printf("Values Imputed:     %d\n", report.ValuesImputed)
	if report.HasDateSpan {
		fmt.Printf("Date Span:          %s .. %s\n",
			report.DateMin.Format(models.DateLayout), report.DateMax.Format(models.DateLayout))
	}
	if report.DedupSkipped {
		fmt.Println("Deduplication skipped: key columns missing")
	}
}

func printSave(saved *persistence.SaveResult) {
	fmt.Printf("Dataset:            %s\n", saved.DatasetPath)
	fmt.Printf("CSV:                %s\n", saved.CSVPath)
	fmt.Printf("Summary:            %s\n", saved.SummaryPath)
}

func printResult(result *services.PipelineResult) {
	printBanner("PIPELINE COMPLETE")
	fmt.Printf("Run ID:             %s\n", result.RunID)
	printReport(result.Report)
	printSave(result.Save)
	fmt.Printf("Duration:           %v\n", result.Duration)

	if len(result.Statistics) == 0 {
		return
	}
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("STATISTICS")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%-16s %-10s %8s %10s %10s\n", "City", "Parameter", "Count", "Mean", "Std")
	for _, s := range result.Statistics {
		fmt.Printf("%-16s %-10s %8d %10s %10s\n", s.City, s.Parameter, s.Count, optional(s.Mean), optional(s.Std))
	}
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
