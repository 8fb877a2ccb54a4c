package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"air-quality-platform/internal/cleaning"
	"air-quality-platform/internal/collector"
	"air-quality-platform/internal/config"
	"air-quality-platform/internal/events"
	"air-quality-platform/internal/models"
	"air-quality-platform/internal/persistence"
	"air-quality-platform/internal/repository"
	"air-quality-platform/internal/services"
	"air-quality-platform/internal/sinks"
	"air-quality-platform/pkg/database"
	"air-quality-platform/pkg/logging"
	"air-quality-platform/pkg/metrics"
)

const (
	serviceName    = "air-quality-pipeline"
	serviceVersion = "1.0.0"

	// SampleSnapshotFile is the raw copy written by the collect command
	SampleSnapshotFile = "sample_data.csv"
)

// app holds the components shared by all subcommands
type app struct {
	cfg     *config.Config
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	closers []func() error
}

func newApp(cfg *config.Config) *app {
	return &app{
		cfg:     cfg,
		logger:  logging.NewStructuredLogger(serviceName, serviceVersion, logging.ParseLevel(cfg.Logging.Level)),
		metrics: metrics.NewCollector("air_quality_pipeline"),
	}
}

// Close releases every resource opened by the app, newest first
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// collector selects the input: an explicit file wins, then the sample
// generator when enabled, then the configured input file
func (a *app) collector(useSample bool, input string) (collector.Collector, error) {
	if input != "" {
		return collector.NewCSVCollector(input), nil
	}
	if !useSample {
		if a.cfg.Pipeline.InputFile == "" {
			return nil, &models.ValidationError{
				Field:   "input",
				Message: "sample data is disabled and no input file was given",
			}
		}
		return collector.NewCSVCollector(a.cfg.Pipeline.InputFile), nil
	}

	start, err := time.Parse(models.DateLayout, a.cfg.Pipeline.SampleStart)
	if err != nil {
		return nil, fmt.Errorf("invalid sample start %q: %w", a.cfg.Pipeline.SampleStart, err)
	}
	return collector.NewSampleCollector(collector.SampleOptions{
		Seed:  a.cfg.Pipeline.SampleSeed,
		Start: start,
		Days:  a.cfg.Pipeline.SampleDays,
	})
}

func (a *app) cleaningOptions() (cleaning.Options, error) {
	hemisphere, err := models.ParseHemisphere(a.cfg.Pipeline.Hemisphere)
	if err != nil {
		return cleaning.Options{}, err
	}
	policy, err := cleaning.ParseDedupPolicy(a.cfg.Pipeline.DedupPolicy)
	if err != nil {
		return cleaning.Options{}, err
	}
	return cleaning.Options{
		Hemisphere:  hemisphere,
		DedupPolicy: policy,
		Workers:     a.cfg.Pipeline.Workers,
	}, nil
}

func (a *app) adapter() *persistence.Adapter {
	return persistence.NewAdapter(a.cfg.Pipeline.ProcessedDir, a.logger, a.metrics)
}

func (a *app) snapshotPath() string {
	return filepath.Join(a.cfg.Pipeline.RawDir, SampleSnapshotFile)
}

// pipeline builds a PipelineService. With external set, the configured
// PostgreSQL, InfluxDB and Kafka integrations are connected as well.
func (a *app) pipeline(ctx context.Context, c collector.Collector, external bool) (*services.PipelineService, error) {
	cleaningOpts, err := a.cleaningOptions()
	if err != nil {
		return nil, err
	}

	opts := services.PipelineOptions{
		Collector: c,
		Cleaning:  cleaningOpts,
		Adapter:   a.adapter(),
	}

	if external {
		if err := a.connectExternal(ctx, &opts); err != nil {
			return nil, err
		}
	}

	return services.NewPipelineService(opts, a.logger, a.metrics), nil
}

func (a *app) connectExternal(ctx context.Context, opts *services.PipelineOptions) error {
	if db := a.cfg.Database; db.Enabled {
		pg, err := database.NewPostgresDB(ctx, database.Config{
			DSN:             db.ConnectionString(),
			Database:        db.Database,
			MaxOpenConns:    db.MaxOpenConns,
			MaxIdleConns:    db.MaxIdleConns,
			ConnMaxLifetime: db.ConnMaxLifetime,
			ConnMaxIdleTime: db.ConnMaxIdleTime,
		}, a.logger, a.metrics)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pg.Close)

		sink := sinks.NewPostgresSink(repository.NewMeasurementRepository(pg, a.logger, a.metrics), a.logger)
		opts.Sinks = append(opts.Sinks, sink)
		opts.Runs = sink
	}

	if influx := a.cfg.Influx; influx.Enabled() {
		sink := sinks.NewInfluxSink(influx.URL, influx.Token, influx.Org, influx.Bucket, a.logger)
		a.closers = append(a.closers, func() error { sink.Close(); return nil })
		opts.Sinks = append(opts.Sinks, sink)
	}

	if kafka := a.cfg.Kafka; kafka.Enabled() {
		publisher := events.NewPublisher(kafka.Brokers, kafka.TopicRuns)
		a.closers = append(a.closers, publisher.Close)
		opts.Publisher = publisher
	}

	a.logger.Info(ctx, "[PIPELINE_WIRING] External integrations configured", logging.Fields{
		"sinks":     len(opts.Sinks),
		"run_store": opts.Runs != nil,
		"events":    opts.Publisher != nil,
	})
	return nil
}
