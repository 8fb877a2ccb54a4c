// Package sinks writes cleaned tables to optional external stores
package sinks

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"air-quality-platform/internal/models"
	"air-quality-platform/pkg/logging"
)

// Measurement is the InfluxDB measurement name for cleaned records
const Measurement = "air_quality"

const influxBatchSize = 1000

// InfluxSink writes one point per dated, valued record
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *logging.StructuredLogger
}

// NewInfluxSink connects a blocking writer to org/bucket
func NewInfluxSink(url, token, org, bucket string, logger *logging.StructuredLogger) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		logger:   logger,
	}
}

// Name identifies the sink in logs and metrics
func (s *InfluxSink) Name() string {
	return "influxdb"
}

// WriteTable writes the table in batches. Records without a date or value
// carry no time-series information and are skipped.
func (s *InfluxSink) WriteTable(ctx context.Context, runID string, t *models.Table) error {
	batch := make([]*write.Point, 0, influxBatchSize)
	written, skipped := 0, 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.writeAPI.WritePoint(ctx, batch...); err != nil {
			return fmt.Errorf("failed to write %d points to influxdb: %w", len(batch), err)
		}
		written += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, rec := range t.Records {
		p, ok := toPoint(rec)
		if !ok {
			skipped++
			continue
		}
		batch = append(batch, p)
		if len(batch) == influxBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	s.logger.Info(ctx, "[SINK_INFLUX_COMPLETE] Points written", logging.Fields{
		"run_id":  runID,
		"written": written,
		"skipped": skipped,
	})
	return nil
}

// Close releases the client
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func toPoint(rec models.Record) (*write.Point, bool) {
	if rec.Date == nil || rec.Value == nil || rec.City == nil || rec.Parameter == nil {
		return nil, false
	}

	tags := map[string]string{
		"city":      *rec.City,
		"parameter": *rec.Parameter,
	}
	if rec.Country != nil {
		tags["country"] = *rec.Country
	}
	if rec.Unit != nil {
		tags["unit"] = *rec.Unit
	}

	fields := map[string]interface{}{
		"value": *rec.Value,
	}
	if rec.Latitude != nil {
		fields["latitude"] = *rec.Latitude
	}
	if rec.Longitude != nil {
		fields["longitude"] = *rec.Longitude
	}

	return influxdb2.NewPoint(Measurement, tags, fields, *rec.Date), true
}
