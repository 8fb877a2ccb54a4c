package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "southern", cfg.Pipeline.Hemisphere)
	assert.Equal(t, "full-record", cfg.Pipeline.DedupPolicy)
	assert.Equal(t, int64(42), cfg.Pipeline.SampleSeed)
	assert.Equal(t, 180, cfg.Pipeline.SampleDays)
	assert.True(t, cfg.Pipeline.UseSample)
	assert.Equal(t, filepath.Join("data", "processed"), filepath.Clean(cfg.Pipeline.ProcessedDir))
	assert.Equal(t, filepath.Join("data", "processed", "final_dataset.parquet"), filepath.Clean(cfg.Server.DatasetPath))
	assert.False(t, cfg.Database.Enabled)
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.Kafka.Enabled())
	assert.False(t, cfg.Influx.Enabled())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("PIPELINE_DATA_DIR", "/srv/aq")
	t.Setenv("PIPELINE_HEMISPHERE", "Northern")
	t.Setenv("PIPELINE_SAMPLE_SEED", "7")
	t.Setenv("PIPELINE_WORKERS", "8")
	t.Setenv("SERVER_READ_TIMEOUT", "3s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("DB_ENABLED", "true")
	t.Setenv("DB_PORT", "not-a-number")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "northern", cfg.Pipeline.Hemisphere)
	assert.Equal(t, int64(7), cfg.Pipeline.SampleSeed)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, filepath.Join("/srv/aq", "raw"), cfg.Pipeline.RawDir)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, 5432, cfg.Database.Port, "invalid integers fall back to the default")
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad hemisphere", func(c *Config) { c.Pipeline.Hemisphere = "equator" }},
		{"bad dedup policy", func(c *Config) { c.Pipeline.DedupPolicy = "fuzzy" }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"bad sample start", func(c *Config) { c.Pipeline.SampleStart = "01/01/2020" }},
		{"db enabled without host", func(c *Config) {
			c.Database.Enabled = true
			c.Database.Host = ""
		}},
		{"influx without token", func(c *Config) {
			c.Influx.URL = "http://localhost:8086"
			c.Influx.Token = ""
		}},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig()
			require.NoError(t, err)

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", Database: "aq", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=aq sslmode=disable", d.ConnectionString())
}
