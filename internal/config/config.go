package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the complete application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Logging  LoggingConfig
	Pipeline PipelineConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Influx   InfluxConfig
}

// ServerConfig configures the HTTP query API
type ServerConfig struct {
	Host         string
	Port         int           `validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `validate:"gt=0"`
	WriteTimeout time.Duration `validate:"gt=0"`
	IdleTimeout  time.Duration `validate:"gt=0"`
	DatasetPath  string        `validate:"required"`
	CacheTTL     time.Duration
}

// DatabaseConfig configures the optional PostgreSQL sink
type DatabaseConfig struct {
	Enabled         bool
	Host            string `validate:"required_if=Enabled true"`
	Port            int    `validate:"min=1,max=65535"`
	User            string `validate:"required_if=Enabled true"`
	Password        string
	Database        string `validate:"required_if=Enabled true"`
	SSLMode         string `validate:"oneof=disable require verify-ca verify-full"`
	MaxOpenConns    int    `validate:"min=1"`
	MaxIdleConns    int    `validate:"min=0"`
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// ConnectionString returns the lib/pq DSN
func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// LoggingConfig configures the structured logger
type LoggingConfig struct {
	Level string `validate:"oneof=debug info warn warning error"`
}

// PipelineConfig configures collection, cleaning and persistence
type PipelineConfig struct {
	DataDir      string `validate:"required"`
	RawDir       string `validate:"required"`
	ProcessedDir string `validate:"required"`
	InputFile    string
	UseSample    bool
	SampleSeed   int64
	SampleStart  string `validate:"datetime=2006-01-02"`
	SampleDays   int    `validate:"min=1,max=3660"`
	Hemisphere   string `validate:"oneof=southern northern"`
	DedupPolicy  string `validate:"oneof=full-record natural-key"`
	Workers      int    `validate:"min=1,max=256"`
	Schedule     string
}

// RedisConfig configures the optional query cache
type RedisConfig struct {
	Addr     string
	Password string
	DB       int `validate:"min=0"`
}

// Enabled reports whether a Redis address was configured
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// KafkaConfig configures the optional run-event publisher
type KafkaConfig struct {
	Brokers   []string
	TopicRuns string `validate:"required_with=Brokers"`
}

// Enabled reports whether brokers were configured
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// InfluxConfig configures the optional time-series sink
type InfluxConfig struct {
	URL    string
	Token  string `validate:"required_with=URL"`
	Org    string `validate:"required_with=URL"`
	Bucket string `validate:"required_with=URL"`
}

// Enabled reports whether an InfluxDB URL was configured
func (i InfluxConfig) Enabled() bool {
	return i.URL != ""
}

// LoadConfig reads configuration from the environment.
// A .env file in the working directory is loaded first when present.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	dataDir := getEnv("PIPELINE_DATA_DIR", "./data")
	processedDir := getEnv("PIPELINE_PROCESSED_DIR", filepath.Join(dataDir, "processed"))

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			DatasetPath:  getEnv("SERVER_DATASET_PATH", filepath.Join(processedDir, "final_dataset.parquet")),
			CacheTTL:     getEnvAsDuration("SERVER_CACHE_TTL", 10*time.Minute),
		},
		Database: DatabaseConfig{
			Enabled:         getEnvAsBool("DB_ENABLED", false),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "airquality"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "airquality"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		Logging: LoggingConfig{
			Level: strings.ToLower(getEnv("LOG_LEVEL", "info")),
		},
		Pipeline: PipelineConfig{
			DataDir:      dataDir,
			RawDir:       getEnv("PIPELINE_RAW_DIR", filepath.Join(dataDir, "raw")),
			ProcessedDir: processedDir,
			InputFile:    getEnv("PIPELINE_INPUT_FILE", ""),
			UseSample:    getEnvAsBool("PIPELINE_USE_SAMPLE", true),
			SampleSeed:   getEnvAsInt64("PIPELINE_SAMPLE_SEED", 42),
			SampleStart:  getEnv("PIPELINE_SAMPLE_START", "2020-01-01"),
			SampleDays:   getEnvAsInt("PIPELINE_SAMPLE_DAYS", 180),
			Hemisphere:   strings.ToLower(getEnv("PIPELINE_HEMISPHERE", "southern")),
			DedupPolicy:  strings.ToLower(getEnv("PIPELINE_DEDUP_POLICY", "full-record")),
			Workers:      getEnvAsInt("PIPELINE_WORKERS", 4),
			Schedule:     getEnv("PIPELINE_SCHEDULE", "@daily"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:   splitList(getEnv("KAFKA_BROKERS", "")),
			TopicRuns: getEnv("KAFKA_TOPIC_RUNS", "airquality.pipeline.runs"),
		},
		Influx: InfluxConfig{
			URL:    getEnv("INFLUXDB_URL", ""),
			Token:  getEnv("INFLUXDB_TOKEN", ""),
			Org:    getEnv("INFLUXDB_ORG", "airquality"),
			Bucket: getEnv("INFLUXDB_BUCKET", "measurements"),
		},
	}

	return cfg, nil
}

// Validate checks the configuration against its struct constraints
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
