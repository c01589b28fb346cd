package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v3"

	"github.com/lox/raindrop/internal/models"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds runtime settings, populated from environment variables.
type Config struct {
	DBDriver    string
	DBPath      string
	DatabaseURL string

	MeteosourceAPIKey string
	MeteosourceURL    string
	StationsFile      string
	PipelineName      string

	IngestConcurrency int
	IngestMaxAttempts int
	FetchTimeout      time.Duration
	RateMinDelay      time.Duration
	RateDailyQuota    int
	IngestSchedule    string
	ArchivePayloads   bool

	TrainSchedule     string
	TrainLookbackDays int
	TrainMinSamples   int
	BaselineHours     int

	// ForecastSchedule is the cron spec for forecast scoring; "off"
	// disables it.
	ForecastSchedule    string
	ForecastMaxFailures int

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	KafkaBrokers       []string
	KafkaProgressTopic string
}

// Load reads configuration from the environment (and .env when present),
// applying defaults where unset.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		DBDriver:           envOrDefault("DB_DRIVER", DriverSQLite),
		DBPath:             envOrDefault("DB_PATH", "data/raindrop.db"),
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		MeteosourceAPIKey:  strings.TrimSpace(os.Getenv("METEOSOURCE_API_KEY")),
		MeteosourceURL:     strings.TrimSpace(os.Getenv("METEOSOURCE_URL")),
		StationsFile:       strings.TrimSpace(os.Getenv("STATIONS_FILE")),
		PipelineName:       envOrDefault("PIPELINE_NAME", "hourly"),
		IngestSchedule:     envOrDefault("INGEST_SCHEDULE", "0 * * * *"),
		TrainSchedule:      envOrDefault("TRAIN_SCHEDULE", "0 2 * * *"),
		ForecastSchedule:   envOrDefault("FORECAST_SCHEDULE", "0 0,6,12,18 * * *"),
		HTTPAddr:           envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("LOG_FORMAT", "json"),
		KafkaBrokers:       parseList(os.Getenv("KAFKA_BROKERS")),
		KafkaProgressTopic: envOrDefault("KAFKA_PROGRESS_TOPIC", "raindrop-progress"),
	}

	var err error
	if cfg.IngestConcurrency, err = intVar("INGEST_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if cfg.IngestMaxAttempts, err = intVar("INGEST_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.RateDailyQuota, err = intVar("RATE_DAILY_QUOTA", 400); err != nil {
		return nil, err
	}
	if cfg.TrainLookbackDays, err = intVar("TRAIN_LOOKBACK_DAYS", 7); err != nil {
		return nil, err
	}
	if cfg.TrainMinSamples, err = intVar("TRAIN_MIN_SAMPLES", 50); err != nil {
		return nil, err
	}
	if cfg.BaselineHours, err = intVar("BASELINE_HOURS", 24); err != nil {
		return nil, err
	}
	if cfg.ForecastMaxFailures, err = intVar("FORECAST_MAX_FAILURES", 5); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = durationVar("FETCH_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateMinDelay, err = durationVar("RATE_MIN_DELAY", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = durationVar("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	archive := strings.TrimSpace(os.Getenv("ARCHIVE_PAYLOADS"))
	cfg.ArchivePayloads = archive == "1" || strings.EqualFold(archive, "true")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return errors.New("DB_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
		if c.ArchivePayloads {
			return errors.New("ARCHIVE_PAYLOADS is only supported with the sqlite driver")
		}
	default:
		return fmt.Errorf("invalid DB_DRIVER %q", c.DBDriver)
	}

	if c.IngestConcurrency < 1 {
		return errors.New("INGEST_CONCURRENCY must be at least 1")
	}
	if c.IngestMaxAttempts < 1 {
		return errors.New("INGEST_MAX_ATTEMPTS must be at least 1")
	}
	if c.RateDailyQuota < 0 {
		return errors.New("RATE_DAILY_QUOTA must not be negative")
	}
	if c.FetchTimeout <= 0 {
		return errors.New("FETCH_TIMEOUT must be positive")
	}
	if c.RateMinDelay < 0 {
		return errors.New("RATE_MIN_DELAY must not be negative")
	}
	if c.TrainLookbackDays < 1 {
		return errors.New("TRAIN_LOOKBACK_DAYS must be at least 1")
	}
	if c.TrainMinSamples < 1 {
		return errors.New("TRAIN_MIN_SAMPLES must be at least 1")
	}
	if c.BaselineHours < 1 {
		return errors.New("BASELINE_HOURS must be at least 1")
	}
	if c.ForecastMaxFailures < 1 {
		return errors.New("FORECAST_MAX_FAILURES must be at least 1")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

// ForecastEnabled reports whether serve scores forecasts on a schedule.
func (c *Config) ForecastEnabled() bool {
	return !strings.EqualFold(c.ForecastSchedule, "off")
}

// KafkaEnabled reports whether progress events should be forwarded to Kafka.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

type stationsFile struct {
	Stations []models.Station `yaml:"stations"`
}

// LoadStations reads the station seed file. Every station needs an id and
// coordinates.
func LoadStations(path string) ([]models.Station, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stations: %w", err)
	}

	var f stationsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse stations %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Stations))
	for i, st := range f.Stations {
		if st.StationID == "" {
			return nil, fmt.Errorf("station %d in %s has no id", i, path)
		}
		if seen[st.StationID] {
			return nil, fmt.Errorf("duplicate station %s in %s", st.StationID, path)
		}
		seen[st.StationID] = true
		if !st.HasCoordinates() {
			return nil, fmt.Errorf("station %s has no coordinates", st.StationID)
		}
	}
	return f.Stations, nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intVar(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationVar(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
