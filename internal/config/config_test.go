package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no .env

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "data/raindrop.db", cfg.DBPath)
	assert.Equal(t, "hourly", cfg.PipelineName)
	assert.Equal(t, 4, cfg.IngestConcurrency)
	assert.Equal(t, 3, cfg.IngestMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.RateMinDelay)
	assert.Equal(t, 400, cfg.RateDailyQuota)
	assert.Equal(t, "0 * * * *", cfg.IngestSchedule)
	assert.Equal(t, "0 2 * * *", cfg.TrainSchedule)
	assert.Equal(t, 7, cfg.TrainLookbackDays)
	assert.Equal(t, 50, cfg.TrainMinSamples)
	assert.Equal(t, 24, cfg.BaselineHours)
	assert.Equal(t, "0 0,6,12,18 * * *", cfg.ForecastSchedule)
	assert.Equal(t, 5, cfg.ForecastMaxFailures)
	assert.True(t, cfg.ForecastEnabled())
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.KafkaEnabled())
	assert.False(t, cfg.ArchivePayloads)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/raindrop")
	t.Setenv("INGEST_CONCURRENCY", "16")
	t.Setenv("FETCH_TIMEOUT", "5s")
	t.Setenv("RATE_DAILY_QUOTA", "0")
	t.Setenv("KAFKA_BROKERS", "broker1:9092, broker2:9092")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("FORECAST_SCHEDULE", "off")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, 16, cfg.IngestConcurrency)
	assert.Equal(t, 5*time.Second, cfg.FetchTimeout)
	assert.Zero(t, cfg.RateDailyQuota)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.KafkaEnabled())
	assert.Equal(t, "text", cfg.LogFormat)
	assert.False(t, cfg.ForecastEnabled())
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PIPELINE_NAME=nightly\n"), 0o600))
	t.Chdir(dir)
	t.Setenv("PIPELINE_NAME", "")
	os.Unsetenv("PIPELINE_NAME")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "nightly", cfg.PipelineName)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}},
		{"postgres without url", map[string]string{"DB_DRIVER": "postgres"}},
		{"postgres with archive", map[string]string{"DB_DRIVER": "postgres", "DATABASE_URL": "postgres://x", "ARCHIVE_PAYLOADS": "true"}},
		{"bad int", map[string]string{"INGEST_CONCURRENCY": "many"}},
		{"zero concurrency", map[string]string{"INGEST_CONCURRENCY": "0"}},
		{"zero attempts", map[string]string{"INGEST_MAX_ATTEMPTS": "0"}},
		{"bad duration", map[string]string{"FETCH_TIMEOUT": "soon"}},
		{"negative quota", map[string]string{"RATE_DAILY_QUOTA": "-1"}},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}},
		{"zero forecast failures", map[string]string{"FORECAST_MAX_FAILURES": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadStations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stations:
  - id: PA-001
    name: Ciudad de Panamá
    region: Panamá
    lat: 8.9824
    lon: -79.5199
    elevation: 10
    active: true
  - id: PA-002
    name: David
    region: Chiriquí
    lat: 8.4273
    lon: -82.4309
    active: false
`), 0o600))

	stations, err := LoadStations(path)
	require.NoError(t, err)
	require.Len(t, stations, 2)
	assert.Equal(t, "PA-001", stations[0].StationID)
	assert.InDelta(t, -79.5199, stations[0].Longitude, 1e-9)
	assert.True(t, stations[0].Active)
	assert.False(t, stations[1].Active)
}

func TestLoadStations_Invalid(t *testing.T) {
	for name, body := range map[string]string{
		"missing id":     "stations:\n  - name: x\n    lat: 1\n    lon: 1\n",
		"no coordinates": "stations:\n  - id: A\n",
		"duplicate":      "stations:\n  - {id: A, lat: 1, lon: 1}\n  - {id: A, lat: 2, lon: 2}\n",
		"not yaml":       "stations: [",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "stations.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := LoadStations(path)
			assert.Error(t, err)
		})
	}
}
