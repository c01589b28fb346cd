package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS stations (
    station_id TEXT PRIMARY KEY,
    name TEXT,
    region TEXT,
    latitude REAL,
    longitude REAL,
    elevation REAL,
    active BOOLEAN DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS observations (
    station_id TEXT NOT NULL,
    obs_date TEXT NOT NULL,
    obs_hour INTEGER NOT NULL CHECK (obs_hour BETWEEN 0 AND 23),
    observed_at TEXT NOT NULL,
    temperature REAL,
    humidity REAL,
    precipitation REAL,
    wind_speed REAL,
    pressure REAL,
    cloud_cover REAL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (station_id, obs_date, obs_hour)
);

CREATE INDEX IF NOT EXISTS idx_observations_station_time ON observations(station_id, observed_at);
CREATE INDEX IF NOT EXISTS idx_observations_time ON observations(observed_at);

CREATE TABLE IF NOT EXISTS pipeline_runs (
    run_id TEXT PRIMARY KEY,
    pipeline TEXT NOT NULL,
    status TEXT NOT NULL,
    stations_total INTEGER NOT NULL DEFAULT 0,
    stations_done INTEGER NOT NULL DEFAULT 0,
    succeeded INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs(pipeline, started_at);
`,
	},
	{
		Version:     2,
		Description: "Add classifier model artifacts",
		SQL: `
CREATE TABLE IF NOT EXISTS models (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    trained_at TEXT NOT NULL,
    accuracy REAL NOT NULL,
    samples INTEGER NOT NULL,
    payload BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_models_name_trained ON models(name, trained_at);
`,
	},
	{
		Version:     3,
		Description: "Add raw payload archive",
		SQL: `
CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT,
    fetched_at TEXT NOT NULL,
    source TEXT NOT NULL,
    station_id TEXT,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE,
    schema_version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_raw_payloads_station ON raw_payloads(station_id, fetched_at);
`,
	},
	{
		Version:     4,
		Description: "Add forecast assessments",
		SQL: `
CREATE TABLE IF NOT EXISTS forecast_assessments (
    station_id TEXT NOT NULL,
    forecast_at TEXT NOT NULL,
    risk_type TEXT NOT NULL,
    issued_at TEXT NOT NULL,
    temperature REAL,
    humidity REAL,
    precipitation REAL,
    wind_speed REAL,
    pressure REAL,
    cloud_cover REAL,
    score REAL NOT NULL,
    level TEXT NOT NULL,
    factors TEXT NOT NULL,
    classifier_level TEXT,
    classifier_confidence REAL,
    PRIMARY KEY (station_id, forecast_at, risk_type)
);

CREATE INDEX IF NOT EXISTS idx_forecast_assessments_time ON forecast_assessments(forecast_at);
`,
	},
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, formatTime(time.Now()),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at TEXT
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
