package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lox/raindrop/internal/models"
)

// PGStore is the Postgres backend, for deployments where several processes
// share one observation store.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPG(ctx context.Context, databaseURL string, logger *slog.Logger) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PGStore{pool: pool, logger: logger}, nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var pgMigrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS stations (
    station_id TEXT PRIMARY KEY,
    name TEXT,
    region TEXT,
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION,
    elevation DOUBLE PRECISION,
    active BOOLEAN DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS observations (
    station_id TEXT NOT NULL,
    obs_date DATE NOT NULL,
    obs_hour SMALLINT NOT NULL CHECK (obs_hour BETWEEN 0 AND 23),
    observed_at TIMESTAMPTZ NOT NULL,
    temperature DOUBLE PRECISION,
    humidity DOUBLE PRECISION,
    precipitation DOUBLE PRECISION,
    wind_speed DOUBLE PRECISION,
    pressure DOUBLE PRECISION,
    cloud_cover DOUBLE PRECISION,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
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
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    error_message TEXT
);

CREATE TABLE IF NOT EXISTS models (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL,
    trained_at TIMESTAMPTZ NOT NULL,
    accuracy DOUBLE PRECISION NOT NULL,
    samples INTEGER NOT NULL,
    payload BYTEA NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_models_name_trained ON models(name, trained_at);
`,
	},
	{
		Version:     2,
		Description: "Add forecast assessments",
		SQL: `
CREATE TABLE IF NOT EXISTS forecast_assessments (
    station_id TEXT NOT NULL,
    forecast_at TIMESTAMPTZ NOT NULL,
    risk_type TEXT NOT NULL,
    issued_at TIMESTAMPTZ NOT NULL,
    temperature DOUBLE PRECISION,
    humidity DOUBLE PRECISION,
    precipitation DOUBLE PRECISION,
    wind_speed DOUBLE PRECISION,
    pressure DOUBLE PRECISION,
    cloud_cover DOUBLE PRECISION,
    score DOUBLE PRECISION NOT NULL,
    level TEXT NOT NULL,
    factors JSONB NOT NULL,
    classifier_level TEXT,
    classifier_confidence DOUBLE PRECISION,
    PRIMARY KEY (station_id, forecast_at, risk_type)
);

CREATE INDEX IF NOT EXISTS idx_forecast_assessments_time ON forecast_assessments(forecast_at);
`,
	},
}

func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at TIMESTAMPTZ
		)
	`); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	for _, m := range pgMigrations {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if exists {
			continue
		}

		s.logger.Info("applying migration", "version", m.Version, "description", m.Description)

		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, now())`,
				m.Version, m.Description)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (s *PGStore) UpsertStation(ctx context.Context, st models.Station) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stations (station_id, name, region, latitude, longitude, elevation, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (station_id) DO UPDATE SET
			name = EXCLUDED.name,
			region = EXCLUDED.region,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			elevation = EXCLUDED.elevation,
			active = EXCLUDED.active
	`, st.StationID, st.Name, st.Region, st.Latitude, st.Longitude, st.Elevation, st.Active)
	return err
}

func (s *PGStore) ActiveStations(ctx context.Context) ([]models.Station, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT station_id, COALESCE(name, ''), COALESCE(region, ''),
		       COALESCE(latitude, 0), COALESCE(longitude, 0), COALESCE(elevation, 0), active
		FROM stations WHERE active
		ORDER BY station_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stations := make([]models.Station, 0)
	for rows.Next() {
		var st models.Station
		if err := rows.Scan(&st.StationID, &st.Name, &st.Region, &st.Latitude, &st.Longitude, &st.Elevation, &st.Active); err != nil {
			return nil, err
		}
		stations = append(stations, st)
	}
	return stations, rows.Err()
}

func (s *PGStore) UpsertObservation(ctx context.Context, obs models.Observation) error {
	checkKey(obs)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO observations (
			station_id, obs_date, obs_hour, observed_at,
			temperature, humidity, precipitation, wind_speed, pressure, cloud_cover, updated_at
		) VALUES ($1, $2::date, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (station_id, obs_date, obs_hour) DO UPDATE SET
			observed_at = EXCLUDED.observed_at,
			temperature = EXCLUDED.temperature,
			humidity = EXCLUDED.humidity,
			precipitation = EXCLUDED.precipitation,
			wind_speed = EXCLUDED.wind_speed,
			pressure = EXCLUDED.pressure,
			cloud_cover = EXCLUDED.cloud_cover,
			updated_at = EXCLUDED.updated_at
	`, obs.StationID, obs.Date, obs.Hour, obs.Timestamp.UTC(),
		obs.Temperature, obs.Humidity, obs.Precipitation, obs.WindSpeed, obs.Pressure, obs.CloudCover)
	if err != nil {
		return fmt.Errorf("upsert observation %s: %w", obs.Key(), err)
	}
	return nil
}

const pgObservationColumns = `station_id, to_char(obs_date, 'YYYY-MM-DD'), obs_hour, observed_at,
	temperature, humidity, precipitation, wind_speed, pressure, cloud_cover`

func (s *PGStore) QueryWindow(ctx context.Context, stationID string, from, to time.Time) ([]models.Observation, error) {
	return s.queryObservations(ctx, `
		SELECT `+pgObservationColumns+`
		FROM observations
		WHERE station_id = $1 AND observed_at >= $2 AND observed_at < $3
		ORDER BY observed_at
	`, stationID, from.UTC(), to.UTC())
}

func (s *PGStore) QueryLatest(ctx context.Context, stationID string) (*models.Observation, error) {
	obs, err := s.queryObservations(ctx, `
		SELECT `+pgObservationColumns+`
		FROM observations
		WHERE station_id = $1
		ORDER BY observed_at DESC
		LIMIT 1
	`, stationID)
	if err != nil || len(obs) == 0 {
		return nil, err
	}
	return &obs[0], nil
}

func (s *PGStore) QueryRange(ctx context.Context, from, to time.Time) ([]models.Observation, error) {
	return s.queryObservations(ctx, `
		SELECT `+pgObservationColumns+`
		FROM observations
		WHERE observed_at >= $1 AND observed_at < $2
		ORDER BY station_id, observed_at
	`, from.UTC(), to.UTC())
}

func (s *PGStore) queryObservations(ctx context.Context, query string, args ...any) ([]models.Observation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		var o models.Observation
		if err := rows.Scan(&o.StationID, &o.Date, &o.Hour, &o.Timestamp,
			&o.Temperature, &o.Humidity, &o.Precipitation, &o.WindSpeed, &o.Pressure, &o.CloudCover); err != nil {
			return nil, err
		}
		o.Timestamp = o.Timestamp.UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PGStore) StartPipelineRun(ctx context.Context, run models.PipelineRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (run_id, pipeline, status, stations_total, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`, run.RunID, run.Pipeline, string(run.Status), run.StationsTotal, run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("start pipeline run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *PGStore) FinishPipelineRun(ctx context.Context, run models.PipelineRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_runs SET
			status = $1, stations_done = $2, succeeded = $3, failed = $4, skipped = $5,
			finished_at = $6, error_message = $7
		WHERE run_id = $8
	`, string(run.Status), run.StationsDone, run.Succeeded, run.Failed, run.Skipped,
		run.FinishedAt, run.ErrorMessage, run.RunID)
	if err != nil {
		return fmt.Errorf("finish pipeline run %s: %w", run.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish pipeline run %s: no such run", run.RunID)
	}
	return nil
}

func (s *PGStore) RecentPipelineRuns(ctx context.Context, pipeline string, limit int) ([]models.PipelineRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, pipeline, status, stations_total, stations_done,
		       succeeded, failed, skipped, started_at, finished_at, error_message
		FROM pipeline_runs
		WHERE $1 = '' OR pipeline = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, pipeline, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.PipelineRun
	for rows.Next() {
		var r models.PipelineRun
		var status string
		if err := rows.Scan(&r.RunID, &r.Pipeline, &status, &r.StationsTotal, &r.StationsDone,
			&r.Succeeded, &r.Failed, &r.Skipped, &r.StartedAt, &r.FinishedAt, &r.ErrorMessage); err != nil {
			return nil, err
		}
		r.Status = models.RunStatus(status)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PGStore) SaveModel(ctx context.Context, a ModelArtifact) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO models (name, trained_at, accuracy, samples, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, a.Name, a.TrainedAt.UTC(), a.Accuracy, a.Samples, a.Payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save model %s: %w", a.Name, err)
	}
	return id, nil
}

func (s *PGStore) LatestModel(ctx context.Context, name string) (*ModelArtifact, error) {
	var a ModelArtifact
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, trained_at, accuracy, samples, payload
		FROM models
		WHERE name = $1
		ORDER BY trained_at DESC, id DESC
		LIMIT 1
	`, name).Scan(&a.ID, &a.Name, &a.TrainedAt, &a.Accuracy, &a.Samples, &a.Payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PGStore) UpsertForecastAssessments(ctx context.Context, assessments []models.ForecastAssessment) error {
	batch := &pgx.Batch{}
	for _, a := range assessments {
		factors, err := encodeFactors(a.Factors)
		if err != nil {
			return err
		}
		c := a.Conditions
		batch.Queue(`
			INSERT INTO forecast_assessments (
				station_id, forecast_at, risk_type, issued_at,
				temperature, humidity, precipitation, wind_speed, pressure, cloud_cover,
				score, level, factors, classifier_level, classifier_confidence
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14, $15)
			ON CONFLICT (station_id, forecast_at, risk_type) DO UPDATE SET
				issued_at = EXCLUDED.issued_at,
				temperature = EXCLUDED.temperature,
				humidity = EXCLUDED.humidity,
				precipitation = EXCLUDED.precipitation,
				wind_speed = EXCLUDED.wind_speed,
				pressure = EXCLUDED.pressure,
				cloud_cover = EXCLUDED.cloud_cover,
				score = EXCLUDED.score,
				level = EXCLUDED.level,
				factors = EXCLUDED.factors,
				classifier_level = EXCLUDED.classifier_level,
				classifier_confidence = EXCLUDED.classifier_confidence
		`, a.StationID, a.ForecastAt().UTC(), string(a.RiskType), a.IssuedAt.UTC(),
			c.Temperature, c.Humidity, c.Precipitation, c.WindSpeed, c.Pressure, c.CloudCover,
			a.Score, string(a.Level), factors, nullString(string(a.ClassifierLevel)), nullConfidence(a))
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("upsert forecast assessments: %w", err)
	}
	return nil
}

func (s *PGStore) QueryForecast(ctx context.Context, stationID string, from time.Time) ([]models.ForecastAssessment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT station_id, forecast_at, risk_type, issued_at,
			temperature, humidity, precipitation, wind_speed, pressure, cloud_cover,
			score, level, factors::text, classifier_level, classifier_confidence
		FROM forecast_assessments
		WHERE station_id = $1 AND forecast_at >= $2
		ORDER BY forecast_at, risk_type
	`, stationID, from.UTC().Truncate(time.Hour))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ForecastAssessment
	for rows.Next() {
		var (
			a          models.ForecastAssessment
			c          models.Observation
			forecastAt time.Time
			riskType   string
			level      string
			factors    string
			clsLevel   *string
			clsConf    *float64
		)
		if err := rows.Scan(&a.StationID, &forecastAt, &riskType, &a.IssuedAt,
			&c.Temperature, &c.Humidity, &c.Precipitation, &c.WindSpeed, &c.Pressure, &c.CloudCover,
			&a.Score, &level, &factors, &clsLevel, &clsConf); err != nil {
			return nil, err
		}
		if err := fillForecast(&a, c, forecastAt, riskType, level, factors); err != nil {
			return nil, err
		}
		if clsLevel != nil {
			a.ClassifierLevel = models.RiskLevel(*clsLevel)
		}
		if clsConf != nil {
			a.ClassifierConfidence = *clsConf
		}
		a.IssuedAt = a.IssuedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) PruneForecasts(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM forecast_assessments WHERE forecast_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune forecasts: %w", err)
	}
	return tag.RowsAffected(), nil
}
