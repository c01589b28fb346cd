package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/raindrop/internal/models"
)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// OpenSQLite opens the database file at path with WAL journaling and a busy
// timeout so that concurrent writers queue instead of failing.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) UpsertStation(ctx context.Context, st models.Station) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stations (station_id, name, region, latitude, longitude, elevation, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id) DO UPDATE SET
			name = excluded.name,
			region = excluded.region,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			elevation = excluded.elevation,
			active = excluded.active
	`, st.StationID, st.Name, st.Region, st.Latitude, st.Longitude, st.Elevation, st.Active)
	return err
}

func (s *Store) ActiveStations(ctx context.Context) ([]models.Station, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT station_id, name, region, latitude, longitude, elevation, active
		FROM stations WHERE active = TRUE
		ORDER BY station_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stations []models.Station
	for rows.Next() {
		var st models.Station
		var name, region sql.NullString
		var lat, lon, elev sql.NullFloat64
		if err := rows.Scan(&st.StationID, &name, &region, &lat, &lon, &elev, &st.Active); err != nil {
			return nil, err
		}
		st.Name, st.Region = name.String, region.String
		st.Latitude, st.Longitude, st.Elevation = lat.Float64, lon.Float64, elev.Float64
		stations = append(stations, st)
	}
	return stations, rows.Err()
}

// UpsertObservation writes obs keyed on (station_id, date, hour). A single
// statement replaces every column, so concurrent writers to the same key
// leave exactly one writer's row behind.
func (s *Store) UpsertObservation(ctx context.Context, obs models.Observation) error {
	checkKey(obs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (
			station_id, obs_date, obs_hour, observed_at,
			temperature, humidity, precipitation, wind_speed, pressure, cloud_cover,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id, obs_date, obs_hour) DO UPDATE SET
			observed_at = excluded.observed_at,
			temperature = excluded.temperature,
			humidity = excluded.humidity,
			precipitation = excluded.precipitation,
			wind_speed = excluded.wind_speed,
			pressure = excluded.pressure,
			cloud_cover = excluded.cloud_cover,
			updated_at = excluded.updated_at
	`, obs.StationID, obs.Date, obs.Hour, formatTime(obs.Timestamp),
		obs.Temperature, obs.Humidity, obs.Precipitation, obs.WindSpeed, obs.Pressure, obs.CloudCover,
		formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert observation %s: %w", obs.Key(), err)
	}
	return nil
}

const observationColumns = `station_id, obs_date, obs_hour, observed_at,
	temperature, humidity, precipitation, wind_speed, pressure, cloud_cover`

// QueryWindow returns a station's observations in [from, to), oldest first.
func (s *Store) QueryWindow(ctx context.Context, stationID string, from, to time.Time) ([]models.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+observationColumns+`
		FROM observations
		WHERE station_id = ? AND observed_at >= ? AND observed_at < ?
		ORDER BY observed_at ASC
	`, stationID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservations(rows)
}

// QueryLatest returns the newest observation for a station, or nil if none.
func (s *Store) QueryLatest(ctx context.Context, stationID string) (*models.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+observationColumns+`
		FROM observations
		WHERE station_id = ?
		ORDER BY observed_at DESC
		LIMIT 1
	`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	obs, err := scanObservations(rows)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, nil
	}
	return &obs[0], nil
}

// QueryRange returns every station's observations in [from, to), grouped by
// station and ordered by time within each station.
func (s *Store) QueryRange(ctx context.Context, from, to time.Time) ([]models.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+observationColumns+`
		FROM observations
		WHERE observed_at >= ? AND observed_at < ?
		ORDER BY station_id ASC, observed_at ASC
	`, formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservations(rows)
}

func scanObservations(rows *sql.Rows) ([]models.Observation, error) {
	var out []models.Observation
	for rows.Next() {
		var o models.Observation
		var observedAt string
		if err := rows.Scan(&o.StationID, &o.Date, &o.Hour, &observedAt,
			&o.Temperature, &o.Humidity, &o.Precipitation, &o.WindSpeed, &o.Pressure, &o.CloudCover); err != nil {
			return nil, err
		}
		ts, err := parseTime(observedAt)
		if err != nil {
			return nil, fmt.Errorf("parse observed_at %q: %w", observedAt, err)
		}
		o.Timestamp = ts
		out = append(out, o)
	}
	return out, rows.Err()
}
