package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lox/raindrop/internal/models"
)

// UpsertForecastAssessments writes one issue of forecast assessments in a
// single transaction. A row for the same station, hour and risk type is
// replaced by the newer issue.
func (s *Store) UpsertForecastAssessments(ctx context.Context, assessments []models.ForecastAssessment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin forecast upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO forecast_assessments (
			station_id, forecast_at, risk_type, issued_at,
			temperature, humidity, precipitation, wind_speed, pressure, cloud_cover,
			score, level, factors, classifier_level, classifier_confidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id, forecast_at, risk_type) DO UPDATE SET
			issued_at = excluded.issued_at,
			temperature = excluded.temperature,
			humidity = excluded.humidity,
			precipitation = excluded.precipitation,
			wind_speed = excluded.wind_speed,
			pressure = excluded.pressure,
			cloud_cover = excluded.cloud_cover,
			score = excluded.score,
			level = excluded.level,
			factors = excluded.factors,
			classifier_level = excluded.classifier_level,
			classifier_confidence = excluded.classifier_confidence
	`)
	if err != nil {
		return fmt.Errorf("prepare forecast upsert: %w", err)
	}
	defer stmt.Close()

	for _, a := range assessments {
		factors, err := encodeFactors(a.Factors)
		if err != nil {
			return err
		}
		c := a.Conditions
		if _, err := stmt.ExecContext(ctx,
			a.StationID, formatTime(a.ForecastAt()), string(a.RiskType), formatTime(a.IssuedAt),
			c.Temperature, c.Humidity, c.Precipitation, c.WindSpeed, c.Pressure, c.CloudCover,
			a.Score, string(a.Level), factors, nullString(string(a.ClassifierLevel)), nullConfidence(a),
		); err != nil {
			return fmt.Errorf("upsert forecast %s %s %s: %w", a.StationID, a.ForecastAt().Format(time.RFC3339), a.RiskType, err)
		}
	}
	return tx.Commit()
}

// QueryForecast returns a station's forecast assessments from the hour
// containing from on, ordered by hour then risk type.
func (s *Store) QueryForecast(ctx context.Context, stationID string, from time.Time) ([]models.ForecastAssessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT station_id, forecast_at, risk_type, issued_at,
			temperature, humidity, precipitation, wind_speed, pressure, cloud_cover,
			score, level, factors, classifier_level, classifier_confidence
		FROM forecast_assessments
		WHERE station_id = ? AND forecast_at >= ?
		ORDER BY forecast_at ASC, risk_type ASC
	`, stationID, formatTime(from.UTC().Truncate(time.Hour)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ForecastAssessment
	for rows.Next() {
		var (
			a                    models.ForecastAssessment
			c                    models.Observation
			forecastAt, issuedAt string
			riskType, level      string
			factors              string
			clsLevel             sql.NullString
			clsConf              sql.NullFloat64
		)
		if err := rows.Scan(&a.StationID, &forecastAt, &riskType, &issuedAt,
			&c.Temperature, &c.Humidity, &c.Precipitation, &c.WindSpeed, &c.Pressure, &c.CloudCover,
			&a.Score, &level, &factors, &clsLevel, &clsConf); err != nil {
			return nil, err
		}
		at, err := parseTime(forecastAt)
		if err != nil {
			return nil, fmt.Errorf("parse forecast_at %q: %w", forecastAt, err)
		}
		if a.IssuedAt, err = parseTime(issuedAt); err != nil {
			return nil, fmt.Errorf("parse issued_at %q: %w", issuedAt, err)
		}
		if err := fillForecast(&a, c, at, riskType, level, factors); err != nil {
			return nil, err
		}
		a.ClassifierLevel = models.RiskLevel(clsLevel.String)
		a.ClassifierConfidence = clsConf.Float64
		out = append(out, a)
	}
	return out, rows.Err()
}

// PruneForecasts deletes assessments for hours before the given time.
func (s *Store) PruneForecasts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM forecast_assessments WHERE forecast_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune forecasts: %w", err)
	}
	return res.RowsAffected()
}

func fillForecast(a *models.ForecastAssessment, c models.Observation, at time.Time, riskType, level, factors string) error {
	conditions := models.NewObservation(a.StationID, at)
	conditions.Temperature, conditions.Humidity, conditions.Precipitation = c.Temperature, c.Humidity, c.Precipitation
	conditions.WindSpeed, conditions.Pressure, conditions.CloudCover = c.WindSpeed, c.Pressure, c.CloudCover
	a.Conditions = conditions
	a.RiskType = models.RiskType(riskType)
	a.Level = models.RiskLevel(level)
	if err := json.Unmarshal([]byte(factors), &a.Factors); err != nil {
		return fmt.Errorf("decode factors for %s: %w", conditions.Key(), err)
	}
	return nil
}

func encodeFactors(factors []models.Factor) (string, error) {
	if factors == nil {
		factors = []models.Factor{}
	}
	data, err := json.Marshal(factors)
	if err != nil {
		return "", fmt.Errorf("encode factors: %w", err)
	}
	return string(data), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullConfidence is null when no classifier level was attached.
func nullConfidence(a models.ForecastAssessment) sql.NullFloat64 {
	return sql.NullFloat64{Float64: a.ClassifierConfidence, Valid: a.ClassifierLevel != ""}
}
