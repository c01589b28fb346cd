package models

import (
	"database/sql"
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

type Station struct {
	StationID string  `yaml:"id"`
	Name      string  `yaml:"name"`
	Region    string  `yaml:"region"`
	Latitude  float64 `yaml:"lat"`
	Longitude float64 `yaml:"lon"`
	Elevation float64 `yaml:"elevation"`
	Active    bool    `yaml:"active"`
}

// HasCoordinates reports whether the station can be queried by position.
func (s Station) HasCoordinates() bool {
	return s.Latitude != 0 || s.Longitude != 0
}

// Observation is one station's weather snapshot for one calendar hour (UTC).
// At most one row exists per (StationID, Date, Hour).
type Observation struct {
	StationID     string
	Timestamp     time.Time
	Date          string
	Hour          int
	Temperature   sql.NullFloat64 // °C
	Humidity      sql.NullFloat64 // %
	Precipitation sql.NullFloat64 // mm/h
	WindSpeed     sql.NullFloat64 // km/h
	Pressure      sql.NullFloat64 // hPa
	CloudCover    sql.NullFloat64 // %
}

// NewObservation returns an observation keyed on the UTC hour containing ts.
func NewObservation(stationID string, ts time.Time) Observation {
	hour := ts.UTC().Truncate(time.Hour)
	return Observation{
		StationID: stationID,
		Timestamp: hour,
		Date:      hour.Format(DateLayout),
		Hour:      hour.Hour(),
	}
}

// ObservationKey is the deduplication key of an observation.
type ObservationKey struct {
	StationID string
	Date      string
	Hour      int
}

func (k ObservationKey) String() string {
	return fmt.Sprintf("%s/%s/%02d", k.StationID, k.Date, k.Hour)
}

func (o Observation) Key() ObservationKey {
	return ObservationKey{StationID: o.StationID, Date: o.Date, Hour: o.Hour}
}

// Complete reports whether all five scored metrics are present.
func (o Observation) Complete() bool {
	return o.Temperature.Valid && o.Humidity.Valid && o.Precipitation.Valid &&
		o.WindSpeed.Valid && o.Pressure.Valid
}

// Float is a shorthand for a valid sql.NullFloat64.
func Float(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// PipelineRun describes one ingestion execution.
type PipelineRun struct {
	RunID         string
	Pipeline      string
	Status        RunStatus
	StationsTotal int
	StationsDone  int
	Succeeded     int
	Failed        int
	Skipped       int
	StartedAt     time.Time
	FinishedAt    sql.NullTime
	ErrorMessage  sql.NullString
}

// StationFailure records why a station did not produce an observation.
type StationFailure struct {
	StationID string
	Attempts  int
	Err       error
}

// RunSummary is returned when a run reaches a terminal state.
type RunSummary struct {
	RunID     string
	Pipeline  string
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Cancelled bool
	Elapsed   time.Duration
	Failures  []StationFailure
}
