// Package provider adapts external weather APIs to the pipeline's
// Observation model. Each adapter fetches one station's current conditions
// or hourly forecast and classifies failures as transient or permanent.
package provider

import (
	"context"
	"time"

	"github.com/lox/raindrop/internal/models"
)

// Fetcher retrieves the current observation for a station. The raw provider
// body is returned alongside for archiving; it is nil when no body was read.
type Fetcher interface {
	Fetch(ctx context.Context, station models.Station) (models.Observation, []byte, error)
}

// ForecastFetcher retrieves a station's upcoming hourly forecast, one
// Observation per forecast hour in ascending order.
type ForecastFetcher interface {
	FetchForecast(ctx context.Context, station models.Station) ([]models.Observation, error)
}

// Normalizer turns a raw provider payload into an Observation. now is the
// time the payload was received and determines the observation hour.
type Normalizer interface {
	Normalize(stationID string, raw []byte, now time.Time) (models.Observation, error)
}
