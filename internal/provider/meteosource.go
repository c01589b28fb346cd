package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"

	"github.com/lox/raindrop/internal/apperr"
	"github.com/lox/raindrop/internal/httputil"
	"github.com/lox/raindrop/internal/metrics"
	"github.com/lox/raindrop/internal/models"
)

const (
	MeteosourceName       = "meteosource"
	DefaultMeteosourceURL = "https://www.meteosource.com/api/v1/free/point"

	// ForecastHours caps a forecast at today and tomorrow.
	ForecastHours = 48

	maxBodyBytes       = 1 << 20
	forecastDateLayout = "2006-01-02T15:04:05"
)

// Meteosource fetches current conditions and hourly forecasts from the
// Meteosource point API.
type Meteosource struct {
	baseURL string
	apiKey  string
	client  *http.Client
	clock   clockwork.Clock
}

type MeteosourceConfig struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
	Clock   clockwork.Clock
}

func NewMeteosource(cfg MeteosourceConfig) *Meteosource {
	m := &Meteosource{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  cfg.Client,
		clock:   cfg.Clock,
	}
	if m.baseURL == "" {
		m.baseURL = DefaultMeteosourceURL
	}
	if m.client == nil {
		m.client = httputil.NewClient(httputil.DefaultTimeout)
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	return m
}

func (m *Meteosource) Fetch(ctx context.Context, station models.Station) (models.Observation, []byte, error) {
	body, err := m.get(ctx, station, "current")
	if err != nil {
		return models.Observation{}, body, err
	}
	obs, err := m.Normalize(station.StationID, body, m.clock.Now())
	if err != nil {
		return models.Observation{}, body, err
	}
	return obs, body, nil
}

// FetchForecast returns the station's hourly forecast from the current hour
// on, at most ForecastHours entries.
func (m *Meteosource) FetchForecast(ctx context.Context, station models.Station) ([]models.Observation, error) {
	body, err := m.get(ctx, station, "hourly")
	if err != nil {
		return nil, err
	}
	return m.NormalizeForecast(station.StationID, body, m.clock.Now())
}

// get calls the point endpoint for the given sections and returns the body
// of a 200 response. Non-200 bodies are returned with the error.
func (m *Meteosource) get(ctx context.Context, station models.Station, sections string) ([]byte, error) {
	if !station.HasCoordinates() {
		return nil, apperr.Permanent(station.StationID, errors.New("station has no coordinates"))
	}

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(station.Latitude, 'f', 4, 64))
	q.Set("lon", strconv.FormatFloat(station.Longitude, 'f', 4, 64))
	q.Set("sections", sections)
	q.Set("timezone", "UTC")
	q.Set("units", "metric")
	q.Set("key", m.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, apperr.Permanent(station.StationID, fmt.Errorf("build request: %w", err))
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	metrics.ProviderLatency.WithLabelValues(MeteosourceName).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(MeteosourceName, "error").Inc()
		return nil, apperr.Transient(station.StationID, fmt.Errorf("fetch %s: %w", sections, err))
	}
	defer resp.Body.Close()

	metrics.ProviderCallsTotal.WithLabelValues(MeteosourceName, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperr.Transient(station.StationID, fmt.Errorf("read body: %w", err))
	}
	if err := classifyStatus(station.StationID, resp.StatusCode, body); err != nil {
		return body, err
	}
	return body, nil
}

func classifyStatus(stationID string, status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests, status >= 500:
		return apperr.Transient(stationID, fmt.Errorf("status %d", status))
	default:
		msg := gjson.GetBytes(body, "detail").String()
		if msg == "" {
			return apperr.Permanent(stationID, fmt.Errorf("status %d", status))
		}
		return apperr.Permanent(stationID, fmt.Errorf("status %d: %s", status, msg))
	}
}

// Normalize maps a Meteosource "current" section onto an Observation for the
// hour containing now. An unreadable body is transient; implausible values
// are permanent.
func (m *Meteosource) Normalize(stationID string, raw []byte, now time.Time) (models.Observation, error) {
	if !gjson.ValidBytes(raw) {
		return models.Observation{}, apperr.Transient(stationID, errors.New("malformed payload"))
	}
	current := gjson.GetBytes(raw, "current")
	if !current.IsObject() {
		return models.Observation{}, apperr.Transient(stationID, errors.New("payload has no current section"))
	}

	obs := models.NewObservation(stationID, now)
	obs.Temperature = number(current.Get("temperature"))
	obs.Humidity = number(current.Get("humidity"))
	obs.WindSpeed = number(current.Get("wind.speed"))
	obs.Pressure = number(current.Get("pressure"))
	obs.CloudCover = number(current.Get("cloud_cover"))

	// A present precipitation block without a total means none fell.
	if precip := current.Get("precipitation"); precip.IsObject() {
		obs.Precipitation = number(precip.Get("total"))
		if !obs.Precipitation.Valid {
			obs.Precipitation = models.Float(0)
		}
	}

	if flags := ValidateObservation(obs); len(flags) > 0 {
		return models.Observation{}, apperr.Permanent(stationID, &InvalidPayloadError{Flags: flags})
	}
	return obs, nil
}

// NormalizeForecast maps the "hourly" section onto one Observation per
// forecast hour, starting at the hour containing now. Hours that cannot be
// dated or fail validation are dropped; a payload with no usable hour is
// transient.
func (m *Meteosource) NormalizeForecast(stationID string, raw []byte, now time.Time) ([]models.Observation, error) {
	if !gjson.ValidBytes(raw) {
		return nil, apperr.Transient(stationID, errors.New("malformed payload"))
	}
	hours := gjson.GetBytes(raw, "hourly.data")
	if !hours.IsArray() {
		return nil, apperr.Transient(stationID, errors.New("payload has no hourly section"))
	}

	from := now.UTC().Truncate(time.Hour)
	seen := make(map[time.Time]bool)
	var out []models.Observation
	for _, h := range hours.Array() {
		if len(out) == ForecastHours {
			break
		}
		at, err := time.ParseInLocation(forecastDateLayout, h.Get("date").String(), time.UTC)
		if err != nil || at.Before(from) {
			continue
		}
		obs := models.NewObservation(stationID, at)
		if seen[obs.Timestamp] {
			continue
		}
		obs.Temperature = number(h.Get("temperature"))
		obs.Humidity = number(h.Get("humidity"))
		obs.WindSpeed = number(h.Get("wind.speed"))
		obs.Pressure = number(h.Get("pressure"))
		obs.CloudCover = number(h.Get("cloud_cover.total"))
		if !obs.CloudCover.Valid {
			obs.CloudCover = number(h.Get("cloud_cover"))
		}
		if precip := h.Get("precipitation"); precip.IsObject() {
			obs.Precipitation = number(precip.Get("total"))
			if !obs.Precipitation.Valid {
				obs.Precipitation = models.Float(0)
			}
		}
		if flags := ValidateObservation(obs); len(flags) > 0 {
			continue
		}
		seen[obs.Timestamp] = true
		out = append(out, obs)
	}

	if len(out) == 0 {
		return nil, apperr.Transient(stationID, errors.New("payload has no usable forecast hour"))
	}
	return out, nil
}

func number(r gjson.Result) sql.NullFloat64 {
	if r.Type != gjson.Number {
		return sql.NullFloat64{}
	}
	return models.Float(r.Float())
}
