package risk

import (
	"database/sql"
	"fmt"

	"github.com/lox/raindrop/internal/models"
)

const (
	MetricTemperature   = "temperature"
	MetricHumidity      = "humidity"
	MetricPrecipitation = "precipitation"
	MetricWindSpeed     = "wind_speed"
	MetricPressure      = "pressure"
)

// Metrics are the scored metrics in evaluation order.
var Metrics = []string{MetricPrecipitation, MetricHumidity, MetricWindSpeed, MetricPressure, MetricTemperature}

var units = map[string]string{
	MetricTemperature:   "°C",
	MetricHumidity:      "%",
	MetricPrecipitation: "mm/h",
	MetricWindSpeed:     "km/h",
	MetricPressure:      "hPa",
}

func metricValue(o models.Observation, metric string) sql.NullFloat64 {
	switch metric {
	case MetricTemperature:
		return o.Temperature
	case MetricHumidity:
		return o.Humidity
	case MetricPrecipitation:
		return o.Precipitation
	case MetricWindSpeed:
		return o.WindSpeed
	case MetricPressure:
		return o.Pressure
	}
	return sql.NullFloat64{}
}

// band triggers when the value crosses limit in the rule's direction.
type band struct {
	limit    float64
	strict   bool
	score    float64
	severity models.Severity
	label    string
}

// thresholdRule scores one metric against fixed bands, most severe first.
type thresholdRule struct {
	metric string
	above  bool
	bands  []band
}

func (r thresholdRule) evaluate(v float64) (models.Factor, bool) {
	for _, b := range r.bands {
		var hit bool
		switch {
		case r.above && b.strict:
			hit = v > b.limit
		case r.above:
			hit = v >= b.limit
		case b.strict:
			hit = v < b.limit
		default:
			hit = v <= b.limit
		}
		if hit {
			return models.Factor{
				Metric:       r.metric,
				Message:      fmt.Sprintf("%s: %s %.1f %s", b.label, r.metric, v, units[r.metric]),
				Contribution: b.score,
				Severity:     b.severity,
			}, true
		}
	}
	return models.Factor{}, false
}

// anomalyRule flags a deviation from the baseline mean in the direction that
// raises the risk.
type anomalyRule struct {
	metric       string
	rising       bool
	minDeviation float64
}

const (
	anomalyModerateScore = 45
	anomalyHighScore     = 65
)

var floodThresholds = []thresholdRule{
	{metric: MetricPrecipitation, above: true, bands: []band{
		{limit: 30, score: 95, severity: models.SeverityCritical, label: "torrential rain"},
		{limit: 15, score: 75, severity: models.SeverityHigh, label: "heavy rain"},
		{limit: 5, score: 50, severity: models.SeverityModerate, label: "moderate rain"},
		{limit: 0, strict: true, score: 20, severity: models.SeverityLow, label: "light rain"},
	}},
	{metric: MetricHumidity, above: true, bands: []band{
		{limit: 95, score: 80, severity: models.SeverityCritical, label: "saturated air"},
		{limit: 90, score: 60, severity: models.SeverityHigh, label: "very high humidity"},
	}},
	{metric: MetricWindSpeed, above: true, bands: []band{
		{limit: 60, score: 85, severity: models.SeverityCritical, label: "dangerous wind"},
		{limit: 40, score: 65, severity: models.SeverityHigh, label: "strong wind"},
		{limit: 20, score: 40, severity: models.SeverityModerate, label: "moderate wind"},
	}},
	{metric: MetricPressure, above: false, bands: []band{
		{limit: 1005, score: 80, severity: models.SeverityCritical, label: "very low pressure, storm possible"},
		{limit: 1010, score: 55, severity: models.SeverityHigh, label: "low pressure"},
		{limit: 1013, strict: true, score: 30, severity: models.SeverityModerate, label: "pressure below normal"},
	}},
	{metric: MetricTemperature, above: true, bands: []band{
		{limit: 38, score: 90, severity: models.SeverityCritical, label: "extreme heat"},
		{limit: 35, score: 70, severity: models.SeverityHigh, label: "high temperature"},
		{limit: 32, score: 40, severity: models.SeverityModerate, label: "temperature above normal"},
	}},
}

var droughtThresholds = []thresholdRule{
	{metric: MetricPrecipitation, above: false, bands: []band{
		{limit: 1, strict: true, score: 20, severity: models.SeverityLow, label: "little or no rain"},
	}},
	{metric: MetricHumidity, above: false, bands: []band{
		{limit: 30, strict: true, score: 80, severity: models.SeverityCritical, label: "extremely dry air"},
		{limit: 40, strict: true, score: 60, severity: models.SeverityHigh, label: "very dry air"},
		{limit: 50, strict: true, score: 35, severity: models.SeverityModerate, label: "dry air"},
	}},
	{metric: MetricTemperature, above: true, bands: []band{
		{limit: 38, strict: true, score: 85, severity: models.SeverityCritical, label: "extreme heat"},
		{limit: 35, strict: true, score: 65, severity: models.SeverityHigh, label: "high temperature"},
		{limit: 32, strict: true, score: 35, severity: models.SeverityModerate, label: "warm"},
	}},
	{metric: MetricPressure, above: true, bands: []band{
		{limit: 1020, strict: true, score: 50, severity: models.SeverityModerate, label: "persistent high pressure"},
		{limit: 1015, strict: true, score: 30, severity: models.SeverityLow, label: "high pressure"},
	}},
}

var floodAnomalies = []anomalyRule{
	{metric: MetricPrecipitation, rising: true, minDeviation: 2},
	{metric: MetricHumidity, rising: true, minDeviation: 5},
	{metric: MetricWindSpeed, rising: true, minDeviation: 10},
	{metric: MetricPressure, rising: false, minDeviation: 3},
	{metric: MetricTemperature, rising: true, minDeviation: 5},
}

var droughtAnomalies = []anomalyRule{
	{metric: MetricPrecipitation, rising: false, minDeviation: 1},
	{metric: MetricHumidity, rising: false, minDeviation: 10},
	{metric: MetricTemperature, rising: true, minDeviation: 3},
	{metric: MetricPressure, rising: true, minDeviation: 3},
}
