package risk

import (
	"math"

	"github.com/lox/raindrop/internal/models"
)

const (
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendStable  = "stable"

	trendReadings  = 3
	trendThreshold = 0.5
)

// Trends compares the first and last of the newest three readings of each
// metric. window is oldest first. Fewer than three observations yield no
// trends.
func Trends(window []models.Observation) map[string]models.Trend {
	if len(window) < trendReadings {
		return nil
	}
	recent := window[len(window)-trendReadings:]

	trends := make(map[string]models.Trend)
	for _, metric := range Metrics {
		var values []float64
		for _, o := range recent {
			if v := metricValue(o, metric); v.Valid {
				values = append(values, v.Float64)
			}
		}
		if len(values) < 2 {
			continue
		}

		change := values[len(values)-1] - values[0]
		direction := TrendStable
		if math.Abs(change) > trendThreshold {
			direction = TrendRising
			if change < 0 {
				direction = TrendFalling
			}
		}
		trends[metric] = models.Trend{
			Direction: direction,
			Change:    math.Round(change*100) / 100,
			Recent:    values,
		}
	}
	return trends
}

var levelAdvice = map[models.RiskLevel][]string{
	models.LevelCritico:  {"CRITICAL ALERT: dangerous weather conditions", "Avoid outdoor activities", "Follow official alerts"},
	models.LevelAlto:     {"Caution: adverse weather conditions", "Limit outdoor activities"},
	models.LevelModerado: {"Attention: monitor weather conditions"},
	models.LevelBajo:     {"Normal conditions"},
}

var factorAdvice = map[models.RiskType]map[string]string{
	models.RiskFlood: {
		MetricPrecipitation: "Flood risk: stay away from low-lying areas",
		MetricHumidity:      "Saturated air: heavy rain likely",
		MetricWindSpeed:     "Strong winds: secure loose objects",
		MetricTemperature:   "Extreme temperature: stay hydrated",
		MetricPressure:      "Low pressure: storm may be nearby",
	},
	models.RiskDrought: {
		MetricPrecipitation: "Dry spell: conserve water",
		MetricHumidity:      "Very dry air: elevated fire and crop stress",
		MetricTemperature:   "Extreme temperature: stay hydrated",
		MetricPressure:      "Persistent high pressure: dry weather likely to continue",
	},
}

// Recommendations derives advice from the level, the high and critical
// factors, and rising precipitation or wind trends.
func Recommendations(a models.RiskAssessment) []string {
	recs := append([]string(nil), levelAdvice[a.Level]...)

	seen := make(map[string]bool)
	for _, f := range a.Factors {
		if f.Severity.Rank() < models.SeverityHigh.Rank() || seen[f.Metric] {
			continue
		}
		seen[f.Metric] = true
		if advice, ok := factorAdvice[a.RiskType][f.Metric]; ok {
			recs = append(recs, advice)
		}
	}

	if a.Trends[MetricPrecipitation].Direction == TrendRising {
		recs = append(recs, "Precipitation increasing: prepare for rain")
	}
	if a.Trends[MetricWindSpeed].Direction == TrendRising {
		recs = append(recs, "Wind increasing: take precautions")
	}
	return recs
}
