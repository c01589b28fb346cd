package classifier

import (
	"sort"
	"time"

	"github.com/lox/raindrop/internal/models"
)

// FeatureOrder is the fixed layout of a feature vector.
var FeatureOrder = []string{
	"temperature", "humidity", "precipitation", "wind_speed", "pressure",
	"temp_change", "humidity_change", "precip_change", "wind_change", "pressure_change",
}

// Sample is one labelled training example derived from two consecutive
// hourly observations of the same station.
type Sample struct {
	StationID string
	At        time.Time
	Features  []float64
	Label     models.RiskLevel
}

// Labeler assigns the target level to an observation.
type Labeler func(models.Observation) models.RiskLevel

// Features returns the vector for cur given the observation one hour before
// it. ok is false unless both are complete and exactly one hour apart.
func Features(prev, cur models.Observation) (features []float64, ok bool) {
	if prev.StationID != cur.StationID || !prev.Complete() || !cur.Complete() {
		return nil, false
	}
	if cur.Timestamp.Sub(prev.Timestamp) != time.Hour {
		return nil, false
	}
	return []float64{
		cur.Temperature.Float64,
		cur.Humidity.Float64,
		cur.Precipitation.Float64,
		cur.WindSpeed.Float64,
		cur.Pressure.Float64,
		cur.Temperature.Float64 - prev.Temperature.Float64,
		cur.Humidity.Float64 - prev.Humidity.Float64,
		cur.Precipitation.Float64 - prev.Precipitation.Float64,
		cur.WindSpeed.Float64 - prev.WindSpeed.Float64,
		cur.Pressure.Float64 - prev.Pressure.Float64,
	}, true
}

// BuildSamples pairs each observation with its predecessor from the previous
// hour. Gaps and incomplete rows are skipped, never interpolated.
func BuildSamples(observations []models.Observation, label Labeler) []Sample {
	obs := append([]models.Observation(nil), observations...)
	sort.SliceStable(obs, func(i, j int) bool {
		if obs[i].StationID != obs[j].StationID {
			return obs[i].StationID < obs[j].StationID
		}
		return obs[i].Timestamp.Before(obs[j].Timestamp)
	})

	var samples []Sample
	for i := 1; i < len(obs); i++ {
		f, ok := Features(obs[i-1], obs[i])
		if !ok {
			continue
		}
		samples = append(samples, Sample{
			StationID: obs[i].StationID,
			At:        obs[i].Timestamp,
			Features:  f,
			Label:     label(obs[i]),
		})
	}
	return samples
}
