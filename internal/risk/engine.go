// Package risk scores an observation against fixed per-metric thresholds and
// against the station's own recent history.
//
// Every triggered rule produces a Factor. The assessment score is the largest
// factor contribution, never a sum.
package risk

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/raindrop/internal/models"
)

type Engine struct {
	thresholds map[models.RiskType][]thresholdRule
	anomalies  map[models.RiskType][]anomalyRule
}

func NewEngine() *Engine {
	return &Engine{
		thresholds: map[models.RiskType][]thresholdRule{
			models.RiskFlood:   floodThresholds,
			models.RiskDrought: droughtThresholds,
		},
		anomalies: map[models.RiskType][]anomalyRule{
			models.RiskFlood:   floodAnomalies,
			models.RiskDrought: droughtAnomalies,
		},
	}
}

// Assess scores current for riskType. baseline is the station's history
// before current, oldest first; it may be empty, in which case only the
// absolute thresholds apply.
func (e *Engine) Assess(riskType models.RiskType, current models.Observation, baseline []models.Observation) models.RiskAssessment {
	var factors []models.Factor

	for _, rule := range e.thresholds[riskType] {
		v := metricValue(current, rule.metric)
		if !v.Valid {
			continue
		}
		if f, ok := rule.evaluate(v.Float64); ok {
			factors = append(factors, f)
		}
	}

	if len(baseline) > 0 {
		for _, rule := range e.anomalies[riskType] {
			if f, ok := evaluateAnomaly(rule, current, baseline); ok {
				factors = append(factors, f)
			}
		}
	}

	sortFactors(factors)

	var score float64
	if len(factors) > 0 {
		score = models.ClampScore(factors[0].Contribution)
	}

	a := models.RiskAssessment{
		StationID:    current.StationID,
		RiskType:     riskType,
		Score:        score,
		Level:        models.LevelForScore(score),
		Factors:      factors,
		ObservedAt:   current.Timestamp,
		BaselineSize: len(baseline),
	}
	if a.Factors == nil {
		a.Factors = []models.Factor{}
	}

	window := make([]models.Observation, 0, len(baseline)+1)
	window = append(window, baseline...)
	window = append(window, current)
	a.Trends = Trends(window)
	a.Recommendations = Recommendations(a)
	return a
}

// Level returns the flood level implied by the absolute thresholds alone.
// It is the labelling function for classifier training data.
func (e *Engine) Level(obs models.Observation) models.RiskLevel {
	return e.Assess(models.RiskFlood, obs, nil).Level
}

// sortFactors orders by contribution, highest first; equal contributions put
// the more severe factor first.
func sortFactors(factors []models.Factor) {
	sort.SliceStable(factors, func(i, j int) bool {
		if factors[i].Contribution != factors[j].Contribution {
			return factors[i].Contribution > factors[j].Contribution
		}
		return factors[i].Severity.Rank() > factors[j].Severity.Rank()
	})
}

func evaluateAnomaly(rule anomalyRule, current models.Observation, baseline []models.Observation) (models.Factor, bool) {
	cur := metricValue(current, rule.metric)
	if !cur.Valid {
		return models.Factor{}, false
	}

	values := make([]float64, 0, len(baseline))
	for _, o := range baseline {
		if v := metricValue(o, rule.metric); v.Valid {
			values = append(values, v.Float64)
		}
	}
	if len(values) == 0 {
		return models.Factor{}, false
	}

	var mean, std float64
	if len(values) == 1 {
		mean = values[0]
	} else {
		mean, std = stat.MeanStdDev(values, nil)
	}

	deviation := cur.Float64 - mean
	if !rule.rising {
		deviation = -deviation
	}
	if deviation < rule.minDeviation {
		return models.Factor{}, false
	}

	var score float64
	var severity models.Severity
	var detail string
	if std == 0 || math.IsNaN(std) {
		switch {
		case deviation >= 2*rule.minDeviation:
			score, severity = anomalyHighScore, models.SeverityHigh
		default:
			score, severity = anomalyModerateScore, models.SeverityModerate
		}
		detail = "flat baseline"
	} else {
		z := deviation / std
		switch {
		case z >= 3:
			score, severity = anomalyHighScore, models.SeverityHigh
		case z >= 2:
			score, severity = anomalyModerateScore, models.SeverityModerate
		default:
			return models.Factor{}, false
		}
		detail = fmt.Sprintf("z=%.1f", z)
	}

	direction := "above"
	if !rule.rising {
		direction = "below"
	}
	return models.Factor{
		Metric: rule.metric,
		Message: fmt.Sprintf("%s %.1f %s is %.1f %s the baseline mean of %.1f (%s, n=%d)",
			rule.metric, cur.Float64, units[rule.metric], deviation, direction, mean, detail, len(values)),
		Contribution: score,
		Severity:     severity,
		Anomaly:      true,
	}, true
}
