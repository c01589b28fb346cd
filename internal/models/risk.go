package models

import (
	"fmt"
	"time"
)

type RiskType string

const (
	RiskFlood   RiskType = "flood"
	RiskDrought RiskType = "drought"
)

// ParseRiskType accepts "flood" or "drought".
func ParseRiskType(s string) (RiskType, error) {
	switch RiskType(s) {
	case RiskFlood, RiskDrought:
		return RiskType(s), nil
	}
	return "", fmt.Errorf("unknown risk type %q", s)
}

// RiskLevel is one of four ordered severity bands.
type RiskLevel string

const (
	LevelBajo     RiskLevel = "bajo"
	LevelModerado RiskLevel = "moderado"
	LevelAlto     RiskLevel = "alto"
	LevelCritico  RiskLevel = "critico"
)

// Levels lists the bands in ascending order; a level's index is its class id.
var Levels = []RiskLevel{LevelBajo, LevelModerado, LevelAlto, LevelCritico}

// Rank returns the band index (higher = more severe), or -1 if unknown.
func (l RiskLevel) Rank() int {
	for i, lv := range Levels {
		if lv == l {
			return i
		}
	}
	return -1
}

// LevelForScore maps a 0-100 score onto the fixed bands
// {0-29 bajo, 30-59 moderado, 60-79 alto, 80-100 critico}.
func LevelForScore(score float64) RiskLevel {
	switch s := ClampScore(score); {
	case s >= 80:
		return LevelCritico
	case s >= 60:
		return LevelAlto
	case s >= 30:
		return LevelModerado
	default:
		return LevelBajo
	}
}

func ClampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Severity of a single factor, used to break contribution ties.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityModerate:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

type Factor struct {
	Metric       string   `json:"metric"`
	Message      string   `json:"message"`
	Contribution float64  `json:"contribution"`
	Severity     Severity `json:"severity"`
	Anomaly      bool     `json:"anomaly,omitempty"`
}

type Trend struct {
	Direction string    `json:"direction"` // rising, falling, stable
	Change    float64   `json:"change"`
	Recent    []float64 `json:"recent"`
}

// RiskAssessment is derived on demand and never persisted.
type RiskAssessment struct {
	StationID            string           `json:"station_id"`
	RiskType             RiskType         `json:"risk_type"`
	Score                float64          `json:"score"`
	Level                RiskLevel        `json:"level"`
	Factors              []Factor         `json:"factors"`
	ClassifierLevel      RiskLevel        `json:"classifier_level,omitempty"`
	ClassifierConfidence float64          `json:"classifier_confidence"`
	ObservedAt           time.Time        `json:"observed_at"`
	BaselineSize         int              `json:"baseline_size"`
	Trends               map[string]Trend `json:"trends,omitempty"`
	Recommendations      []string         `json:"recommendations,omitempty"`
}

// ForecastAssessment scores one forecast hour of a station. Conditions holds
// the forecast readings keyed on the forecast hour. At most one row exists
// per (StationID, Conditions.Timestamp, RiskType); a newer issue replaces it.
type ForecastAssessment struct {
	StationID            string      `json:"station_id"`
	RiskType             RiskType    `json:"risk_type"`
	IssuedAt             time.Time   `json:"issued_at"`
	Conditions           Observation `json:"-"`
	Score                float64     `json:"score"`
	Level                RiskLevel   `json:"level"`
	Factors              []Factor    `json:"factors"`
	ClassifierLevel      RiskLevel   `json:"classifier_level,omitempty"`
	ClassifierConfidence float64     `json:"classifier_confidence"`
}

// ForecastAt is the hour the assessment is for.
func (f ForecastAssessment) ForecastAt() time.Time {
	return f.Conditions.Timestamp
}
