package provider

import (
	"fmt"
	"strings"

	"github.com/lox/raindrop/internal/models"
)

const (
	FlagTempOutOfRange     = "temp_out_of_range"
	FlagHumidityInvalid    = "humidity_invalid"
	FlagCloudCoverInvalid  = "cloud_cover_invalid"
	FlagWindSpeedUnlikely  = "wind_speed_unlikely"
	FlagPressureOutOfRange = "pressure_out_of_range"
	FlagPrecipNegative     = "precip_negative"
)

// ValidateObservation returns the quality flags raised by obs. Missing
// metrics are not flagged.
func ValidateObservation(obs models.Observation) []string {
	var flags []string

	if obs.Temperature.Valid {
		if obs.Temperature.Float64 < -20 || obs.Temperature.Float64 > 60 {
			flags = append(flags, FlagTempOutOfRange)
		}
	}

	if obs.Humidity.Valid {
		if obs.Humidity.Float64 < 0 || obs.Humidity.Float64 > 100 {
			flags = append(flags, FlagHumidityInvalid)
		}
	}

	if obs.CloudCover.Valid {
		if obs.CloudCover.Float64 < 0 || obs.CloudCover.Float64 > 100 {
			flags = append(flags, FlagCloudCoverInvalid)
		}
	}

	if obs.WindSpeed.Valid {
		if obs.WindSpeed.Float64 < 0 || obs.WindSpeed.Float64 > 200 {
			flags = append(flags, FlagWindSpeedUnlikely)
		}
	}

	if obs.Pressure.Valid {
		if obs.Pressure.Float64 < 850 || obs.Pressure.Float64 > 1100 {
			flags = append(flags, FlagPressureOutOfRange)
		}
	}

	if obs.Precipitation.Valid && obs.Precipitation.Float64 < 0 {
		flags = append(flags, FlagPrecipNegative)
	}

	return flags
}

// InvalidPayloadError is returned when a well-formed payload carries
// physically implausible values.
type InvalidPayloadError struct {
	Flags []string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid payload: %s", strings.Join(e.Flags, ","))
}
