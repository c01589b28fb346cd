package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/raindrop/internal/apperr"
	"github.com/lox/raindrop/internal/models"
)

const maxRunsLimit = 100

func (s *Server) handleAPIStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.store.ActiveStations(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stations)
}

func (s *Server) handleAPIAssessment(w http.ResponseWriter, r *http.Request) {
	stationID := r.URL.Query().Get("station")
	if stationID == "" {
		http.Error(w, "station is required", http.StatusBadRequest)
		return
	}
	riskType, err := riskTypeParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	a, err := s.svc.GetAssessment(r.Context(), stationID, riskType)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAPIAssessments(w http.ResponseWriter, r *http.Request) {
	riskType, err := riskTypeParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	all, err := s.svc.AssessAll(r.Context(), riskType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

// riskTypeParam reads ?type=, defaulting to flood.
func riskTypeParam(r *http.Request) (models.RiskType, error) {
	v := r.URL.Query().Get("type")
	if v == "" {
		return models.RiskFlood, nil
	}
	return models.ParseRiskType(v)
}

type conditionsView struct {
	Temperature   *float64 `json:"temperature"`
	Humidity      *float64 `json:"humidity"`
	Precipitation *float64 `json:"precipitation"`
	WindSpeed     *float64 `json:"wind_speed"`
	Pressure      *float64 `json:"pressure"`
	CloudCover    *float64 `json:"cloud_cover"`
}

type forecastView struct {
	ForecastAt time.Time       `json:"forecast_at"`
	RiskType   string          `json:"risk_type"`
	IssuedAt   time.Time       `json:"issued_at"`
	Conditions conditionsView  `json:"conditions"`
	Score      float64         `json:"score"`
	Level      string          `json:"level"`
	Factors    []models.Factor `json:"factors"`
	// Classifier fields are set on flood hours when a model was active.
	ClassifierLevel      string   `json:"classifier_level,omitempty"`
	ClassifierConfidence *float64 `json:"classifier_confidence,omitempty"`
}

func (s *Server) handleAPIForecast(w http.ResponseWriter, r *http.Request) {
	stationID := r.URL.Query().Get("station")
	if stationID == "" {
		http.Error(w, "station is required", http.StatusBadRequest)
		return
	}
	var filter models.RiskType
	if v := r.URL.Query().Get("type"); v != "" {
		rt, err := models.ParseRiskType(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter = rt
	}

	rows, err := s.svc.Forecast(r.Context(), stationID, s.clock.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]forecastView, 0, len(rows))
	for _, a := range rows {
		if filter != "" && a.RiskType != filter {
			continue
		}
		c := a.Conditions
		v := forecastView{
			ForecastAt: a.ForecastAt(),
			RiskType:   string(a.RiskType),
			IssuedAt:   a.IssuedAt,
			Conditions: conditionsView{
				Temperature:   nullable(c.Temperature),
				Humidity:      nullable(c.Humidity),
				Precipitation: nullable(c.Precipitation),
				WindSpeed:     nullable(c.WindSpeed),
				Pressure:      nullable(c.Pressure),
				CloudCover:    nullable(c.CloudCover),
			},
			Score:           a.Score,
			Level:           string(a.Level),
			Factors:         a.Factors,
			ClassifierLevel: string(a.ClassifierLevel),
		}
		if a.ClassifierLevel != "" {
			conf := a.ClassifierConfidence
			v.ClassifierConfidence = &conf
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

type runView struct {
	RunID         string     `json:"run_id"`
	Pipeline      string     `json:"pipeline"`
	Status        string     `json:"status"`
	StationsTotal int        `json:"stations_total"`
	StationsDone  int        `json:"stations_done"`
	Succeeded     int        `json:"succeeded"`
	Failed        int        `json:"failed"`
	Skipped       int        `json:"skipped"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	Error         string     `json:"error,omitempty"`
}

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.svc.RecentRuns(r.Context(), r.URL.Query().Get("pipeline"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		v := runView{
			RunID:         run.RunID,
			Pipeline:      run.Pipeline,
			Status:        string(run.Status),
			StationsTotal: run.StationsTotal,
			StationsDone:  run.StationsDone,
			Succeeded:     run.Succeeded,
			Failed:        run.Failed,
			Skipped:       run.Skipped,
			StartedAt:     run.StartedAt,
			Error:         run.ErrorMessage.String,
		}
		if run.FinishedAt.Valid {
			t := run.FinishedAt.Time
			v.FinishedAt = &t
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}
