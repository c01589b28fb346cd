// Package api serves the ops endpoints (liveness, readiness, station
// freshness, Prometheus metrics) and a small read-only JSON API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/raindrop/internal/models"
)

const DefaultStaleAfter = 2 * time.Hour

type Store interface {
	Ping(ctx context.Context) error
	ActiveStations(ctx context.Context) ([]models.Station, error)
	QueryLatest(ctx context.Context, stationID string) (*models.Observation, error)
}

// Service is the part of the pipeline facade the JSON API reads from.
type Service interface {
	GetAssessment(ctx context.Context, stationID string, riskType models.RiskType) (models.RiskAssessment, error)
	AssessAll(ctx context.Context, riskType models.RiskType) ([]models.RiskAssessment, error)
	Forecast(ctx context.Context, stationID string, now time.Time) ([]models.ForecastAssessment, error)
	RecentRuns(ctx context.Context, pipeline string, limit int) ([]models.PipelineRun, error)
}

type Config struct {
	Addr string
	// StaleAfter is how old a station's latest observation may be before
	// /health reports it stale.
	StaleAfter time.Duration
	Clock      clockwork.Clock
}

type Server struct {
	store      Store
	svc        Service
	addr       string
	staleAfter time.Duration
	clock      clockwork.Clock
	logger     *slog.Logger
}

func NewServer(st Store, svc Service, cfg Config, logger *slog.Logger) *Server {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      st,
		svc:        svc,
		addr:       cfg.Addr,
		staleAfter: cfg.StaleAfter,
		clock:      cfg.Clock,
		logger:     logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/stations", s.handleAPIStations)
	mux.HandleFunc("GET /api/assessment", s.handleAPIAssessment)
	mux.HandleFunc("GET /api/assessments", s.handleAPIAssessments)
	mux.HandleFunc("GET /api/forecast", s.handleAPIForecast)
	mux.HandleFunc("GET /api/runs", s.handleAPIRuns)
	return mux
}

// Run serves until ctx ends, then drains connections for up to
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown", "error", err)
		}
	}()

	s.logger.Info("http server starting", "addr", s.addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type HealthStatus struct {
	Status   string          `json:"status"`
	Stations []StationHealth `json:"stations"`
	Errors   []string        `json:"errors,omitempty"`
}

type StationHealth struct {
	StationID  string    `json:"station_id"`
	LastSeen   time.Time `json:"last_seen,omitzero"`
	AgeMinutes int       `json:"age_minutes"`
	Stale      bool      `json:"stale"`
}

// handleHealth reports per-station observation freshness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stations, err := s.store.ActiveStations(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	health := HealthStatus{
		Status:   "ok",
		Stations: make([]StationHealth, 0, len(stations)),
	}
	now := s.clock.Now()

	for _, st := range stations {
		obs, err := s.store.QueryLatest(ctx, st.StationID)
		if err != nil {
			health.Errors = append(health.Errors, st.StationID+": "+err.Error())
			continue
		}

		sh := StationHealth{StationID: st.StationID}
		if obs != nil {
			age := now.Sub(obs.Timestamp)
			sh.LastSeen = obs.Timestamp
			sh.AgeMinutes = int(age.Minutes())
			sh.Stale = age > s.staleAfter
		} else {
			sh.Stale = true
			sh.AgeMinutes = -1
		}

		if sh.Stale {
			health.Status = "degraded"
		}
		health.Stations = append(health.Stations, sh)
	}

	if len(health.Errors) > 0 {
		health.Status = "error"
	}

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("write response", "error", err)
	}
}
