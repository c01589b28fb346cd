// Package pipeline is the entry point used by the CLI and any transport: it
// starts runs, streams their progress, assesses stations and retrains the
// classifier.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lox/raindrop/internal/apperr"
	"github.com/lox/raindrop/internal/classifier"
	"github.com/lox/raindrop/internal/forecast"
	"github.com/lox/raindrop/internal/ingest"
	"github.com/lox/raindrop/internal/metrics"
	"github.com/lox/raindrop/internal/models"
	"github.com/lox/raindrop/internal/progress"
	"github.com/lox/raindrop/internal/risk"
	"github.com/lox/raindrop/internal/training"
)

const DefaultBaselineHours = 24

type Store interface {
	ActiveStations(ctx context.Context) ([]models.Station, error)
	QueryLatest(ctx context.Context, stationID string) (*models.Observation, error)
	QueryWindow(ctx context.Context, stationID string, from, to time.Time) ([]models.Observation, error)
	RecentPipelineRuns(ctx context.Context, pipeline string, limit int) ([]models.PipelineRun, error)
	QueryForecast(ctx context.Context, stationID string, from time.Time) ([]models.ForecastAssessment, error)
}

type Deps struct {
	Store        Store
	Orchestrator *ingest.Orchestrator
	Progress     *progress.Broadcaster
	Engine       *risk.Engine
	Classifier   *classifier.Classifier
	Trainer      *training.Scheduler
	Forecaster   *forecast.Runner
	// BaselineHours is how far back before the latest reading the anomaly
	// baseline reaches.
	BaselineHours int
	Logger        *slog.Logger
}

type Service struct {
	store      Store
	orch       *ingest.Orchestrator
	progress   *progress.Broadcaster
	engine     *risk.Engine
	classifier *classifier.Classifier
	trainer    *training.Scheduler
	forecaster *forecast.Runner
	baseline   time.Duration
	logger     *slog.Logger
}

func New(d Deps) *Service {
	if d.BaselineHours <= 0 {
		d.BaselineHours = DefaultBaselineHours
	}
	if d.Engine == nil {
		d.Engine = risk.NewEngine()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		store:      d.Store,
		orch:       d.Orchestrator,
		progress:   d.Progress,
		engine:     d.Engine,
		classifier: d.Classifier,
		trainer:    d.Trainer,
		forecaster: d.Forecaster,
		baseline:   time.Duration(d.BaselineHours) * time.Hour,
		logger:     d.Logger,
	}
}

// StartRun starts the named pipeline over every active station and returns
// the run id without waiting for it.
func (s *Service) StartRun(ctx context.Context, pipelineName string) (string, error) {
	stations, err := s.store.ActiveStations(ctx)
	if err != nil {
		return "", fmt.Errorf("load stations: %w", err)
	}
	return s.orch.StartRun(ctx, pipelineName, stations)
}

// CancelRun stops the pipeline's active run, if any.
func (s *Service) CancelRun(pipelineName string) bool {
	return s.orch.Cancel(pipelineName)
}

// SubscribeProgress streams live events for runID, or for every run when
// runID is empty. Events published before the call are not replayed.
func (s *Service) SubscribeProgress(ctx context.Context, runID string) <-chan progress.Event {
	return s.progress.Subscribe(ctx, runID)
}

func (s *Service) RecentRuns(ctx context.Context, pipelineName string, limit int) ([]models.PipelineRun, error) {
	return s.store.RecentPipelineRuns(ctx, pipelineName, limit)
}

// GetAssessment scores the station's latest observation against the readings
// that precede it. The classifier's level is reported alongside the rule
// score for flood assessments when a model is active and the previous hour's
// reading is available.
func (s *Service) GetAssessment(ctx context.Context, stationID string, riskType models.RiskType) (models.RiskAssessment, error) {
	latest, err := s.store.QueryLatest(ctx, stationID)
	if err != nil {
		return models.RiskAssessment{}, fmt.Errorf("latest observation for %s: %w", stationID, err)
	}
	if latest == nil {
		return models.RiskAssessment{}, fmt.Errorf("station %s: %w", stationID, apperr.ErrNotFound)
	}

	baseline, err := s.store.QueryWindow(ctx, stationID, latest.Timestamp.Add(-s.baseline), latest.Timestamp)
	if err != nil {
		return models.RiskAssessment{}, fmt.Errorf("baseline for %s: %w", stationID, err)
	}

	a := s.engine.Assess(riskType, *latest, baseline)

	if riskType == models.RiskFlood && s.classifier != nil && len(baseline) > 0 {
		level, conf, err := s.classifier.Predict(baseline[len(baseline)-1], *latest)
		switch {
		case err == nil:
			a.ClassifierLevel = level
			a.ClassifierConfidence = conf
		case errors.Is(err, apperr.ErrNoModel), errors.Is(err, apperr.ErrInsufficientData):
		default:
			s.logger.Warn("classifier prediction", "station", stationID, "error", err)
		}
	}

	metrics.AssessmentsTotal.WithLabelValues(string(riskType), string(a.Level)).Inc()
	return a, nil
}

// AssessAll assesses every active station. Stations with no observations
// yet are left out.
func (s *Service) AssessAll(ctx context.Context, riskType models.RiskType) ([]models.RiskAssessment, error) {
	stations, err := s.store.ActiveStations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stations: %w", err)
	}
	out := make([]models.RiskAssessment, 0, len(stations))
	for _, st := range stations {
		a, err := s.GetAssessment(ctx, st.StationID, riskType)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Forecast returns the station's stored forecast assessments from the
// current hour on.
func (s *Service) Forecast(ctx context.Context, stationID string, now time.Time) ([]models.ForecastAssessment, error) {
	return s.store.QueryForecast(ctx, stationID, now)
}

// RunForecast scores every station's forecast now.
func (s *Service) RunForecast(ctx context.Context) (forecast.Summary, error) {
	if s.forecaster == nil {
		return forecast.Summary{}, errors.New("forecast scoring is not configured")
	}
	return s.forecaster.RunOnce(ctx)
}

// TrainNow retrains synchronously on the last windowDays of data.
func (s *Service) TrainNow(ctx context.Context, windowDays int) (training.Result, error) {
	return s.trainer.TrainNow(ctx, windowDays)
}
