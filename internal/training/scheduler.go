// Package training retrains the risk classifier on a rolling window of
// stored observations and installs the result as the active model.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/raindrop/internal/apperr"
	"github.com/lox/raindrop/internal/classifier"
	"github.com/lox/raindrop/internal/metrics"
	"github.com/lox/raindrop/internal/models"
	"github.com/lox/raindrop/internal/schedule"
	"github.com/lox/raindrop/internal/store"
)

const (
	DefaultModelName  = "risk_level"
	DefaultWindowDays = 7
)

// Store is the persistence the scheduler needs.
type Store interface {
	QueryRange(ctx context.Context, from, to time.Time) ([]models.Observation, error)
	SaveModel(ctx context.Context, a store.ModelArtifact) (int64, error)
	LatestModel(ctx context.Context, name string) (*store.ModelArtifact, error)
}

type Config struct {
	ModelName  string
	WindowDays int
	MinSamples int
	Clock      clockwork.Clock
}

type Result struct {
	Model      *classifier.Model
	Samples    int
	ArtifactID int64
}

type Scheduler struct {
	store      Store
	classifier *classifier.Classifier
	label      classifier.Labeler
	cfg        Config
	logger     *slog.Logger

	mu       sync.Mutex // one training at a time
	requests chan struct{}
}

func NewScheduler(st Store, c *classifier.Classifier, label classifier.Labeler, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.ModelName == "" {
		cfg.ModelName = DefaultModelName
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = DefaultWindowDays
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      st,
		classifier: c,
		label:      label,
		cfg:        cfg,
		logger:     logger,
		requests:   make(chan struct{}, 1),
	}
}

// TrainNow trains on the last windowDays of observations (the configured
// window when zero), persists the model and makes it active. With too few
// samples it returns apperr.ErrInsufficientData and the active model is left
// unchanged.
func (s *Scheduler) TrainNow(ctx context.Context, windowDays int) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if windowDays <= 0 {
		windowDays = s.cfg.WindowDays
	}
	now := s.cfg.Clock.Now().UTC()
	from := now.AddDate(0, 0, -windowDays)
	to := now.Truncate(time.Hour).Add(time.Hour)

	obs, err := s.store.QueryRange(ctx, from, to)
	if err != nil {
		metrics.TrainingRuns.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("load training window: %w", err)
	}

	samples := classifier.BuildSamples(obs, s.label)
	m, err := classifier.Train(samples, classifier.Options{MinSamples: s.cfg.MinSamples, Now: now})
	if errors.Is(err, apperr.ErrInsufficientData) {
		metrics.TrainingRuns.WithLabelValues("skipped").Inc()
		s.logger.Info("skipping training", "reason", err, "observations", len(obs), "window_days", windowDays)
		return Result{Samples: len(samples)}, err
	}
	if err != nil {
		metrics.TrainingRuns.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("train: %w", err)
	}

	payload, err := classifier.Encode(m)
	if err != nil {
		metrics.TrainingRuns.WithLabelValues("error").Inc()
		return Result{}, err
	}
	id, err := s.store.SaveModel(ctx, store.ModelArtifact{
		Name:      s.cfg.ModelName,
		TrainedAt: m.TrainedAt,
		Accuracy:  m.Accuracy,
		Samples:   m.Samples,
		Payload:   payload,
	})
	if err != nil {
		metrics.TrainingRuns.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("persist model: %w", err)
	}

	s.classifier.Swap(m)
	metrics.TrainingRuns.WithLabelValues("trained").Inc()
	metrics.ModelAccuracy.Set(m.Accuracy)
	s.logger.Info("model trained",
		"samples", m.Samples,
		"accuracy", m.Accuracy,
		"classes", m.ClassCounts,
		"artifact_id", id,
	)
	return Result{Model: m, Samples: len(samples), ArtifactID: id}, nil
}

// Trigger requests a training run without waiting for it. Requests made
// while one is already pending are merged.
func (s *Scheduler) Trigger() {
	select {
	case s.requests <- struct{}{}:
	default:
	}
}

// Run serves periodic ticks from trigger (nil for on-demand only) and
// Trigger requests until ctx ends.
func (s *Scheduler) Run(ctx context.Context, trigger schedule.Trigger) {
	if trigger != nil {
		stop := trigger.OnTick(s.Trigger)
		defer stop()
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("training scheduler stopped")
			return
		case <-s.requests:
			if _, err := s.TrainNow(ctx, 0); err != nil && !errors.Is(err, apperr.ErrInsufficientData) {
				s.logger.Error("training failed", "error", err)
			}
		}
	}
}

// RunPending serves a Trigger request that arrived without a Run loop to
// consume it. ran is false when nothing was pending; too little data is not
// an error.
func (s *Scheduler) RunPending(ctx context.Context) (ran bool, err error) {
	select {
	case <-s.requests:
	default:
		return false, nil
	}
	if _, err := s.TrainNow(ctx, 0); err != nil && !errors.Is(err, apperr.ErrInsufficientData) {
		return true, err
	}
	return true, nil
}

// Restore installs the most recently persisted model, if any.
func (s *Scheduler) Restore(ctx context.Context) (bool, error) {
	a, err := s.store.LatestModel(ctx, s.cfg.ModelName)
	if err != nil {
		return false, fmt.Errorf("load model: %w", err)
	}
	if a == nil {
		return false, nil
	}
	m, err := classifier.Decode(a.Payload)
	if err != nil {
		return false, err
	}
	s.classifier.Swap(m)
	metrics.ModelAccuracy.Set(m.Accuracy)
	s.logger.Info("restored model", "trained_at", m.TrainedAt, "accuracy", m.Accuracy)
	return true, nil
}
