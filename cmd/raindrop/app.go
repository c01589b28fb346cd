package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"

	"github.com/lox/raindrop/internal/classifier"
	"github.com/lox/raindrop/internal/config"
	"github.com/lox/raindrop/internal/forecast"
	"github.com/lox/raindrop/internal/httputil"
	"github.com/lox/raindrop/internal/ingest"
	"github.com/lox/raindrop/internal/logging"
	"github.com/lox/raindrop/internal/pipeline"
	"github.com/lox/raindrop/internal/progress"
	"github.com/lox/raindrop/internal/provider"
	"github.com/lox/raindrop/internal/ratelimit"
	"github.com/lox/raindrop/internal/risk"
	"github.com/lox/raindrop/internal/store"
	"github.com/lox/raindrop/internal/training"
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend store.Backend
	sqlite  *store.Store // nil with the postgres driver

	progress *progress.Broadcaster
	orch     *ingest.Orchestrator
	trainer  *training.Scheduler
	forecast *forecast.Runner
	svc      *pipeline.Service
}

// bootstrap loads config, opens and migrates the store, seeds stations and
// wires the pipeline.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.backend.Migrate(ctx); err != nil {
		a.backend.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := a.seedStations(ctx); err != nil {
		a.backend.Close()
		return nil, err
	}

	a.wire()
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.DBDriver {
	case config.DriverPostgres:
		pg, err := store.NewPG(ctx, a.cfg.DatabaseURL, a.logger)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.backend = pg
	default:
		if dir := filepath.Dir(a.cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err := store.OpenSQLite(a.cfg.DBPath)
		if err != nil {
			return err
		}
		a.sqlite = store.New(db, a.logger)
		a.backend = a.sqlite
	}
	a.logger.Info("store opened", "driver", a.cfg.DBDriver)
	return nil
}

func (a *app) seedStations(ctx context.Context) error {
	if a.cfg.StationsFile == "" {
		return nil
	}
	stations, err := config.LoadStations(a.cfg.StationsFile)
	if err != nil {
		return err
	}
	for _, st := range stations {
		if err := a.backend.UpsertStation(ctx, st); err != nil {
			return fmt.Errorf("upsert station %s: %w", st.StationID, err)
		}
	}
	a.logger.Info("stations seeded", "count", len(stations), "file", a.cfg.StationsFile)
	return nil
}

func (a *app) wire() {
	cfg := a.cfg
	clock := clockwork.NewRealClock()

	limiter := ratelimit.New(ratelimit.Config{
		MinDelay:   cfg.RateMinDelay,
		DailyQuota: cfg.RateDailyQuota,
		Clock:      clock,
	})
	fetcher := provider.NewMeteosource(provider.MeteosourceConfig{
		BaseURL: cfg.MeteosourceURL,
		APIKey:  cfg.MeteosourceAPIKey,
		Client:  httputil.NewClient(cfg.FetchTimeout),
		Clock:   clock,
	})

	a.progress = progress.NewBroadcaster(a.logger, progress.WithClock(clock))
	a.orch = ingest.NewOrchestrator(fetcher, limiter, a.backend, a.progress, ingest.Config{
		Concurrency:  cfg.IngestConcurrency,
		MaxAttempts:  cfg.IngestMaxAttempts,
		FetchTimeout: cfg.FetchTimeout,
		Source:       provider.MeteosourceName,
		Clock:        clock,
	}, a.logger)
	if cfg.ArchivePayloads && a.sqlite != nil {
		a.orch.SetArchiver(a.sqlite)
	}

	engine := risk.NewEngine()
	cls := classifier.New()
	a.trainer = training.NewScheduler(a.backend, cls, engine.Level, training.Config{
		WindowDays: cfg.TrainLookbackDays,
		MinSamples: cfg.TrainMinSamples,
		Clock:      clock,
	}, a.logger)
	a.orch.SetRetrainer(a.trainer)

	a.forecast = forecast.NewRunner(fetcher, limiter, a.backend, engine, cls, forecast.Config{
		BaselineHours:          cfg.BaselineHours,
		MaxAttempts:            cfg.IngestMaxAttempts,
		FetchTimeout:           cfg.FetchTimeout,
		MaxConsecutiveFailures: cfg.ForecastMaxFailures,
		Clock:                  clock,
	}, a.logger.With("component", "forecast"))

	a.svc = pipeline.New(pipeline.Deps{
		Store:         a.backend,
		Orchestrator:  a.orch,
		Progress:      a.progress,
		Engine:        engine,
		Classifier:    cls,
		Trainer:       a.trainer,
		Forecaster:    a.forecast,
		BaselineHours: cfg.BaselineHours,
		Logger:        a.logger,
	})
}

func (a *app) requireAPIKey() error {
	if a.cfg.MeteosourceAPIKey == "" {
		return errors.New("METEOSOURCE_API_KEY is required")
	}
	return nil
}

func (a *app) Close() {
	a.progress.Close()
	if err := a.backend.Close(); err != nil {
		a.logger.Error("close store", "error", err)
	}
}
