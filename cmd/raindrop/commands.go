package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lox/raindrop/internal/api"
	"github.com/lox/raindrop/internal/apperr"
	"github.com/lox/raindrop/internal/ingest"
	"github.com/lox/raindrop/internal/models"
	"github.com/lox/raindrop/internal/progress"
	"github.com/lox/raindrop/internal/schedule"
)

const rawPayloadRetention = 30 * 24 * time.Hour

type ServeCmd struct {
	NoPoll bool `help:"Disable scheduled ingestion and forecast scoring (ops server and training only)."`
}

func (c *ServeCmd) Run(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if !c.NoPoll {
		if err := a.requireAPIKey(); err != nil {
			return err
		}
	}

	ingestTrigger, err := schedule.NewCron(a.cfg.IngestSchedule, a.logger)
	if err != nil {
		return err
	}
	trainTrigger, err := schedule.NewCron(a.cfg.TrainSchedule, a.logger)
	if err != nil {
		return err
	}

	var forecastTrigger *schedule.Cron
	if a.cfg.ForecastEnabled() {
		if forecastTrigger, err = schedule.NewCron(a.cfg.ForecastSchedule, a.logger); err != nil {
			return err
		}
	} else {
		a.logger.Info("forecast scoring disabled")
	}

	if _, err := a.trainer.Restore(ctx); err != nil {
		a.logger.Warn("restore model", "error", err)
	}

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if a.cfg.KafkaEnabled() {
		sink := progress.NewKafkaSink(progress.NewKafkaWriter(a.cfg.KafkaBrokers, a.cfg.KafkaProgressTopic), a.logger)
		run(func() {
			if err := sink.Follow(ctx, a.progress); err != nil {
				a.logger.Error("kafka progress sink", "error", err)
			}
		})
		defer sink.Close()
		a.logger.Info("forwarding progress to kafka", "topic", a.cfg.KafkaProgressTopic)
	}

	if a.sqlite != nil && a.cfg.ArchivePayloads {
		stop := trainTrigger.OnTick(func() {
			cutoff := time.Now().Add(-rawPayloadRetention)
			n, err := a.sqlite.CleanupRawPayloads(ctx, cutoff)
			if err != nil {
				a.logger.Error("cleanup raw payloads", "error", err)
				return
			}
			a.logger.Info("cleaned up raw payloads", "deleted", n, "cutoff", cutoff)
		})
		defer stop()
	}

	run(func() { a.trainer.Run(ctx, trainTrigger) })

	if c.NoPoll {
		a.logger.Info("polling disabled (--no-poll)")
	} else {
		poller := ingest.NewPoller(a.orch, a.backend, a.cfg.PipelineName, a.logger)
		run(func() { poller.Run(ctx, ingestTrigger) })
		if forecastTrigger != nil {
			run(func() { a.forecast.Run(ctx, forecastTrigger) })
		}
	}

	srv := api.NewServer(a.backend, a.svc, api.Config{Addr: a.cfg.HTTPAddr}, a.logger)
	srvErr := srv.Run(ctx, a.cfg.ShutdownTimeout)

	a.logger.Info("shutting down")
	a.orch.Cancel(a.cfg.PipelineName)
	a.orch.Wait(a.cfg.PipelineName)
	wg.Wait()
	a.logger.Info("shutdown complete")
	return srvErr
}

type IngestCmd struct{}

func (c *IngestCmd) Run(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireAPIKey(); err != nil {
		return err
	}

	summary, err := ingest.NewPoller(a.orch, a.backend, a.cfg.PipelineName, a.logger).PollOnce(ctx)
	if err != nil {
		return err
	}
	for _, f := range summary.Failures {
		a.logger.Warn("station failed", "station", f.StationID, "attempts", f.Attempts, "reason", apperr.Reason(f.Err), "error", f.Err)
	}
	if summary.Total > 0 && summary.Succeeded == 0 {
		return errors.New("no station was ingested")
	}
	// A successful run asks for a retrain; nothing else is running to serve it.
	if _, err := a.trainer.RunPending(ctx); err != nil {
		return fmt.Errorf("retrain after ingest: %w", err)
	}
	return nil
}

type TrainCmd struct {
	Days int `help:"Training window in days (defaults to TRAIN_LOOKBACK_DAYS)."`
}

func (c *TrainCmd) Run(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.TrainNow(ctx, c.Days)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"trained_at":          res.Model.TrainedAt,
		"samples":             res.Samples,
		"accuracy":            res.Model.Accuracy,
		"class_counts":        res.Model.ClassCounts,
		"feature_importances": res.Model.FeatureImportances,
		"confusion":           res.Model.Confusion,
		"report":              res.Model.Report,
		"artifact_id":         res.ArtifactID,
	})
}

type AssessCmd struct {
	Station string `arg:"" optional:"" help:"Station id."`
	All     bool   `help:"Assess every active station."`
	Type    string `enum:"flood,drought" default:"flood" help:"Risk type (flood or drought)."`
}

func (c *AssessCmd) Run(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.trainer.Restore(ctx); err != nil {
		a.logger.Warn("restore model", "error", err)
	}
	if c.All {
		all, err := a.svc.AssessAll(ctx, models.RiskType(c.Type))
		if err != nil {
			return err
		}
		return printJSON(all)
	}
	if c.Station == "" {
		return errors.New("a station id or --all is required")
	}
	assessment, err := a.svc.GetAssessment(ctx, c.Station, models.RiskType(c.Type))
	if err != nil {
		return err
	}
	return printJSON(assessment)
}

type ForecastCmd struct {
	Show string `help:"Print the stored forecast of this station instead of scoring." placeholder:"STATION"`
}

func (c *ForecastCmd) Run(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if c.Show != "" {
		rows, err := a.svc.Forecast(ctx, c.Show, time.Now())
		if err != nil {
			return err
		}
		return printJSON(rows)
	}

	if err := a.requireAPIKey(); err != nil {
		return err
	}
	if _, err := a.trainer.Restore(ctx); err != nil {
		a.logger.Warn("restore model", "error", err)
	}
	summary, err := a.svc.RunForecast(ctx)
	if err != nil {
		return err
	}
	if summary.Stations > 0 && summary.Succeeded == 0 {
		return errors.New("no station forecast was scored")
	}
	return printJSON(summary)
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.sqlite != nil {
		v, err := a.sqlite.MigrationVersion(ctx)
		if err != nil {
			return err
		}
		a.logger.Info("database migrated", "version", v)
		return nil
	}
	a.logger.Info("database migrated")
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
