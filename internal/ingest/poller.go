package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lox/raindrop/internal/apperr"
	"github.com/lox/raindrop/internal/models"
	"github.com/lox/raindrop/internal/schedule"
)

type StationSource interface {
	ActiveStations(ctx context.Context) ([]models.Station, error)
}

// Poller runs a pipeline over the store's active stations on every tick.
type Poller struct {
	orch     *Orchestrator
	stations StationSource
	pipeline string
	logger   *slog.Logger
}

func NewPoller(orch *Orchestrator, stations StationSource, pipeline string, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{orch: orch, stations: stations, pipeline: pipeline, logger: logger}
}

// Run polls on every tick until ctx ends.
func (p *Poller) Run(ctx context.Context, trigger schedule.Trigger) {
	stop := trigger.OnTick(func() {
		_, err := p.PollOnce(ctx)
		switch {
		case errors.Is(err, apperr.ErrAlreadyRunning):
			p.logger.Info("skipping tick, run in progress", "pipeline", p.pipeline)
		case err != nil:
			p.logger.Error("poll failed", "pipeline", p.pipeline, "error", err)
		}
	})
	<-ctx.Done()
	stop()
	p.logger.Info("poller stopped", "pipeline", p.pipeline)
}

// PollOnce runs the pipeline synchronously over the active stations.
func (p *Poller) PollOnce(ctx context.Context) (models.RunSummary, error) {
	stations, err := p.stations.ActiveStations(ctx)
	if err != nil {
		return models.RunSummary{}, fmt.Errorf("load stations: %w", err)
	}
	return p.orch.Run(ctx, p.pipeline, stations, 0)
}
