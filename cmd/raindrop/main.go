package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"1" help:"Run scheduled ingestion, forecast scoring and training with the ops server."`
	Ingest   IngestCmd   `cmd:"" help:"Ingest the active stations once and exit."`
	Forecast ForecastCmd `cmd:"" help:"Score the active stations' hourly forecasts once and exit."`
	Train    TrainCmd    `cmd:"" help:"Retrain the classifier now."`
	Assess   AssessCmd   `cmd:"" help:"Print risk assessments as JSON."`
	Migrate  MigrateCmd  `cmd:"" help:"Apply database migrations and seed stations."`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("raindrop"),
		kong.Description("Weather station ingestion and flood/drought risk scoring."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	if err := kctx.Run(); err != nil {
		cancel()
		kctx.Errorf("%v", err)
		os.Exit(1)
	}
}
