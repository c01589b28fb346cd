package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raindrop_provider_calls_total",
			Help: "Total weather provider API calls",
		},
		[]string{"provider", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raindrop_provider_latency_seconds",
			Help:    "Provider API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	ObservationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raindrop_observations_ingested_total",
			Help: "Total observations successfully upserted",
		},
		[]string{"pipeline"},
	)

	StationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raindrop_station_failures_total",
			Help: "Stations that failed in a run, by reason",
		},
		[]string{"pipeline", "reason"},
	)

	FetchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "raindrop_fetch_retries_total",
			Help: "Transient fetch failures that were retried",
		},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raindrop_run_duration_seconds",
			Help:    "Wall time of ingestion runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"pipeline", "outcome"},
	)

	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "raindrop_active_runs",
			Help: "Ingestion runs currently in progress",
		},
	)

	QuotaRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "raindrop_provider_quota_remaining",
			Help: "Provider calls left in the rolling 24h window",
		},
	)

	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "raindrop_rate_limit_rejections_total",
			Help: "Permit requests rejected because the daily quota was spent",
		},
	)

	ProgressSubscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "raindrop_progress_subscribers_dropped_total",
			Help: "Progress subscribers dropped for not keeping up",
		},
	)

	TrainingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raindrop_training_runs_total",
			Help: "Classifier training attempts by outcome",
		},
		[]string{"outcome"},
	)

	ModelAccuracy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "raindrop_model_accuracy",
			Help: "Holdout accuracy of the active classifier",
		},
	)

	AssessmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raindrop_assessments_total",
			Help: "Risk assessments computed, by type and level",
		},
		[]string{"risk_type", "level"},
	)

	ForecastRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raindrop_forecast_runs_total",
			Help: "Forecast scoring runs by outcome",
		},
		[]string{"outcome"},
	)

	ForecastAssessments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raindrop_forecast_assessments_total",
			Help: "Forecast hours scored, by type and level",
		},
		[]string{"risk_type", "level"},
	)
)
