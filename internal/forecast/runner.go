// Package forecast scores upcoming hours: it fetches each active station's
// hourly forecast, assesses every forecast hour for flood and drought
// against the station's observed baseline and stores the results.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/lox/raindrop/internal/apperr"
	"github.com/lox/raindrop/internal/metrics"
	"github.com/lox/raindrop/internal/models"
	"github.com/lox/raindrop/internal/risk"
	"github.com/lox/raindrop/internal/schedule"
)

const (
	DefaultBaselineHours          = 24
	DefaultMaxAttempts            = 3
	DefaultFetchTimeout           = 30 * time.Second
	DefaultInitialBackoff         = time.Second
	DefaultMaxBackoff             = 30 * time.Second
	DefaultMaxConsecutiveFailures = 5
	DefaultRetention              = 24 * time.Hour
)

type Fetcher interface {
	FetchForecast(ctx context.Context, station models.Station) ([]models.Observation, error)
}

type Limiter interface {
	Acquire(ctx context.Context) error
}

type Store interface {
	ActiveStations(ctx context.Context) ([]models.Station, error)
	QueryWindow(ctx context.Context, stationID string, from, to time.Time) ([]models.Observation, error)
	UpsertForecastAssessments(ctx context.Context, assessments []models.ForecastAssessment) error
	PruneForecasts(ctx context.Context, before time.Time) (int64, error)
}

// Predictor classifies an hour given the reading one hour before it.
type Predictor interface {
	Predict(prev, cur models.Observation) (models.RiskLevel, float64, error)
}

type Config struct {
	BaselineHours  int
	MaxAttempts    int
	FetchTimeout   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxConsecutiveFailures stops a run early; a spent quota or a
	// provider outage fails every remaining station the same way.
	MaxConsecutiveFailures int
	// Retention keeps assessments for past hours this long.
	Retention time.Duration
	Clock     clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.BaselineHours <= 0 {
		c.BaselineHours = DefaultBaselineHours
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Summary describes one forecast run.
type Summary struct {
	Stations    int           `json:"stations"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Assessments int           `json:"assessments"`
	Aborted     bool          `json:"aborted"`
	Elapsed     time.Duration `json:"elapsed"`
}

type Runner struct {
	fetcher   Fetcher
	limiter   Limiter
	store     Store
	engine    *risk.Engine
	predictor Predictor
	cfg       Config
	logger    *slog.Logger

	running sync.Mutex
}

// NewRunner builds a forecast runner. limiter and predictor may be nil.
func NewRunner(fetcher Fetcher, limiter Limiter, st Store, engine *risk.Engine, predictor Predictor, cfg Config, logger *slog.Logger) *Runner {
	if engine == nil {
		engine = risk.NewEngine()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		fetcher:   fetcher,
		limiter:   limiter,
		store:     st,
		engine:    engine,
		predictor: predictor,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Run scores forecasts on every tick until ctx ends.
func (r *Runner) Run(ctx context.Context, trigger schedule.Trigger) {
	stop := trigger.OnTick(func() {
		_, err := r.RunOnce(ctx)
		switch {
		case errors.Is(err, apperr.ErrAlreadyRunning):
			r.logger.Info("skipping tick, forecast run in progress")
		case err != nil:
			r.logger.Error("forecast run failed", "error", err)
		}
	})
	<-ctx.Done()
	stop()
	r.logger.Info("forecast runner stopped")
}

// RunOnce fetches and scores the forecast of every active station in turn.
// Station failures are counted, not returned.
func (r *Runner) RunOnce(ctx context.Context) (Summary, error) {
	if !r.running.TryLock() {
		return Summary{}, fmt.Errorf("forecast: %w", apperr.ErrAlreadyRunning)
	}
	defer r.running.Unlock()

	stations, err := r.store.ActiveStations(ctx)
	if err != nil {
		metrics.ForecastRuns.WithLabelValues("error").Inc()
		return Summary{}, fmt.Errorf("load stations: %w", err)
	}

	start := r.cfg.Clock.Now()
	summary := Summary{Stations: len(stations)}
	consecutive := 0
	r.logger.Info("forecast run started", "stations", len(stations))

	for _, st := range stations {
		if ctx.Err() != nil {
			summary.Aborted = true
			break
		}
		n, err := r.scoreStation(ctx, st)
		if err != nil {
			summary.Failed++
			consecutive++
			r.logger.Warn("forecast station failed", "station", st.StationID, "reason", apperr.Reason(err), "error", err)
			if consecutive >= r.cfg.MaxConsecutiveFailures {
				summary.Aborted = true
				r.logger.Error("stopping forecast run after consecutive failures", "failures", consecutive)
				break
			}
			continue
		}
		consecutive = 0
		summary.Succeeded++
		summary.Assessments += n
	}

	cutoff := r.cfg.Clock.Now().UTC().Truncate(time.Hour).Add(-r.cfg.Retention)
	if pruned, err := r.store.PruneForecasts(context.WithoutCancel(ctx), cutoff); err != nil {
		r.logger.Warn("prune forecasts", "error", err)
	} else if pruned > 0 {
		r.logger.Debug("pruned forecasts", "deleted", pruned, "cutoff", cutoff)
	}

	summary.Elapsed = r.cfg.Clock.Since(start)
	outcome := "completed"
	switch {
	case summary.Aborted:
		outcome = "aborted"
	case summary.Stations > 0 && summary.Succeeded == 0:
		outcome = "failed"
	}
	metrics.ForecastRuns.WithLabelValues(outcome).Inc()
	r.logger.Info("forecast run finished",
		"outcome", outcome,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"assessments", summary.Assessments,
		"elapsed", summary.Elapsed,
	)
	return summary, nil
}

// scoreStation fetches, assesses and stores one station's forecast and
// returns the number of assessments written.
func (r *Runner) scoreStation(ctx context.Context, st models.Station) (int, error) {
	hours, err := r.fetch(ctx, st)
	if err != nil {
		return 0, err
	}

	first := hours[0].Timestamp
	from := first.Add(-time.Duration(r.cfg.BaselineHours) * time.Hour)
	baseline, err := r.store.QueryWindow(ctx, st.StationID, from, first)
	if err != nil {
		return 0, fmt.Errorf("baseline for %s: %w", st.StationID, err)
	}

	assessments := r.Assess(st.StationID, r.cfg.Clock.Now().UTC(), hours, baseline)
	if err := r.store.UpsertForecastAssessments(context.WithoutCancel(ctx), assessments); err != nil {
		return 0, fmt.Errorf("store forecast for %s: %w", st.StationID, err)
	}
	for _, a := range assessments {
		metrics.ForecastAssessments.WithLabelValues(string(a.RiskType), string(a.Level)).Inc()
	}
	return len(assessments), nil
}

func (r *Runner) fetch(ctx context.Context, st models.Station) ([]models.Observation, error) {
	var hours []models.Observation
	operation := func() error {
		if r.limiter != nil {
			if err := r.limiter.Acquire(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
		defer cancel()

		var err error
		hours, err = r.fetcher.FetchForecast(fetchCtx, st)
		switch {
		case err == nil:
			if len(hours) == 0 {
				return backoff.Permanent(apperr.Permanent(st.StationID, errors.New("empty forecast")))
			}
			return nil
		case apperr.IsTransient(err):
			return err
		case errors.Is(err, context.DeadlineExceeded) && !apperr.IsPermanent(err):
			return apperr.Transient(st.StationID, err)
		default:
			return backoff.Permanent(err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialBackoff
	bo.MaxInterval = r.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.cfg.MaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		metrics.FetchRetries.Inc()
		r.logger.Debug("retrying forecast", "station", st.StationID, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return hours, nil
}

// Assess scores each forecast hour for flood and drought against the
// observed baseline. Flood hours also carry the classifier's level when a
// model is active and the hour before is known, either from the forecast
// or from the last observed reading.
func (r *Runner) Assess(stationID string, issuedAt time.Time, hours, baseline []models.Observation) []models.ForecastAssessment {
	out := make([]models.ForecastAssessment, 0, 2*len(hours))
	for i, h := range hours {
		for _, rt := range []models.RiskType{models.RiskFlood, models.RiskDrought} {
			a := r.engine.Assess(rt, h, baseline)
			fa := models.ForecastAssessment{
				StationID:  stationID,
				RiskType:   rt,
				IssuedAt:   issuedAt,
				Conditions: h,
				Score:      a.Score,
				Level:      a.Level,
				Factors:    a.Factors,
			}
			if rt == models.RiskFlood {
				r.attachPrediction(&fa, previous(hours, baseline, i), h)
			}
			out = append(out, fa)
		}
	}
	return out
}

func (r *Runner) attachPrediction(fa *models.ForecastAssessment, prev *models.Observation, cur models.Observation) {
	if r.predictor == nil || prev == nil {
		return
	}
	level, conf, err := r.predictor.Predict(*prev, cur)
	switch {
	case err == nil:
		fa.ClassifierLevel = level
		fa.ClassifierConfidence = conf
	case errors.Is(err, apperr.ErrNoModel), errors.Is(err, apperr.ErrInsufficientData):
	default:
		r.logger.Warn("forecast prediction", "station", cur.StationID, "hour", cur.Timestamp, "error", err)
	}
}

func previous(hours, baseline []models.Observation, i int) *models.Observation {
	if i > 0 {
		return &hours[i-1]
	}
	if len(baseline) > 0 {
		return &baseline[len(baseline)-1]
	}
	return nil
}
